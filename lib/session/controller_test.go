package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/lib/store/memstore"
)

// fakeAPI implements LockAPI on top of the real lease service so the
// controller is driven by genuine server semantics. It counts calls and
// can be switched into a failing mode to simulate network trouble.
type fakeAPI struct {
	svc  lease.ILockService
	self lease.Requester

	mu    sync.Mutex
	fail  error
	calls map[string]int
}

func newFakeAPI(svc lease.ILockService, userID, tabID string) *fakeAPI {
	return &fakeAPI{
		svc:   svc,
		self:  lease.Requester{UserID: userID, TabID: tabID, DisplayName: userID},
		calls: map[string]int{},
	}
}

func (a *fakeAPI) record(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[op]++
	return a.fail
}

func (a *fakeAPI) count(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

func (a *fakeAPI) setFailing(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = err
}

func (a *fakeAPI) Acquire(ctx context.Context, key lease.ResourceKey, minutes int) (lease.AcquireResult, error) {
	if err := a.record("acquire"); err != nil {
		return lease.AcquireResult{}, err
	}
	return a.svc.Acquire(ctx, key, a.self, minutes)
}

func (a *fakeAPI) Status(ctx context.Context, key lease.ResourceKey) (lease.Status, error) {
	if err := a.record("status"); err != nil {
		return lease.Status{}, err
	}
	return a.svc.GetStatus(ctx, key, a.self.UserID, a.self.TabID)
}

func (a *fakeAPI) Extend(ctx context.Context, key lease.ResourceKey, minutes int) (lease.ExtendResult, error) {
	if err := a.record("extend"); err != nil {
		return lease.ExtendResult{}, err
	}
	return a.svc.Extend(ctx, key, a.self.UserID, minutes)
}

func (a *fakeAPI) Transfer(ctx context.Context, key lease.ResourceKey, newTabID string) (lease.TransferResult, error) {
	if err := a.record("transfer"); err != nil {
		return lease.TransferResult{}, err
	}
	return a.svc.Transfer(ctx, key, a.self.UserID, newTabID, true)
}

func (a *fakeAPI) Release(ctx context.Context, key lease.ResourceKey, userOverride bool) (lease.ReleaseResult, error) {
	if err := a.record("release"); err != nil {
		return lease.ReleaseResult{}, err
	}
	return a.svc.Release(ctx, key, a.self, false, userOverride)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   lease.ILockService
	clock *testClock
	key   lease.ResourceKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	st := memstore.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	return &fixture{
		svc:   lease.NewLockService(st, &lease.Options{Now: clock.Now}),
		clock: clock,
		key:   lease.ResourceKey{Collection: "docs", ResourceID: "d1"},
	}
}

func (f *fixture) controller(t *testing.T, api *fakeAPI, cfg Config) *Controller {
	t.Helper()
	cfg.Key = f.key
	cfg.Self = Identity{UserID: api.self.UserID, TabID: api.self.TabID}
	c, err := NewController(cfg, Deps{API: api, Now: f.clock.Now})
	require.NoError(t, err)
	return c
}

func TestActivateAutoAcquires(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{AutoAcquire: true, LeaseMinutes: 5})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, StateLockedBySelf, snap.State)
	require.NotNil(t, snap.Lease)
	assert.Equal(t, "tab-1", snap.Lease.HolderTabID)
	assert.EqualValues(t, 300, snap.RemainingSeconds)
}

func TestActivateSeesOtherHolder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Acquire(context.Background(), f.key,
		lease.Requester{UserID: "bob", TabID: "tab-b", DisplayName: "Bob"}, 30)
	require.NoError(t, err)

	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{AutoAcquire: true})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, StateLockedByOther, snap.State)
	assert.Equal(t, "bob", snap.LockedBy)
	assert.Equal(t, "Bob", snap.LockedByName)
	assert.Zero(t, api.count("acquire"), "must not try to acquire a held lock")
}

func TestMultiTabConflictAndTransfer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Acquire(context.Background(), f.key,
		lease.Requester{UserID: "alice", TabID: "tab-old"}, 30)
	require.NoError(t, err)

	api := newFakeAPI(f.svc, "alice", "tab-new")
	c := f.controller(t, api, Config{AutoAcquire: true})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, StateMultiTabConflict, snap.State)
	assert.True(t, snap.AllowTransfer)

	require.NoError(t, c.Transfer(context.Background()))

	snap = c.Snapshot()
	assert.Equal(t, StateLockedBySelf, snap.State)
	assert.False(t, snap.Transferring)
	require.NotNil(t, snap.Lease)
	assert.Equal(t, "tab-new", snap.Lease.HolderTabID)

	// The cross-check: the server agrees the lease moved.
	st, err := f.svc.GetStatus(context.Background(), f.key, "alice", "tab-new")
	require.NoError(t, err)
	assert.Equal(t, lease.StateSelfSameTab, st.State)
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{
		AutoAcquire:    true,
		LeaseMinutes:   5,
		RenewEvery:     20 * time.Millisecond,
		CountdownEvery: 10 * time.Millisecond,
	})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))

	require.Eventually(t, func() bool { return api.count("extend") >= 2 },
		2*time.Second, 10*time.Millisecond, "renewal ticker must extend repeatedly")
	assert.Equal(t, StateLockedBySelf, c.Snapshot().State)
}

func TestCountdownFlipsToExpired(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{
		AutoAcquire:    true,
		LeaseMinutes:   5,
		RenewEvery:     time.Hour, // renewal out of the picture
		CountdownEvery: 10 * time.Millisecond,
	})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))
	require.Equal(t, StateLockedBySelf, c.Snapshot().State)

	f.clock.Advance(6 * time.Minute)

	require.Eventually(t, func() bool { return c.Snapshot().State == StateExpired },
		2*time.Second, 10*time.Millisecond, "countdown must detect the lost lease")
	assert.EqualValues(t, 0, c.Snapshot().RemainingSeconds)
}

func TestTransientErrorKeepsState(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{AutoAcquire: true, LeaseMinutes: 5})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))
	require.Equal(t, StateLockedBySelf, c.Snapshot().State)

	boom := errors.New("connection refused")
	api.setFailing(boom)

	err := c.Refresh(context.Background())
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, StateLockedBySelf, snap.State, "a failed poll must not flip a held lock")
	assert.ErrorIs(t, snap.Err, boom)

	// Recovery clears the error.
	api.setFailing(nil)
	require.NoError(t, c.Refresh(context.Background()))
	assert.NoError(t, c.Snapshot().Err)
}

func TestDeactivateReleases(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{AutoAcquire: true, AutoRelease: true, LeaseMinutes: 5})

	require.NoError(t, c.Activate(context.Background()))
	require.Equal(t, StateLockedBySelf, c.Snapshot().State)

	c.Deactivate(context.Background())

	assert.Equal(t, StateTornDown, c.Snapshot().State)
	st, err := f.svc.GetStatus(context.Background(), f.key, "carol", "tab-x")
	require.NoError(t, err)
	assert.Equal(t, lease.StateAbsent, st.State, "teardown must release the lease")
}

func TestDeactivateHandsOffToSibling(t *testing.T) {
	f := newFixture(t)
	board := NewBoard(nil)
	groupKey := f.key.StorageKey()

	api1 := newFakeAPI(f.svc, "alice", "tab-1")
	c1, err := NewController(Config{
		Key:         f.key,
		Self:        Identity{UserID: "alice", TabID: "tab-1"},
		AutoAcquire: true,
		AutoRelease: true,
		LeaseMinutes: 5,
	}, Deps{API: api1, Board: board, Now: f.clock.Now})
	require.NoError(t, err)
	require.NoError(t, c1.Activate(context.Background()))
	require.Equal(t, StateLockedBySelf, c1.Snapshot().State)

	// A sibling component on the same page still wants the group.
	board.Register(groupKey, "sibling")

	c1.Deactivate(context.Background())

	// Not released: the lease is parked on the board instead.
	st, err := f.svc.GetStatus(context.Background(), f.key, "alice", "tab-1")
	require.NoError(t, err)
	require.Equal(t, lease.StateSelfSameTab, st.State, "handoff must keep the lease on the server")

	api2 := newFakeAPI(f.svc, "alice", "tab-1")
	c2, err := NewController(Config{
		Key:         f.key,
		Self:        Identity{UserID: "alice", TabID: "tab-1"},
		AutoAcquire: true,
		AutoRelease: true,
		LeaseMinutes: 5,
	}, Deps{API: api2, Board: board, Now: f.clock.Now})
	require.NoError(t, err)
	require.NoError(t, c2.Activate(context.Background()))
	defer c2.Deactivate(context.Background())

	assert.Equal(t, StateLockedBySelf, c2.Snapshot().State)
	assert.Zero(t, api2.count("acquire"), "claimant must adopt the lease, not re-acquire")
}

func TestExplicitRelease(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{AutoAcquire: true, LeaseMinutes: 5})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))
	require.NoError(t, c.Release(context.Background(), false))

	snap := c.Snapshot()
	assert.Equal(t, StateUnlocked, snap.State)
	assert.Nil(t, snap.Lease)
}

func TestSetLockGroupMovesTheLease(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")
	c := f.controller(t, api, Config{AutoAcquire: true, AutoRelease: true, LeaseMinutes: 5})
	defer c.Deactivate(context.Background())

	require.NoError(t, c.Activate(context.Background()))
	require.Equal(t, StateLockedBySelf, c.Snapshot().State)

	require.NoError(t, c.SetLockGroup(context.Background(), "table-1"))

	snap := c.Snapshot()
	assert.Equal(t, StateLockedBySelf, snap.State)
	require.NotNil(t, snap.Lease)
	assert.Equal(t, "table-1", snap.Lease.Key.LockGroup)

	// The whole-resource lock is free again.
	st, err := f.svc.GetStatus(context.Background(), f.key, "carol", "tab-x")
	require.NoError(t, err)
	assert.Equal(t, lease.StateAbsent, st.State)
}

func TestOnChangeSeesTransitions(t *testing.T) {
	f := newFixture(t)
	api := newFakeAPI(f.svc, "alice", "tab-1")

	var mu sync.Mutex
	var states []State
	cfg := Config{
		AutoAcquire:  true,
		LeaseMinutes: 5,
		OnChange: func(s Snapshot) {
			mu.Lock()
			states = append(states, s.State)
			mu.Unlock()
		},
	}
	c := f.controller(t, api, cfg)

	require.NoError(t, c.Activate(context.Background()))
	c.Deactivate(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Contains(t, states, StateLockedBySelf)
	assert.Equal(t, StateTornDown, states[len(states)-1])
}
