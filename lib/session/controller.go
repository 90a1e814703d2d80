package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/lib/tabreg"
)

// ----------------------------------------
// States
// ----------------------------------------

// State is the controller's view of the lock, derived from server results
// and local timers.
type State uint8

const (
	// StateLoading means no server answer has been processed yet.
	StateLoading State = iota
	// StateUnlocked means the resource is free (or was released).
	StateUnlocked
	// StateLockedBySelf means this session holds the lease.
	StateLockedBySelf
	// StateLockedByOther means another user holds the lease.
	StateLockedByOther
	// StateMultiTabConflict means the same user holds the lease from
	// another tab.
	StateMultiTabConflict
	// StateExpired means a lease this session held ran out before it
	// could be renewed.
	StateExpired
	// StateTornDown means the controller was deactivated.
	StateTornDown
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnlocked:
		return "unlocked"
	case StateLockedBySelf:
		return "locked_by_self"
	case StateLockedByOther:
		return "locked_by_other"
	case StateMultiTabConflict:
		return "multi_tab_conflict"
	case StateExpired:
		return "expired"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Snapshot is the controller's published state. Controllers hand copies
// out; a Snapshot is never mutated after publication.
type Snapshot struct {
	State            State
	Lease            *lease.Lease
	LockedBy         string
	LockedByName     string
	RemainingSeconds int64
	AllowTransfer    bool
	Transferring     bool
	// Err carries the last transient failure. State keeps its last
	// known value while Err is set.
	Err error
}

// ----------------------------------------
// API
// ----------------------------------------

// LockAPI is the server surface the controller drives. The rpc client
// implements it; tests substitute fakes.
type LockAPI interface {
	Acquire(ctx context.Context, key lease.ResourceKey, minutes int) (lease.AcquireResult, error)
	Status(ctx context.Context, key lease.ResourceKey) (lease.Status, error)
	Extend(ctx context.Context, key lease.ResourceKey, minutes int) (lease.ExtendResult, error)
	Transfer(ctx context.Context, key lease.ResourceKey, newTabID string) (lease.TransferResult, error)
	Release(ctx context.Context, key lease.ResourceKey, userOverride bool) (lease.ReleaseResult, error)
}

// Identity names the local session towards the lock server.
type Identity struct {
	UserID string
	TabID  string
}

// ----------------------------------------
// Config
// ----------------------------------------

const (
	// DefaultRenewEvery is the renewal cadence for held leases.
	DefaultRenewEvery = 2 * time.Minute
	// DefaultCountdownEvery is the cadence of local countdown ticks.
	DefaultCountdownEvery = time.Second
	// DefaultWarnBelowSeconds marks the remaining time under which the
	// snapshot should be surfaced prominently.
	DefaultWarnBelowSeconds = 120
	// DefaultUrgentBelowSeconds marks imminent expiry.
	DefaultUrgentBelowSeconds = 30
	// DefaultMaxAcquireAttempts bounds transient-error retries during
	// auto acquire.
	DefaultMaxAcquireAttempts = 3
)

// Config configures a Controller for one resource.
type Config struct {
	Key  lease.ResourceKey
	Self Identity

	// AutoAcquire acquires on Activate when the resource is free.
	AutoAcquire bool
	// AutoRelease releases on Deactivate when this session holds the
	// lease and no sibling component wants it.
	AutoRelease bool

	// LeaseMinutes is passed to acquire/extend. Zero lets the server
	// apply its default.
	LeaseMinutes int

	RenewEvery         time.Duration
	CountdownEvery     time.Duration
	WarnBelowSeconds   int64
	UrgentBelowSeconds int64
	MaxAcquireAttempts int

	// OnChange is invoked with every published snapshot. Called from the
	// controller's goroutines, never with internal locks held.
	OnChange func(Snapshot)
}

func (c *Config) applyDefaults() {
	if c.RenewEvery <= 0 {
		c.RenewEvery = DefaultRenewEvery
	}
	if c.CountdownEvery <= 0 {
		c.CountdownEvery = DefaultCountdownEvery
	}
	if c.WarnBelowSeconds <= 0 {
		c.WarnBelowSeconds = DefaultWarnBelowSeconds
	}
	if c.UrgentBelowSeconds <= 0 {
		c.UrgentBelowSeconds = DefaultUrgentBelowSeconds
	}
	if c.MaxAcquireAttempts <= 0 {
		c.MaxAcquireAttempts = DefaultMaxAcquireAttempts
	}
}

// Deps are the collaborators a Controller needs. API is required; Board
// and Registry are optional.
type Deps struct {
	API      LockAPI
	Board    *Board
	Registry *tabreg.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

// ----------------------------------------
// Controller
// ----------------------------------------

// Controller owns the lock lifecycle for one resource on behalf of one
// session: acquisition on activation, periodic renewal, a local expiry
// countdown, conflict transfer and teardown with optional handoff to a
// sibling component.
type Controller struct {
	cfg Config

	api   LockAPI
	board *Board
	reg   *tabreg.Registry
	log   *slog.Logger
	now   func() time.Time

	componentID string

	mu     sync.Mutex
	snap   Snapshot
	active bool
	// transferring suppresses auto-acquire while a takeover is pending.
	transferring bool
	// renewing is false once the lease is known lost.
	renewing bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewController creates a Controller. It does nothing until Activate.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Key.Validate(); err != nil {
		return nil, err
	}
	if cfg.Self.UserID == "" || cfg.Self.TabID == "" {
		return nil, errors.New("session: identity requires user id and tab id")
	}
	if deps.API == nil {
		return nil, errors.New("session: lock api is required")
	}
	cfg.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:         cfg,
		api:         deps.API,
		board:       deps.Board,
		reg:         deps.Registry,
		log:         log.With("resource", cfg.Key.StorageKey()),
		now:         now,
		componentID: uuid.NewString(),
		snap:        Snapshot{State: StateLoading},
	}, nil
}

// Snapshot returns the current published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Key returns the resource the controller manages.
func (c *Controller) Key() lease.ResourceKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Key
}

// Activate brings the controller up: it claims a pending handoff if a
// sibling posted one, otherwise resolves the lock state against the
// server, auto-acquiring when configured. Timers start on success.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.stop = make(chan struct{})
	key := c.cfg.Key
	c.mu.Unlock()

	groupKey := key.StorageKey()
	if c.board != nil {
		c.board.Register(groupKey, c.componentID)
		if snap, ok := c.board.ClaimHandoff(groupKey); ok && snap.State == StateLockedBySelf {
			c.log.Debug("claimed lease handoff from sibling component")
			c.adoptHeld(snap)
			c.startTimers()
			return nil
		}
	}

	if err := c.resolve(ctx); err != nil {
		return err
	}
	c.startTimers()
	return nil
}

// resolve fetches status and, when configured and the resource is free,
// acquires. Transient errors keep the last published state.
func (c *Controller) resolve(ctx context.Context) error {
	c.mu.Lock()
	key := c.cfg.Key
	autoAcquire := c.cfg.AutoAcquire && !c.transferring
	c.mu.Unlock()

	st, err := c.api.Status(ctx, key)
	if err != nil {
		c.publishErr(err)
		return err
	}
	state := c.applyStatus(st)

	if autoAcquire && state == StateUnlocked {
		return c.acquire(ctx)
	}
	return nil
}

func (c *Controller) acquire(ctx context.Context) error {
	c.mu.Lock()
	key := c.cfg.Key
	minutes := c.cfg.LeaseMinutes
	attempts := c.cfg.MaxAcquireAttempts
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.api.Acquire(ctx, key, minutes)
		if err != nil {
			lastErr = err
			c.publishErr(err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
			continue
		}
		c.applyAcquire(res)
		return nil
	}
	return fmt.Errorf("session: acquire failed after %d attempts: %w", attempts, lastErr)
}

// Deactivate tears the controller down. When this session holds the
// lease: if a sibling component still wants the group the lease is posted
// as a handoff instead of released; otherwise, with AutoRelease set, the
// lease is released only after a fresh status confirms this tab is still
// the holder.
func (c *Controller) Deactivate(ctx context.Context) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	close(c.stop)
	key := c.cfg.Key
	autoRelease := c.cfg.AutoRelease
	held := c.snap.State == StateLockedBySelf
	snap := c.snap
	c.mu.Unlock()

	c.wg.Wait()

	groupKey := key.StorageKey()
	if c.board != nil {
		c.board.Unregister(groupKey, c.componentID)
	}
	if c.reg != nil {
		if err := c.reg.ClearEditing(); err != nil {
			c.log.Warn("failed to clear editing registration", "error", err)
		}
	}

	if held {
		switch {
		case c.board != nil && c.board.OthersWant(groupKey, c.componentID):
			c.log.Debug("posting lease handoff for sibling component")
			c.board.PostHandoff(groupKey, snap)
		case autoRelease:
			// Releasing blind could tear down a lease this tab no
			// longer owns, so confirm holdership first.
			st, err := c.api.Status(ctx, key)
			if err != nil {
				c.log.Warn("teardown status check failed, keeping lease", "error", err)
			} else if st.Lease != nil && st.State == lease.StateSelfSameTab {
				if _, err := c.api.Release(ctx, key, false); err != nil {
					c.log.Warn("teardown release failed", "error", err)
				}
			}
		}
	}

	c.publish(func(s *Snapshot) {
		s.State = StateTornDown
		s.Err = nil
	})
}

// Transfer takes over a lease the same user holds in another tab. While
// the transfer is pending, auto-acquire is suppressed.
func (c *Controller) Transfer(ctx context.Context) error {
	c.mu.Lock()
	if c.transferring {
		c.mu.Unlock()
		return errors.New("session: transfer already in progress")
	}
	c.transferring = true
	key := c.cfg.Key
	tabID := c.cfg.Self.TabID
	c.mu.Unlock()

	c.publish(func(s *Snapshot) { s.Transferring = true })
	defer func() {
		c.mu.Lock()
		c.transferring = false
		c.mu.Unlock()
		c.publish(func(s *Snapshot) { s.Transferring = false })
	}()

	res, err := c.api.Transfer(ctx, key, tabID)
	if err != nil {
		c.publishErr(err)
		return err
	}
	if !res.OK {
		c.log.Info("transfer rejected", "reason", res.Reason)
		// The lease moved or expired under us, fall back to status.
		return c.resolve(ctx)
	}
	c.applyHeldLease(res.Lease)
	return nil
}

// Release gives the lease up explicitly. userOverride releases the same
// user's lease even when it is held by another tab.
func (c *Controller) Release(ctx context.Context, userOverride bool) error {
	c.mu.Lock()
	key := c.cfg.Key
	c.mu.Unlock()

	res, err := c.api.Release(ctx, key, userOverride)
	if err != nil {
		c.publishErr(err)
		return err
	}
	if !res.OK {
		return c.resolve(ctx)
	}
	if c.reg != nil {
		if err := c.reg.ClearEditing(); err != nil {
			c.log.Warn("failed to clear editing registration", "error", err)
		}
	}
	c.mu.Lock()
	c.renewing = false
	c.mu.Unlock()
	c.publish(func(s *Snapshot) {
		s.State = StateUnlocked
		s.Lease = nil
		s.RemainingSeconds = 0
		s.LockedBy = ""
		s.LockedByName = ""
		s.AllowTransfer = false
		s.Err = nil
	})
	return nil
}

// SetLockGroup moves the controller to a different lock group on the same
// resource. A held lease on the old group is released first when
// AutoRelease is set, then the new group is resolved like an activation.
func (c *Controller) SetLockGroup(ctx context.Context, group string) error {
	c.mu.Lock()
	if c.cfg.Key.LockGroup == group {
		c.mu.Unlock()
		return nil
	}
	oldKey := c.cfg.Key
	held := c.snap.State == StateLockedBySelf
	autoRelease := c.cfg.AutoRelease
	c.mu.Unlock()

	if c.board != nil {
		c.board.Unregister(oldKey.StorageKey(), c.componentID)
	}
	if held && autoRelease {
		if _, err := c.api.Release(ctx, oldKey, false); err != nil {
			c.log.Warn("release on lock group switch failed", "error", err)
		}
	}

	c.mu.Lock()
	c.cfg.Key.LockGroup = group
	c.renewing = false
	newKey := c.cfg.Key
	c.mu.Unlock()

	if c.board != nil {
		c.board.Register(newKey.StorageKey(), c.componentID)
	}
	c.publish(func(s *Snapshot) {
		s.State = StateLoading
		s.Lease = nil
		s.RemainingSeconds = 0
	})
	return c.resolve(ctx)
}

// Refresh re-resolves the state against the server. Transient errors keep
// the last known state; a poll failure never flips a held lock to
// unlocked.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.resolve(ctx)
}

// ----------------------------------------
// state application
// ----------------------------------------

func (c *Controller) applyStatus(st lease.Status) State {
	var state State
	switch st.State {
	case lease.StateSelfSameTab:
		state = StateLockedBySelf
	case lease.StateSelfOtherTab:
		state = StateMultiTabConflict
	case lease.StateOtherUser:
		state = StateLockedByOther
	default:
		// Absent and expired both mean the resource is free to take.
		state = StateUnlocked
	}

	c.mu.Lock()
	held := state == StateLockedBySelf
	c.renewing = held
	c.mu.Unlock()

	c.publish(func(s *Snapshot) {
		s.State = state
		s.Err = nil
		s.AllowTransfer = state == StateMultiTabConflict
		if state == StateUnlocked {
			s.Lease = nil
			s.RemainingSeconds = 0
			s.LockedBy = ""
			s.LockedByName = ""
			return
		}
		s.Lease = st.Lease
		s.RemainingSeconds = st.RemainingSeconds
		if st.Lease != nil {
			s.LockedBy = st.Lease.HolderID
			s.LockedByName = st.Lease.HolderDisplayName
		}
	})
	if held {
		c.markEditing()
	}
	return state
}

func (c *Controller) applyAcquire(res lease.AcquireResult) {
	if res.OK {
		c.applyHeldLease(res.Lease)
		return
	}
	var state State
	switch res.Reason {
	case lease.FailMultiTabConflict:
		state = StateMultiTabConflict
	default:
		state = StateLockedByOther
	}
	c.mu.Lock()
	c.renewing = false
	c.mu.Unlock()
	c.publish(func(s *Snapshot) {
		s.State = state
		s.Lease = res.Lease
		s.RemainingSeconds = res.RemainingSeconds
		s.LockedBy = res.LockedBy
		s.LockedByName = res.LockedByName
		s.AllowTransfer = res.AllowTransfer
		s.Err = nil
	})
}

func (c *Controller) applyHeldLease(l *lease.Lease) {
	c.mu.Lock()
	c.renewing = true
	c.mu.Unlock()
	c.publish(func(s *Snapshot) {
		s.State = StateLockedBySelf
		s.Lease = l
		if l != nil {
			s.RemainingSeconds = l.RemainingSeconds(c.now())
		}
		s.LockedBy = ""
		s.LockedByName = ""
		s.AllowTransfer = false
		s.Err = nil
	})
	c.markEditing()
}

// adoptHeld installs a snapshot claimed from a sibling's handoff.
func (c *Controller) adoptHeld(snap Snapshot) {
	c.mu.Lock()
	c.renewing = true
	snap.Transferring = false
	snap.Err = nil
	if snap.Lease != nil {
		snap.RemainingSeconds = snap.Lease.RemainingSeconds(c.now())
	}
	c.snap = snap
	cb := c.cfg.OnChange
	c.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
	c.markEditing()
}

func (c *Controller) markEditing() {
	if c.reg == nil {
		return
	}
	c.mu.Lock()
	key := c.cfg.Key
	c.mu.Unlock()
	if err := c.reg.SetEditing(key, ""); err != nil {
		c.log.Warn("failed to register editing tab", "error", err)
	}
}

func (c *Controller) publish(mutate func(*Snapshot)) {
	c.mu.Lock()
	mutate(&c.snap)
	snap := c.snap
	cb := c.cfg.OnChange
	c.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

func (c *Controller) publishErr(err error) {
	c.log.Warn("lock operation failed, keeping last known state", "error", err)
	c.publish(func(s *Snapshot) { s.Err = err })
}

// ----------------------------------------
// timers
// ----------------------------------------

func (c *Controller) startTimers() {
	c.mu.Lock()
	stop := c.stop
	renewEvery := c.cfg.RenewEvery
	tickEvery := c.cfg.CountdownEvery
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		renew := time.NewTicker(renewEvery)
		defer renew.Stop()
		tick := time.NewTicker(tickEvery)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				c.countdown()
			case <-renew.C:
				c.renew()
			}
		}
	}()
}

// countdown recomputes remaining time from the lease's absolute expiry.
// Hitting zero on a held lease means the lease is lost: renewal stops and
// the state flips to expired.
func (c *Controller) countdown() {
	c.mu.Lock()
	l := c.snap.Lease
	state := c.snap.State
	c.mu.Unlock()
	if l == nil || state == StateUnlocked || state == StateTornDown {
		return
	}

	remaining := l.RemainingSeconds(c.now())
	if remaining <= 0 && state == StateLockedBySelf {
		c.log.Warn("lease expired before renewal")
		c.mu.Lock()
		c.renewing = false
		c.mu.Unlock()
		c.publish(func(s *Snapshot) {
			s.State = StateExpired
			s.RemainingSeconds = 0
		})
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	c.publish(func(s *Snapshot) { s.RemainingSeconds = remaining })
}

func (c *Controller) renew() {
	c.mu.Lock()
	renewing := c.renewing && c.snap.State == StateLockedBySelf
	key := c.cfg.Key
	minutes := c.cfg.LeaseMinutes
	c.mu.Unlock()
	if !renewing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.api.Extend(ctx, key, minutes)
	if err != nil {
		// Transient: the countdown keeps running and the next tick
		// retries.
		c.publishErr(err)
		return
	}
	if !res.OK {
		c.log.Info("renewal rejected", "reason", res.Reason)
		if err := c.resolve(ctx); err != nil {
			c.log.Warn("status refresh after rejected renewal failed", "error", err)
		}
		return
	}
	c.applyHeldLease(res.Lease)
}
