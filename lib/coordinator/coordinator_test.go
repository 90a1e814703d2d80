package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var statusReq = Request{Collection: "docs", ResourceID: "42", Action: ActionStatus}

func TestConcurrentReadsCollapse(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Do(c, ctx, statusReq, func(context.Context) (string, error) {
				calls.Add(1)
				<-release
				return "held-by-alice", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every goroutine a chance to join before the call completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "all callers must share one underlying call")
	for _, v := range results {
		assert.Equal(t, "held-by-alice", v)
	}
}

func TestReadCacheWithinTTL(t *testing.T) {
	c := New(&Options{ReadTTL: 200 * time.Millisecond})
	ctx := context.Background()

	var calls atomic.Int32
	perform := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	for i := 0; i < 5; i++ {
		_, err := Do(c, ctx, statusReq, perform)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load(), "repeat reads inside the TTL must hit the cache")

	time.Sleep(250 * time.Millisecond)
	_, err := Do(c, ctx, statusReq, perform)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired cache must trigger a fresh call")
}

func TestMutatingActionsNeverCached(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	req := Request{Collection: "docs", ResourceID: "42", Action: ActionAcquire}
	var calls atomic.Int32
	perform := func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}

	for i := 0; i < 3; i++ {
		_, err := Do(c, ctx, req, perform)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load(), "sequential acquires must each perform a request")
}

func TestErrorsNotCached(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	var calls atomic.Int32
	boom := assert.AnError
	perform := func(context.Context) (string, error) {
		calls.Add(1)
		return "", boom
	}

	_, err := Do(c, ctx, statusReq, perform)
	require.ErrorIs(t, err, boom)
	_, err = Do(c, ctx, statusReq, perform)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load(), "failures must not populate the cache")
}

func TestAbandonedCallerDoesNotAbortSharedCall(t *testing.T) {
	c := New(nil)

	release := make(chan struct{})
	started := make(chan struct{})

	// First caller owns the call but walks away.
	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Do(c, ownerCtx, statusReq, func(ctx context.Context) (string, error) {
			close(started)
			select {
			case <-release:
				return "v", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
		done <- err
	}()

	<-started
	cancelOwner()

	// The shared call keeps running on its detached context.
	close(release)
	require.NoError(t, <-done, "owner cancellation must not abort the detached call")
}

func TestJoinerHonorsOwnCancellation(t *testing.T) {
	c := New(nil)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	go Do(c, context.Background(), statusReq, func(context.Context) (string, error) {
		close(started)
		<-release
		return "v", nil
	})
	<-started

	joinCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(c, joinCtx, statusReq, func(context.Context) (string, error) {
		return "v", nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvalidateResource(t *testing.T) {
	c := New(&Options{GroupReadTTL: time.Hour})
	ctx := context.Background()

	grouped := Request{Collection: "docs", ResourceID: "42", LockGroup: "metadata", Action: ActionStatus}
	var calls atomic.Int32
	perform := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	_, err := Do(c, ctx, grouped, perform)
	require.NoError(t, err)
	_, err = Do(c, ctx, grouped, perform)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Changing the lock group invalidates the coarse group cache.
	c.InvalidateResource("docs", "42")
	_, err = Do(c, ctx, grouped, perform)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStaleCallReplacedByFreshOwner(t *testing.T) {
	c := New(&Options{InflightWindow: 50 * time.Millisecond})
	ctx := context.Background()

	// First caller wedges inside its call.
	stuck := make(chan struct{})
	defer close(stuck)
	started := make(chan struct{})
	go Do(c, ctx, statusReq, func(context.Context) (string, error) {
		close(started)
		<-stuck
		return "stale", nil
	})
	<-started
	time.Sleep(100 * time.Millisecond)

	// A caller arriving after the window must run its own call instead of
	// queueing behind the wedged one.
	callCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var performed atomic.Bool
	v, err := Do(c, callCtx, statusReq, func(context.Context) (string, error) {
		performed.Store(true)
		return "fresh", nil
	})
	require.NoError(t, err, "caller replacing a wedged call must not block")
	assert.True(t, performed.Load(), "the replacing caller must execute its own call")
	assert.Equal(t, "fresh", v)
}

func TestReleaseVariantsDoNotShareCalls(t *testing.T) {
	c := New(nil)

	plain := Request{Collection: "docs", ResourceID: "42", Action: ActionRelease}
	forced := Request{Collection: "docs", ResourceID: "42", Action: ActionRelease, Qualifier: "override"}

	release := make(chan struct{})
	started := make(chan struct{})
	go Do(c, context.Background(), plain, func(context.Context) (string, error) {
		close(started)
		<-release
		return "not-owner", nil
	})
	<-started

	// The override release must not join the plain one still in flight.
	var calls atomic.Int32
	v, err := Do(c, context.Background(), forced, func(context.Context) (string, error) {
		calls.Add(1)
		return "released", nil
	})
	close(release)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "released", v)
}
