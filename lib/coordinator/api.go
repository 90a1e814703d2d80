package coordinator

import (
	"context"

	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/lib/session"
)

// --------------------------------------------------------------------------
// LockAPI adapter
// --------------------------------------------------------------------------

// api routes every lock call of a session.LockAPI through a Coordinator.
type api struct {
	coord *Coordinator
	next  session.LockAPI
}

// WrapAPI returns a session.LockAPI whose calls are deduplicated by c.
// Concurrent identical calls collapse into one network request, status
// reads are served from the trust-window cache, and every mutating call
// invalidates the cached reads for its resource.
//
// This is the intended composition for UI-facing sessions: several
// controllers mounted over the same resource share one wrapped client.
func WrapAPI(c *Coordinator, next session.LockAPI) session.LockAPI {
	return &api{coord: c, next: next}
}

func request(key lease.ResourceKey, action Action) Request {
	return Request{
		Collection: key.Collection,
		ResourceID: key.ResourceID,
		LockGroup:  key.LockGroup,
		Action:     action,
	}
}

func (a *api) Acquire(ctx context.Context, key lease.ResourceKey, minutes int) (lease.AcquireResult, error) {
	res, err := Do(a.coord, ctx, request(key, ActionAcquire), func(ctx context.Context) (lease.AcquireResult, error) {
		return a.next.Acquire(ctx, key, minutes)
	})
	if err == nil {
		a.coord.Invalidate(request(key, ActionStatus))
	}
	return res, err
}

func (a *api) Status(ctx context.Context, key lease.ResourceKey) (lease.Status, error) {
	return Do(a.coord, ctx, request(key, ActionStatus), func(ctx context.Context) (lease.Status, error) {
		return a.next.Status(ctx, key)
	})
}

func (a *api) Extend(ctx context.Context, key lease.ResourceKey, minutes int) (lease.ExtendResult, error) {
	res, err := Do(a.coord, ctx, request(key, ActionExtend), func(ctx context.Context) (lease.ExtendResult, error) {
		return a.next.Extend(ctx, key, minutes)
	})
	if err == nil {
		a.coord.Invalidate(request(key, ActionStatus))
	}
	return res, err
}

func (a *api) Transfer(ctx context.Context, key lease.ResourceKey, newTabID string) (lease.TransferResult, error) {
	res, err := Do(a.coord, ctx, request(key, ActionTransfer), func(ctx context.Context) (lease.TransferResult, error) {
		return a.next.Transfer(ctx, key, newTabID)
	})
	if err == nil {
		a.coord.InvalidateResource(key.Collection, key.ResourceID)
	}
	return res, err
}

func (a *api) Release(ctx context.Context, key lease.ResourceKey, userOverride bool) (lease.ReleaseResult, error) {
	req := request(key, ActionRelease)
	if userOverride {
		req.Qualifier = "override"
	}
	res, err := Do(a.coord, ctx, req, func(ctx context.Context) (lease.ReleaseResult, error) {
		return a.next.Release(ctx, key, userOverride)
	})
	if err == nil {
		a.coord.InvalidateResource(key.Collection, key.ResourceID)
	}
	return res, err
}
