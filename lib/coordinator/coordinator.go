package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Action names a lock operation for deduplication purposes.
type Action string

const (
	ActionStatus   Action = "status"
	ActionAcquire  Action = "acquire"
	ActionExtend   Action = "extend"
	ActionTransfer Action = "transfer"
	ActionRelease  Action = "release"
)

// readOnly reports whether results for the action may be served from cache.
// Mutating actions are collapsed while in flight but never cached: every
// call either joins an in-flight one or performs a fresh request.
func (a Action) readOnly() bool {
	return a == ActionStatus
}

// Request identifies one logical lock request. Two requests with the same
// key share in-flight calls and (for reads) cached results.
type Request struct {
	Collection string
	ResourceID string
	LockGroup  string
	Action     Action

	// Qualifier separates variants of the same action that must not share
	// a call, e.g. a release with user override vs. a plain one.
	Qualifier string
}

func (r Request) key() string {
	return r.Collection + "|" + r.ResourceID + "|" + r.LockGroup + "|" + string(r.Action) + "|" + r.Qualifier
}

// grouped requests cache coarser (per lock group, not per field), so they
// get a longer TTL but also explicit invalidation when the group changes.
func (r Request) grouped() bool {
	return r.LockGroup != ""
}

// --------------------------------------------------------------------------
// Coordinator
// --------------------------------------------------------------------------

// Options tunes the coordinator windows.
type Options struct {
	// InflightWindow is how long an in-flight call absorbs identical
	// requests (0 = 5s).
	InflightWindow time.Duration
	// ReadTTL is the cache window for ungrouped status results (0 = 1s).
	ReadTTL time.Duration
	// GroupReadTTL is the cache window for grouped status results (0 = 5s).
	GroupReadTTL time.Duration
	Logger       *slog.Logger
}

type call struct {
	done    chan struct{}
	val     any
	err     error
	started time.Time
}

type cached struct {
	val any
	at  time.Time
}

// Coordinator deduplicates concurrent identical lock requests and caches
// read results for a short trust window. It exists so several UI surfaces
// mounted over the same resource produce one network call, and so rapid
// re-renders do not hammer the server.
type Coordinator struct {
	opts     Options
	inflight *xsync.MapOf[string, *call]
	cache    *xsync.MapOf[string, cached]
	log      *slog.Logger
}

// New creates a Coordinator.
func New(opts *Options) *Coordinator {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.InflightWindow <= 0 {
		o.InflightWindow = 5 * time.Second
	}
	if o.ReadTTL <= 0 {
		o.ReadTTL = 1 * time.Second
	}
	if o.GroupReadTTL <= 0 {
		o.GroupReadTTL = 5 * time.Second
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		opts:     o,
		inflight: xsync.NewMapOf[string, *call](),
		cache:    xsync.NewMapOf[string, cached](),
		log:      log,
	}
}

// Do executes a request through the coordinator. If an identical request is
// already in flight, the caller joins it and observes the same result. If a
// fresh cached result exists for a read, it is returned without any call.
// Otherwise perform runs, registered as the in-flight call for the key.
//
// perform runs on a context detached from the caller's cancellation: a
// caller abandoning the request (component unmount) stops listening, it
// does not abort the shared call or poison the cache for the others.
func Do[T any](c *Coordinator, ctx context.Context, req Request, perform func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	key := req.key()

	if req.Action.readOnly() {
		if e, ok := c.cache.Load(key); ok {
			ttl := c.opts.ReadTTL
			if req.grouped() {
				ttl = c.opts.GroupReadTTL
			}
			if time.Since(e.at) < ttl {
				if v, ok := e.val.(T); ok {
					return v, nil
				}
			}
			c.cache.Delete(key)
		}
	}

	for {
		newCall := &call{done: make(chan struct{}), started: time.Now()}
		cur, loaded := c.inflight.LoadOrStore(key, newCall)

		if loaded {
			if time.Since(cur.started) > c.opts.InflightWindow {
				// A call this old is presumed wedged; replace it and take
				// ownership rather than queueing more listeners behind it.
				owned := false
				c.inflight.Compute(key, func(v *call, ok bool) (*call, bool) {
					if ok && v == cur {
						owned = true
						return newCall, false
					}
					return v, false
				})
				if !owned {
					// Someone else replaced it first; start over against
					// their call.
					continue
				}
			} else {
				// Join the in-flight call.
				select {
				case <-ctx.Done():
					return zero, ctx.Err()
				case <-cur.done:
				}
				if cur.err != nil {
					return zero, cur.err
				}
				if v, ok := cur.val.(T); ok {
					return v, nil
				}
				return zero, errors.New("coordinator: joined call returned a different result type")
			}
		}

		// This caller owns the call. Detach it from the caller's
		// cancellation so late joiners still get a result.
		val, err := perform(context.WithoutCancel(ctx))
		newCall.val, newCall.err = val, err
		close(newCall.done)
		c.inflight.Compute(key, func(v *call, ok bool) (*call, bool) {
			if ok && v == newCall {
				return nil, true
			}
			return v, false
		})

		if err != nil {
			// Cancellation is expected, not exceptional: no cache, no
			// error-level noise.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.log.Debug("request abandoned", "key", key)
			}
			return zero, err
		}
		if req.Action.readOnly() {
			c.cache.Store(key, cached{val: val, at: time.Now()})
		}
		return val, nil
	}
}

// Invalidate drops the cached result for one request key.
func (c *Coordinator) Invalidate(req Request) {
	c.cache.Delete(req.key())
}

// InvalidateResource drops every cached read for a resource, all groups
// included. Called when a session changes its lock group so the coarser
// group cache cannot leak stale cross-field state.
func (c *Coordinator) InvalidateResource(collection, resourceID string) {
	prefix := collection + "|" + resourceID + "|"
	c.cache.Range(func(key string, _ cached) bool {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.cache.Delete(key)
		}
		return true
	})
}
