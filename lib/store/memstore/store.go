package memstore

import (
	"context"
	"hash/maphash"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/colock/colock/lib/store"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the in-memory store during initialization.
type Options struct {
	NumShards int // Number of shards (0 = one per CPU)
}

// DefaultOptions returns the default memstore options.
func DefaultOptions() *Options {
	return &Options{
		NumShards: runtime.NumCPU(),
	}
}

// --------------------------------------------------------------------------
// Store Implementation
// --------------------------------------------------------------------------

type storeImpl struct {
	seed   maphash.Seed
	shards []*xsync.MapOf[string, []byte]
	closed atomic.Bool
}

// New creates a new in-memory document store. This store implementation is
// not distributed and only works on a single node.
func New(opts *Options) store.IDocStore {
	if opts == nil {
		opts = DefaultOptions()
	}
	n := opts.NumShards
	if n <= 0 {
		n = runtime.NumCPU()
	}

	shards := make([]*xsync.MapOf[string, []byte], n)
	for i := range shards {
		shards[i] = xsync.NewMapOf[string, []byte]()
	}

	return &storeImpl{
		seed:   maphash.MakeSeed(),
		shards: shards,
	}
}

// shardFor maps a key onto its shard.
func (s *storeImpl) shardFor(key string) *xsync.MapOf[string, []byte] {
	h := maphash.String(s.seed, key)
	return s.shards[h%uint64(len(s.shards))]
}

func (s *storeImpl) checkOpen() error {
	if s.closed.Load() {
		return store.NewError(store.RetCInvalidOperation, "store is closed")
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, store.NewError(store.RetCInternalError, err.Error())
	}

	doc, found := s.shardFor(key).Load(key)
	if !found {
		return nil, false, nil
	}
	// Copy so callers can't mutate the stored document.
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, true, nil
}

func (s *storeImpl) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return store.NewError(store.RetCInternalError, err.Error())
	}

	// Compute serializes all writers of one key; fn runs inside it, which
	// is what gives Update its per-key transaction guarantee.
	var fnErr error
	s.shardFor(key).Compute(key, func(cur []byte, found bool) ([]byte, bool) {
		next, err := fn(cur, found)
		if err != nil {
			fnErr = err
			return cur, !found
		}
		if next == nil {
			return nil, true
		}
		cp := make([]byte, len(next))
		copy(cp, next)
		return cp, false
	})
	return fnErr
}

func (s *storeImpl) Scan(ctx context.Context, prefix string, visit func(key string, doc []byte) bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return store.NewError(store.RetCInternalError, err.Error())
		}

		// Snapshot matching entries first, visit outside the Range so the
		// callback can issue store operations.
		type kv struct {
			key string
			doc []byte
		}
		matched := make([]kv, 0)
		sh.Range(func(k string, v []byte) bool {
			if strings.HasPrefix(k, prefix) {
				cp := make([]byte, len(v))
				copy(cp, v)
				matched = append(matched, kv{key: k, doc: cp})
			}
			return true
		})

		for _, e := range matched {
			if !visit(e.key, e.doc) {
				return nil
			}
		}
	}
	return nil
}

func (s *storeImpl) Close() error {
	s.closed.Store(true)
	for _, sh := range s.shards {
		sh.Clear()
	}
	return nil
}
