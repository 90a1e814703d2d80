package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/colock/colock/lib/store"
)

// maxTxRetries bounds the optimistic retry loop in Update. Sixteen lost
// races on one lease key means something is seriously wrong upstream.
const maxTxRetries = 16

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the Redis-backed store.
type Options struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	KeyPrefix string // Namespace prepended to every key ("" = "colock:")
}

// DefaultOptions returns the default redisstore options.
func DefaultOptions() *Options {
	return &Options{
		Addr:      "localhost:6379",
		KeyPrefix: "colock:",
	}
}

// --------------------------------------------------------------------------
// Store Implementation
// --------------------------------------------------------------------------

type storeImpl struct {
	client *redis.Client
	prefix string
}

// New creates a Redis-backed document store. Several server replicas may
// point at the same Redis instance; WATCH/MULTI transactions keep Update
// atomic per key across all of them.
func New(opts *Options) store.IDocStore {
	if opts == nil {
		opts = DefaultOptions()
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "colock:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &storeImpl{
		client: client,
		prefix: prefix,
	}
}

// NewFromClient wraps an existing Redis client. Used by tests (miniredis)
// and by embedders that manage their own connection pool.
func NewFromClient(client *redis.Client, keyPrefix string) store.IDocStore {
	if keyPrefix == "" {
		keyPrefix = "colock:"
	}
	return &storeImpl{client: client, prefix: keyPrefix}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(ctx context.Context, key string) ([]byte, bool, error) {
	doc, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.NewError(store.RetCInternalError, fmt.Sprintf("redis get: %v", err))
	}
	return doc, true, nil
}

func (s *storeImpl) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	rkey := s.prefix + key

	txBody := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, rkey).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			cur, found = nil, false
		} else if err != nil {
			return store.NewError(store.RetCInternalError, fmt.Sprintf("redis get: %v", err))
		}

		next, err := fn(cur, found)
		if err != nil {
			// Abort from the transaction body; surface unchanged.
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, rkey)
			} else {
				pipe.Set(ctx, rkey, next, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txBody, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			// Lost the optimistic race, re-read and retry.
			continue
		}
		return err
	}
	return store.NewError(store.RetCTxConflict, fmt.Sprintf("update on %s lost %d optimistic races", key, maxTxRetries))
}

func (s *storeImpl) Scan(ctx context.Context, prefix string, visit func(key string, doc []byte) bool) error {
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rkey := iter.Val()
		doc, err := s.client.Get(ctx, rkey).Bytes()
		if errors.Is(err, redis.Nil) {
			// Deleted between SCAN and GET.
			continue
		}
		if err != nil {
			return store.NewError(store.RetCInternalError, fmt.Sprintf("redis get during scan: %v", err))
		}
		if !visit(strings.TrimPrefix(rkey, s.prefix), doc) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return store.NewError(store.RetCInternalError, fmt.Sprintf("redis scan: %v", err))
	}
	return nil
}

func (s *storeImpl) Close() error {
	return s.client.Close()
}
