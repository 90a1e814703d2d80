package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/colock/colock/lib/store"
	"github.com/colock/colock/lib/store/storetest"
)

func newTestStore(t *testing.T) store.IDocStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewFromClient(client, "colock-test:")
}

func TestRedisStoreConformance(t *testing.T) {
	storetest.Run(t, "redisstore", func(t *testing.T) store.IDocStore {
		return newTestStore(t)
	})
}

func TestKeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewFromClient(client, "a:")
	b := NewFromClient(client, "b:")

	if err := a.Update(ctx, "k", func([]byte, bool) ([]byte, error) {
		return []byte("v"), nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if _, found, err := b.Get(ctx, "k"); err != nil || found {
		t.Errorf("Expected key to be invisible under other prefix, found=%v err=%v", found, err)
	}
	if _, found, err := a.Get(ctx, "k"); err != nil || !found {
		t.Errorf("Expected key under own prefix, found=%v err=%v", found, err)
	}
}
