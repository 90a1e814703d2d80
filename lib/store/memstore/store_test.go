package memstore

import (
	"context"
	"testing"

	"github.com/colock/colock/lib/store"
	"github.com/colock/colock/lib/store/storetest"
)

func TestMemStoreConformance(t *testing.T) {
	storetest.Run(t, "memstore", func(t *testing.T) store.IDocStore {
		return New(nil)
	})
}

func TestMemStoreSingleShard(t *testing.T) {
	// One shard means every key contends on the same mutex; the conformance
	// atomicity test still has to pass.
	storetest.Run(t, "memstore-1shard", func(t *testing.T) store.IDocStore {
		return New(&Options{NumShards: 1})
	})
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := New(nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	ctx := context.Background()
	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Errorf("Expected Get on closed store to fail")
	}
	if err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) {
		return []byte("v"), nil
	}); err == nil {
		t.Errorf("Expected Update on closed store to fail")
	}
}
