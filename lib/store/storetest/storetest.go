// Package storetest provides a conformance test suite for IDocStore
// implementations. Every store backend runs the same suite so that the lock
// service can rely on identical transaction semantics regardless of backend.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/colock/colock/lib/store"
)

// Factory is a function that creates a fresh, empty store instance.
type Factory func(t *testing.T) store.IDocStore

// Run runs the full conformance suite for a store implementation.
func Run(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("GetAbsent", func(t *testing.T) {
			testGetAbsent(t, factory(t))
		})

		t.Run("UpdateInsert", func(t *testing.T) {
			testUpdateInsert(t, factory(t))
		})

		t.Run("UpdateDelete", func(t *testing.T) {
			testUpdateDelete(t, factory(t))
		})

		t.Run("UpdateAbort", func(t *testing.T) {
			testUpdateAbort(t, factory(t))
		})

		t.Run("UpdateAtomicity", func(t *testing.T) {
			testUpdateAtomicity(t, factory(t))
		})

		t.Run("ScanPrefix", func(t *testing.T) {
			testScanPrefix(t, factory(t))
		})

		t.Run("ScanEarlyStop", func(t *testing.T) {
			testScanEarlyStop(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testGetAbsent(t *testing.T, s store.IDocStore) {
	defer s.Close()
	ctx := context.Background()

	doc, found, err := s.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if found {
		t.Errorf("Expected missing key to be absent, got doc %q", doc)
	}
}

func testUpdateInsert(t *testing.T, s store.IDocStore) {
	defer s.Close()
	ctx := context.Background()

	err := s.Update(ctx, "k", func(cur []byte, found bool) ([]byte, error) {
		if found {
			t.Errorf("Expected key to be absent inside first Update")
		}
		return []byte("v1"), nil
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	doc, found, err := s.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Expected key after insert, found=%v err=%v", found, err)
	}
	if !bytes.Equal(doc, []byte("v1")) {
		t.Errorf("Expected v1, got %q", doc)
	}

	// Overwrite must observe the previous value.
	err = s.Update(ctx, "k", func(cur []byte, found bool) ([]byte, error) {
		if !found || !bytes.Equal(cur, []byte("v1")) {
			t.Errorf("Expected to observe v1, found=%v cur=%q", found, cur)
		}
		return []byte("v2"), nil
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	doc, _, _ = s.Get(ctx, "k")
	if !bytes.Equal(doc, []byte("v2")) {
		t.Errorf("Expected v2, got %q", doc)
	}
}

func testUpdateDelete(t *testing.T, s store.IDocStore) {
	defer s.Close()
	ctx := context.Background()

	if err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) {
		return []byte("v"), nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// nil result deletes the key.
	if err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, found, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if found {
		t.Errorf("Expected key to be gone after delete")
	}
}

func testUpdateAbort(t *testing.T, s store.IDocStore) {
	defer s.Close()
	ctx := context.Background()

	if err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) {
		return []byte("v"), nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	abort := fmt.Errorf("abort")
	err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) {
		return nil, abort
	})
	if err == nil {
		t.Fatalf("Expected abort error to propagate")
	}

	doc, found, _ := s.Get(ctx, "k")
	if !found || !bytes.Equal(doc, []byte("v")) {
		t.Errorf("Aborted transaction must not change the document, found=%v doc=%q", found, doc)
	}
}

// testUpdateAtomicity hammers one key from many goroutines. Each transaction
// increments a counter encoded in the document; if read-modify-write cycles
// ever interleave, the final count comes up short.
func testUpdateAtomicity(t *testing.T, s store.IDocStore) {
	defer s.Close()
	ctx := context.Background()

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := s.Update(ctx, "counter", func(cur []byte, found bool) ([]byte, error) {
					n := 0
					if found {
						fmt.Sscanf(string(cur), "%d", &n)
					}
					return []byte(fmt.Sprintf("%d", n+1)), nil
				})
				if err != nil {
					t.Errorf("Update failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	doc, found, err := s.Get(ctx, "counter")
	if err != nil || !found {
		t.Fatalf("counter missing, found=%v err=%v", found, err)
	}
	n := 0
	fmt.Sscanf(string(doc), "%d", &n)
	if n != workers*perWorker {
		t.Errorf("Expected %d increments, got %d (lost updates)", workers*perWorker, n)
	}
}

func testScanPrefix(t *testing.T, s store.IDocStore) {
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"docs/1", "docs/2", "notes/1"} {
		key := k
		if err := s.Update(ctx, key, func([]byte, bool) ([]byte, error) {
			return []byte(key), nil
		}); err != nil {
			t.Fatalf("insert %s failed: %v", key, err)
		}
	}

	seen := map[string]bool{}
	err := s.Scan(ctx, "docs/", func(key string, doc []byte) bool {
		seen[key] = true
		if string(doc) != key {
			t.Errorf("Scan returned wrong doc for %s: %q", key, doc)
		}
		return true
	})
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if len(seen) != 2 || !seen["docs/1"] || !seen["docs/2"] {
		t.Errorf("Expected exactly docs/1 and docs/2, got %v", seen)
	}
}

func testScanEarlyStop(t *testing.T, s store.IDocStore) {
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k/%d", i)
		if err := s.Update(ctx, key, func([]byte, bool) ([]byte, error) {
			return []byte("v"), nil
		}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	visits := 0
	err := s.Scan(ctx, "k/", func(string, []byte) bool {
		visits++
		return false
	})
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if visits != 1 {
		t.Errorf("Expected scan to stop after first visit, got %d visits", visits)
	}
}
