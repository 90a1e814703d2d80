package serializer

import (
	"reflect"
	"testing"
	"time"

	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON": NewJSONSerializer,
	"GOB":  NewGOBSerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	expires := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	l := &lease.Lease{
		Key:               lease.ResourceKey{Collection: "docs", ResourceID: "d1", LockGroup: "table"},
		HolderID:          "alice",
		HolderTabID:       "tab-1",
		HolderDisplayName: "Alice",
		AcquiredAt:        expires.Add(-30 * time.Minute),
		ExpiresAt:         expires,
		Version:           3,
	}

	return []common.Message{
		// Acquire request
		*common.NewAcquireRequest(l.Key, 30),

		// Successful acquire response carrying the lease
		*common.NewAcquireResponse(&lease.AcquireResult{OK: true, Lease: l}, nil),

		// Contention response with holder details
		*common.NewAcquireResponse(&lease.AcquireResult{
			OK:               false,
			Reason:           lease.FailAlreadyLocked,
			LockedBy:         "bob",
			LockedByName:     "Bob",
			RemainingSeconds: 120,
		}, nil),

		// Status response
		*common.NewStatusResponse(&lease.Status{
			State:            lease.StateOtherUser,
			Lease:            l,
			RemainingSeconds: 600,
		}, nil),

		// Sweep response
		*common.NewSweepResponse(&lease.SweepResult{
			DryRun:     true,
			Candidates: []string{"docs/d1", "docs/d2"},
		}, nil),

		// Error response
		*common.NewErrorResponse("store unavailable"),
	}
}

// TestSerializerRoundTrip tests that messages survive a serialize/deserialize
// round trip unchanged
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestOpStringRepresentation tests that every operation survives the JSON
// string encoding of the Op enum
func TestOpStringRepresentation(t *testing.T) {
	serializer := NewJSONSerializer()

	for op := common.OpAcquire; op <= common.OpSweep; op++ {
		msg := common.Message{Op: op}

		data, err := serializer.Serialize(msg)
		if err != nil {
			t.Fatalf("Failed to serialize op %s: %v", op, err)
		}

		var result common.Message
		if err := serializer.Deserialize(data, &result); err != nil {
			t.Fatalf("Failed to deserialize op %s: %v", op, err)
		}

		if result.Op != op {
			t.Errorf("Op doesn't match after round trip: expected %s, got %s", op, result.Op)
		}
	}
}

// TestContentTypeNegotiation tests the content-type based serializer lookup
func TestContentTypeNegotiation(t *testing.T) {
	cases := []struct {
		contentType string
		want        string
	}{
		{ContentTypeJSON, ContentTypeJSON},
		{ContentTypeGOB, ContentTypeGOB},
		{"", ContentTypeJSON},
		{"text/plain", ContentTypeJSON},
	}

	for _, tc := range cases {
		s := ForContentType(tc.contentType)
		if s.ContentType() != tc.want {
			t.Errorf("ForContentType(%q) = %s, expected %s", tc.contentType, s.ContentType(), tc.want)
		}
	}
}
