package session

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// DefaultComponentTTL is how long a registered component counts as
	// still wanting its lock group without touching the board.
	DefaultComponentTTL = 60 * time.Second
	// DefaultHandoffTTL is how long a posted handoff stays claimable. A
	// surviving component claims within one render cycle or not at all.
	DefaultHandoffTTL = 500 * time.Millisecond
)

// BoardOptions tunes the board windows. The zero value uses the defaults.
type BoardOptions struct {
	ComponentTTL time.Duration
	HandoffTTL   time.Duration
	Now          func() time.Time
}

type handoffEntry struct {
	snap   Snapshot
	posted time.Time
}

// Board coordinates lock succession between components on the same page.
//
// Components that want a lock group register themselves; when a holding
// component tears down while a sibling is still registered, it posts a
// short-lived handoff marker instead of releasing, and the sibling claims
// the lease state without a release/re-acquire round trip. Unclaimed
// markers self-expire.
//
// The board is a generic claim-by-key primitive: any concurrent owner
// negotiating succession can use it, UI or not.
type Board struct {
	componentTTL time.Duration
	handoffTTL   time.Duration
	now          func() time.Time
	// "<groupKey>|<componentID>" → last activity
	components *xsync.MapOf[string, time.Time]
	handoffs   *xsync.MapOf[string, handoffEntry]
}

// NewBoard creates a Board.
func NewBoard(opts *BoardOptions) *Board {
	o := BoardOptions{}
	if opts != nil {
		o = *opts
	}
	if o.ComponentTTL <= 0 {
		o.ComponentTTL = DefaultComponentTTL
	}
	if o.HandoffTTL <= 0 {
		o.HandoffTTL = DefaultHandoffTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Board{
		componentTTL: o.ComponentTTL,
		handoffTTL:   o.HandoffTTL,
		now:          o.Now,
		components:   xsync.NewMapOf[string, time.Time](),
		handoffs:     xsync.NewMapOf[string, handoffEntry](),
	}
}

func componentKey(groupKey, componentID string) string {
	return groupKey + "|" + componentID
}

// Register announces that a component wants the lock group.
func (b *Board) Register(groupKey, componentID string) {
	b.components.Store(componentKey(groupKey, componentID), b.now())
}

// Touch refreshes a component's activity so it stays registered.
func (b *Board) Touch(groupKey, componentID string) {
	b.components.Store(componentKey(groupKey, componentID), b.now())
}

// Unregister withdraws a component.
func (b *Board) Unregister(groupKey, componentID string) {
	b.components.Delete(componentKey(groupKey, componentID))
}

// OthersWant reports whether any component other than self is registered
// for the group and has been active within the component TTL.
func (b *Board) OthersWant(groupKey, selfID string) bool {
	prefix := groupKey + "|"
	self := componentKey(groupKey, selfID)
	cutoff := b.now().Add(-b.componentTTL)

	want := false
	b.components.Range(func(key string, at time.Time) bool {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix || key == self {
			return true
		}
		if at.Before(cutoff) {
			// Expired registration, drop it while we are here.
			b.components.Delete(key)
			return true
		}
		want = true
		return false
	})
	return want
}

// PostHandoff publishes a claimable snapshot for the group. It replaces any
// earlier unclaimed marker.
func (b *Board) PostHandoff(groupKey string, snap Snapshot) {
	b.handoffs.Store(groupKey, handoffEntry{snap: snap, posted: b.now()})
}

// ClaimHandoff atomically takes the marker for the group if one is posted
// and still fresh. At most one claimant succeeds.
func (b *Board) ClaimHandoff(groupKey string) (Snapshot, bool) {
	e, ok := b.handoffs.LoadAndDelete(groupKey)
	if !ok {
		return Snapshot{}, false
	}
	if b.now().Sub(e.posted) > b.handoffTTL {
		return Snapshot{}, false
	}
	return e.snap, true
}
