package lease

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Resource Keys
// --------------------------------------------------------------------------

// ResourceKey identifies a protected resource. When LockGroup is set, all
// resources sharing the same (Collection, ResourceID, LockGroup) triple share
// one lease, so switching between grouped fields needs no re-acquisition.
type ResourceKey struct {
	Collection string `json:"collection"`
	ResourceID string `json:"resourceId"`
	LockGroup  string `json:"lockGroup,omitempty"`
}

// StorageKey renders the key under which the lease document is stored. The
// store key is the mutual-exclusion point, so two ResourceKeys are the same
// lock iff their storage keys are equal.
func (k ResourceKey) StorageKey() string {
	if k.LockGroup == "" {
		return k.Collection + "/" + k.ResourceID
	}
	return k.Collection + "/" + k.ResourceID + "#" + k.LockGroup
}

// Validate rejects malformed identifiers before they reach the store.
func (k ResourceKey) Validate() error {
	if k.Collection == "" || k.ResourceID == "" {
		return fmt.Errorf("collection and resourceId must be non-empty")
	}
	for _, part := range []string{k.Collection, k.ResourceID, k.LockGroup} {
		if strings.ContainsAny(part, "/#") {
			return fmt.Errorf("identifier %q contains a reserved character", part)
		}
	}
	return nil
}

func (k ResourceKey) String() string {
	return k.StorageKey()
}

// Requester is the identity attempting a lock operation.
type Requester struct {
	UserID      string `json:"userId"`
	TabID       string `json:"tabId"`
	DisplayName string `json:"displayName,omitempty"`
	Contact     string `json:"contact,omitempty"`
}

// --------------------------------------------------------------------------
// Lease Document
// --------------------------------------------------------------------------

// Lease is the persisted lease document. A lease document existing in the
// store with these fields set is the one and only record of ownership; there
// are no half-states where a holder is set without an expiry.
type Lease struct {
	Key               ResourceKey `json:"key"`
	HolderID          string      `json:"holderId"`
	HolderTabID       string      `json:"holderTabId"`
	HolderDisplayName string      `json:"holderDisplayName,omitempty"`
	HolderContact     string      `json:"holderContact,omitempty"`
	AcquiredAt        time.Time   `json:"acquiredAt"`
	ExpiresAt         time.Time   `json:"expiresAt"`
	// Version counts mutations of this document. Diagnostic only; the
	// store transaction is what serializes writers.
	Version uint64 `json:"version"`
}

// Live reports whether the lease is still in force. A lease past its expiry
// is logically absent even if the document has not been swept yet.
func (l *Lease) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// RemainingSeconds returns how long the lease is still in force, floored at 0.
func (l *Lease) RemainingSeconds(now time.Time) int64 {
	if l == nil {
		return 0
	}
	rem := l.ExpiresAt.Sub(now)
	if rem < 0 {
		return 0
	}
	return int64(rem / time.Second)
}

// --------------------------------------------------------------------------
// Observable Lock States
// --------------------------------------------------------------------------

// LockState is the observable classification of a lease relative to a caller
// identity, computed once at the boundary and consumed exhaustively after.
type LockState uint8

const (
	StateAbsent      LockState = iota // no lease document
	StateSelfSameTab                  // caller's user and tab hold it
	StateSelfOtherTab                 // caller's user holds it from another tab
	StateOtherUser                    // another user holds it
	StateExpired                      // document exists but the lease window passed
)

// String returns the string representation of a LockState.
func (s LockState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateSelfSameTab:
		return "self_same_tab"
	case StateSelfOtherTab:
		return "self_other_tab"
	case StateOtherUser:
		return "other_user"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes a LockState as its string form.
func (s LockState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes a LockState from its string form.
func (s *LockState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "absent":
		*s = StateAbsent
	case "self_same_tab":
		*s = StateSelfSameTab
	case "self_other_tab":
		*s = StateSelfOtherTab
	case "other_user":
		*s = StateOtherUser
	case "expired":
		*s = StateExpired
	default:
		return fmt.Errorf("unknown lock state: %s", str)
	}
	return nil
}

// Classify derives the observable state from a raw lease document and the
// caller identity. Both user and tab must match for StateSelfSameTab; holder
// alone is never enough to conclude the caller may edit.
func Classify(l *Lease, found bool, now time.Time, userID, tabID string) LockState {
	if !found || l == nil {
		return StateAbsent
	}
	if !l.Live(now) {
		return StateExpired
	}
	if l.HolderID != userID {
		return StateOtherUser
	}
	if l.HolderTabID != tabID {
		return StateSelfOtherTab
	}
	return StateSelfSameTab
}

// --------------------------------------------------------------------------
// Failure Reasons
// --------------------------------------------------------------------------

// FailReason is the typed outcome of an operation that did not succeed.
// Contention is a normal, frequent outcome, so these travel in results
// rather than in errors; errors are reserved for store and transport
// failures, which are retriable.
type FailReason string

const (
	FailNone             FailReason = ""
	FailAlreadyLocked    FailReason = "ALREADY_LOCKED"     // another user holds the lease
	FailMultiTabConflict FailReason = "MULTI_TAB_CONFLICT" // same user, different tab
	FailNotOwner         FailReason = "NOT_OWNER"          // caller does not hold the lease
	FailInvalidRequest   FailReason = "INVALID_REQUEST"    // bad operation arguments
	FailValidation       FailReason = "VALIDATION_ERROR"   // malformed identifiers
)

// Terminal reports whether retrying the operation unchanged is pointless.
// Terminal failures need user action (wait, transfer, fix the request).
func (r FailReason) Terminal() bool {
	return r != FailNone
}

// --------------------------------------------------------------------------
// Operation Results
// --------------------------------------------------------------------------

// AcquireResult is the discriminated outcome of an Acquire call.
type AcquireResult struct {
	OK     bool       `json:"ok"`
	Reason FailReason `json:"reason,omitempty"`
	Lease  *Lease     `json:"lease,omitempty"`

	// Conflict details, set when Reason is ALREADY_LOCKED or
	// MULTI_TAB_CONFLICT.
	LockedBy         string `json:"lockedBy,omitempty"`
	LockedByName     string `json:"lockedByName,omitempty"`
	RemainingSeconds int64  `json:"remainingSeconds,omitempty"`
	AllowTransfer    bool   `json:"allowTransfer,omitempty"`
}

// ExtendResult is the discriminated outcome of an Extend call.
type ExtendResult struct {
	OK     bool       `json:"ok"`
	Reason FailReason `json:"reason,omitempty"`
	Lease  *Lease     `json:"lease,omitempty"`
}

// TransferResult is the discriminated outcome of a Transfer call.
type TransferResult struct {
	OK     bool       `json:"ok"`
	Reason FailReason `json:"reason,omitempty"`
	Lease  *Lease     `json:"lease,omitempty"`
}

// ReleaseResult is the discriminated outcome of a Release or ForceUnlock call.
type ReleaseResult struct {
	OK     bool       `json:"ok"`
	Reason FailReason `json:"reason,omitempty"`
}

// Status is the read-only view of a lease relative to a caller.
type Status struct {
	State            LockState `json:"state"`
	Lease            *Lease    `json:"lease,omitempty"`
	RemainingSeconds int64     `json:"remainingSeconds"`
}

// SweepResult reports what an expiry sweep found and removed.
type SweepResult struct {
	DryRun     bool           `json:"dryRun"`
	Candidates []string       `json:"candidates,omitempty"` // storage keys eligible for cleanup
	Cleaned    map[string]int `json:"cleaned,omitempty"`    // per-collection removed counts
}
