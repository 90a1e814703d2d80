package common

import (
	"encoding/json"
	"fmt"

	"github.com/colock/colock/lib/lease"
)

// --------------------------------------------------------------------------
// Identity Headers
// --------------------------------------------------------------------------

// Identity headers sent by clients with every request.
const (
	HeaderUserID     = "X-User-Id"
	HeaderUserName   = "X-User-Name"
	HeaderContact    = "X-User-Contact"
	HeaderTabID      = "X-Tab-Id"
	HeaderAdminToken = "X-Admin-Token"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the operation.
type Message struct {
	// Operation this message belongs to
	Op Op `json:"op"`

	// Request fields
	Collection string `json:"collection,omitempty"` // Used for: all lock operations
	ResourceID string `json:"resourceId,omitempty"` // Used for: all lock operations except Sweep
	LockGroup  string `json:"lockGroup,omitempty"`  // Optional sub-resource scope
	Minutes    int    `json:"minutes,omitempty"`    // Used for: Acquire, Extend (0 = server default)
	NewTabID   string `json:"newTabId,omitempty"`   // Used for: Transfer
	Force      bool   `json:"force,omitempty"`      // Used for: Transfer, Release
	Override   bool   `json:"override,omitempty"`   // Used for: Release (same user, any tab)
	Reason     string `json:"reason,omitempty"`     // Used for: ForceUnlock (audit)
	OlderThan  int    `json:"olderThan,omitempty"`  // Used for: Sweep (minutes past expiry)
	DryRun     bool   `json:"dryRun,omitempty"`     // Used for: Sweep

	// Response only fields, exactly one is set depending on Op
	Acquire  *lease.AcquireResult  `json:"acquire,omitempty"`
	Extend   *lease.ExtendResult   `json:"extend,omitempty"`
	Transfer *lease.TransferResult `json:"transfer,omitempty"`
	Release  *lease.ReleaseResult  `json:"release,omitempty"`
	Status   *lease.Status         `json:"status,omitempty"`
	Sweep    *lease.SweepResult    `json:"sweep,omitempty"`

	// Err is empty if no error, otherwise contains the error message
	Err string `json:"err,omitempty"`
}

// Key assembles the resource key addressed by the message.
func (m *Message) Key() lease.ResourceKey {
	return lease.ResourceKey{
		Collection: m.Collection,
		ResourceID: m.ResourceID,
		LockGroup:  m.LockGroup,
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewAcquireRequest creates a new Acquire request
func NewAcquireRequest(key lease.ResourceKey, minutes int) *Message {
	return &Message{
		Op:         OpAcquire,
		Collection: key.Collection,
		ResourceID: key.ResourceID,
		LockGroup:  key.LockGroup,
		Minutes:    minutes,
	}
}

// NewAcquireResponse creates a new Acquire response
func NewAcquireResponse(res *lease.AcquireResult, err error) *Message {
	msg := &Message{Op: OpAcquire, Acquire: res}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewStatusResponse creates a new Status response. Status requests carry
// no body (GET), so there is no request counterpart.
func NewStatusResponse(res *lease.Status, err error) *Message {
	msg := &Message{Op: OpStatus, Status: res}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewExtendRequest creates a new Extend request
func NewExtendRequest(key lease.ResourceKey, minutes int) *Message {
	return &Message{
		Op:         OpExtend,
		Collection: key.Collection,
		ResourceID: key.ResourceID,
		LockGroup:  key.LockGroup,
		Minutes:    minutes,
	}
}

// NewExtendResponse creates a new Extend response
func NewExtendResponse(res *lease.ExtendResult, err error) *Message {
	msg := &Message{Op: OpExtend, Extend: res}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewTransferRequest creates a new Transfer request
func NewTransferRequest(key lease.ResourceKey, newTabID string) *Message {
	return &Message{
		Op:         OpTransfer,
		Collection: key.Collection,
		ResourceID: key.ResourceID,
		LockGroup:  key.LockGroup,
		NewTabID:   newTabID,
		Force:      true,
	}
}

// NewTransferResponse creates a new Transfer response
func NewTransferResponse(res *lease.TransferResult, err error) *Message {
	msg := &Message{Op: OpTransfer, Transfer: res}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewReleaseResponse creates a new Release response. Release requests
// carry no body (DELETE with query parameters), so there is no request
// counterpart.
func NewReleaseResponse(res *lease.ReleaseResult, err error) *Message {
	msg := &Message{Op: OpRelease, Release: res}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewForceUnlockRequest creates a new ForceUnlock request
func NewForceUnlockRequest(key lease.ResourceKey, reason string) *Message {
	return &Message{
		Op:         OpForceUnlock,
		Collection: key.Collection,
		ResourceID: key.ResourceID,
		LockGroup:  key.LockGroup,
		Reason:     reason,
	}
}

// NewForceUnlockResponse creates a new ForceUnlock response
func NewForceUnlockResponse(res *lease.ReleaseResult, err error) *Message {
	msg := &Message{Op: OpForceUnlock, Release: res}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewSweepRequest creates a new Sweep request
func NewSweepRequest(collection string, olderThanMinutes int, dryRun bool) *Message {
	return &Message{
		Op:         OpSweep,
		Collection: collection,
		OlderThan:  olderThanMinutes,
		DryRun:     dryRun,
	}
}

// NewSweepResponse creates a new Sweep response
func NewSweepResponse(res *lease.SweepResult, err error) *Message {
	msg := &Message{Op: OpSweep, Sweep: res}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		Op:  OpError,
		Err: err,
	}
}

// --------------------------------------------------------------------------
// Operation Type Definition
// --------------------------------------------------------------------------

// Op defines the operation a message belongs to.
type Op uint8

// String returns the string representation of an Op.
func (o Op) String() string {
	switch o {
	case OpError:
		return "error"
	case OpAcquire:
		return "acquire"
	case OpStatus:
		return "status"
	case OpExtend:
		return "extend"
	case OpTransfer:
		return "transfer"
	case OpRelease:
		return "release"
	case OpForceUnlock:
		return "forceUnlock"
	case OpSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for Op.
// This allows Op to be serialized as a string in JSON.
func (o Op) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Op.
// This allows Op to be deserialized from a string in JSON.
func (o *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "error":
		*o = OpError
	case "acquire":
		*o = OpAcquire
	case "status":
		*o = OpStatus
	case "extend":
		*o = OpExtend
	case "transfer":
		*o = OpTransfer
	case "release":
		*o = OpRelease
	case "forceUnlock":
		*o = OpForceUnlock
	case "sweep":
		*o = OpSweep
	default:
		return fmt.Errorf("unknown operation: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Operation Constants
// --------------------------------------------------------------------------

const (
	OpUnknown Op = iota
	OpError      // Indicates a transport or server failure

	OpAcquire     // Take the lease
	OpStatus      // Read and classify the lease
	OpExtend      // Push the expiry out
	OpTransfer    // Move the lease to another tab of the same user
	OpRelease     // Clear the lease
	OpForceUnlock // Administratively clear the lease
	OpSweep       // Remove long-expired leases
)
