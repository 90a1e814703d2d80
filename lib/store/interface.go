package store

import (
	"context"
	"fmt"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// UpdateFunc is the body of a read-modify-write transaction. It receives the
// current document for a key (cur is nil and found is false if the key is
// absent) and returns the next document. Returning next == nil deletes the
// key. Returning an error aborts the transaction without writing.
type UpdateFunc func(cur []byte, found bool) (next []byte, err error)

// IDocStore is the generic interface for a transactional document store keyed
// by string. The Update method is the single serialization point per key: two
// concurrent Update calls on the same key never interleave their read and
// write phases.
type IDocStore interface {
	// Get returns the document for a key. The boolean return value indicates
	// whether a document for the key was found.
	Get(ctx context.Context, key string) (doc []byte, found bool, err error)
	// Update runs fn atomically against the current document for key and
	// writes (or deletes) the result. Implementations may re-run fn on
	// write conflicts, so fn must be side-effect free.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Scan visits every key with the given prefix. The visit function
	// returns false to stop the scan early. Snapshot semantics are
	// best-effort: concurrent writers may or may not be observed.
	Scan(ctx context.Context, prefix string, visit func(key string, doc []byte) bool) error
	// Close releases all resources held by the store.
	Close() error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCTxConflict:
		errorCode = "TxConflict"
	case RetCInvalidOperation:
		errorCode = "InvalidOperation"
	default:
		errorCode = "Unknown"
	}

	return fmt.Sprintf("DocStoreError (code %s): %s", errorCode, e.Msg)
}

// NewError creates a new store Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Retriable reports whether the error is a transient store failure that the
// caller may retry with backoff.
func (e *Error) Retriable() bool {
	return e.Code == RetCTxConflict || e.Code == RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCTxConflict                      // 2: Transaction lost a write race too many times.
	RetCInvalidOperation                // 3: Invalid operation.
)
