// Package lease implements the server-side lease state machine for
// collaborative-editing locks.
//
// A lease is a store document keyed by (collection, resourceId) or
// (collection, resourceId, lockGroup). The document's existence is the lock:
// at most one document exists per key, and every transition (acquire,
// extend, transfer, release, force-unlock, sweep) is one store transaction.
// The service holds no state of its own and can be instantiated freely over
// a shared store.
//
// Expiry is lazy. A lease past its ExpiresAt is treated as absent by every
// read and write path even while the document still physically exists;
// SweepExpired is garbage collection, not a correctness mechanism.
//
// Contention outcomes are data, not errors: results carry a FailReason
// (ALREADY_LOCKED, MULTI_TAB_CONFLICT, NOT_OWNER, ...) that is terminal for
// the attempt and must be surfaced to the user rather than retried. A
// non-nil error from any method is a store failure and may be retried with
// backoff.
//
// The one deliberate asymmetry in the ownership rules: Extend checks the
// holding user only, while Release and classification also check the tab.
// Renewal from a sibling tab keeps a user's editing session alive across
// tabs; releasing from the wrong tab would yank a lease out from under the
// tab actually using it.
package lease
