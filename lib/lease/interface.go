package lease

import "context"

// ILockService is the server-side lease state machine. Every method runs its
// mutation inside a single store transaction; the contention outcomes
// (ALREADY_LOCKED, MULTI_TAB_CONFLICT, NOT_OWNER) travel in the result, while
// a non-nil error means the store itself failed and the call may be retried.
type ILockService interface {
	// Acquire takes the lease for key on behalf of the requester. Succeeds
	// if the lease is absent, expired, or already held by the exact same
	// (user, tab) pair; the latter is an idempotent no-op.
	Acquire(ctx context.Context, key ResourceKey, req Requester, minutes int) (AcquireResult, error)

	// Extend pushes the expiry out to now + minutes. Only the holding user
	// is checked, not the tab: a sibling tab of the same user may renew.
	Extend(ctx context.Context, key ResourceKey, userID string, minutes int) (ExtendResult, error)

	// Transfer moves the lease to a new tab of the same user, refreshing
	// the lease window. force must be true and newTabID non-empty.
	Transfer(ctx context.Context, key ResourceKey, userID, newTabID string, force bool) (TransferResult, error)

	// Release clears the lease. Allowed when the lease is not live
	// (cleanup), when force is set, or when the caller holds it.
	// userOverride relaxes the tab check so a user can release their own
	// lock from any of their tabs.
	Release(ctx context.Context, key ResourceKey, req Requester, force, userOverride bool) (ReleaseResult, error)

	// ForceUnlock unconditionally clears the lease on behalf of an
	// administrator, recording the reason for audit.
	ForceUnlock(ctx context.Context, key ResourceKey, adminID, reason string) (ReleaseResult, error)

	// GetStatus reads and classifies the lease relative to the caller.
	// Pure read, never mutates.
	GetStatus(ctx context.Context, key ResourceKey, userID, tabID string) (Status, error)

	// SweepExpired removes leases whose expiry lies more than
	// olderThanMinutes in the past. With dryRun it only reports the
	// candidates. An empty collection sweeps the whole keyspace.
	SweepExpired(ctx context.Context, collection string, olderThanMinutes int, dryRun bool) (SweepResult, error)
}
