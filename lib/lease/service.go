package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/colock/colock/lib/store"
)

// DefaultLeaseMinutes is the lease window used when a caller passes no
// explicit duration.
const DefaultLeaseMinutes = 30

// errNoChange aborts a store transaction that decided not to write.
// Mapped back to a clean return before it leaves this package.
var errNoChange = errors.New("lease: no change")

// Options configures the lock service.
type Options struct {
	DefaultLeaseMinutes int
	Logger              *slog.Logger
	// Now is the clock used for all expiry decisions. Tests inject a fixed
	// clock; production uses time.Now.
	Now func() time.Time
}

type service struct {
	store      store.IDocStore
	defMinutes int
	log        *slog.Logger
	now        func() time.Time
}

// NewLockService creates a lock service on top of a transactional document
// store. The service itself is stateless; any number of instances may share
// one store.
func NewLockService(st store.IDocStore, opts *Options) ILockService {
	s := &service{
		store:      st,
		defMinutes: DefaultLeaseMinutes,
		log:        slog.Default(),
		now:        time.Now,
	}
	if opts != nil {
		if opts.DefaultLeaseMinutes > 0 {
			s.defMinutes = opts.DefaultLeaseMinutes
		}
		if opts.Logger != nil {
			s.log = opts.Logger
		}
		if opts.Now != nil {
			s.now = opts.Now
		}
	}
	return s
}

// --------------------------------------------------------------------------
// Document codec helpers
// --------------------------------------------------------------------------

func decodeLease(doc []byte) (*Lease, error) {
	var l Lease
	if err := json.Unmarshal(doc, &l); err != nil {
		return nil, fmt.Errorf("corrupt lease document: %w", err)
	}
	return &l, nil
}

func encodeLease(l *Lease) ([]byte, error) {
	doc, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode lease: %w", err)
	}
	return doc, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see interface.go)
// --------------------------------------------------------------------------

func (s *service) Acquire(ctx context.Context, key ResourceKey, req Requester, minutes int) (AcquireResult, error) {
	if err := key.Validate(); err != nil {
		return AcquireResult{Reason: FailValidation}, nil
	}
	if req.UserID == "" || req.TabID == "" {
		return AcquireResult{Reason: FailValidation}, nil
	}
	if minutes <= 0 {
		minutes = s.defMinutes
	}

	var res AcquireResult
	err := s.store.Update(ctx, key.StorageKey(), func(doc []byte, found bool) ([]byte, error) {
		now := s.now()

		if found {
			cur, err := decodeLease(doc)
			if err != nil {
				return nil, err
			}
			if cur.Live(now) {
				switch {
				case cur.HolderID != req.UserID:
					// Held by another user. No mutation.
					res = AcquireResult{
						Reason:           FailAlreadyLocked,
						LockedBy:         cur.HolderID,
						LockedByName:     cur.HolderDisplayName,
						RemainingSeconds: cur.RemainingSeconds(now),
					}
					return nil, errNoChange
				case cur.HolderTabID != req.TabID:
					// Same user, different tab. Distinct from
					// ALREADY_LOCKED so the client can offer a transfer.
					res = AcquireResult{
						Reason:           FailMultiTabConflict,
						LockedBy:         cur.HolderID,
						LockedByName:     cur.HolderDisplayName,
						RemainingSeconds: cur.RemainingSeconds(now),
						AllowTransfer:    true,
					}
					return nil, errNoChange
				default:
					// The true owner re-acquiring is idempotent success.
					res = AcquireResult{OK: true, Lease: cur}
					return nil, errNoChange
				}
			}
			// Expired document: fall through and overwrite.
		}

		next := &Lease{
			Key:               key,
			HolderID:          req.UserID,
			HolderTabID:       req.TabID,
			HolderDisplayName: req.DisplayName,
			HolderContact:     req.Contact,
			AcquiredAt:        now,
			ExpiresAt:         now.Add(time.Duration(minutes) * time.Minute),
			Version:           1,
		}
		res = AcquireResult{OK: true, Lease: next}
		return encodeLease(next)
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return AcquireResult{}, err
	}
	return res, nil
}

func (s *service) Extend(ctx context.Context, key ResourceKey, userID string, minutes int) (ExtendResult, error) {
	if err := key.Validate(); err != nil {
		return ExtendResult{Reason: FailValidation}, nil
	}
	if userID == "" {
		return ExtendResult{Reason: FailValidation}, nil
	}
	if minutes <= 0 {
		minutes = s.defMinutes
	}

	var res ExtendResult
	err := s.store.Update(ctx, key.StorageKey(), func(doc []byte, found bool) ([]byte, error) {
		now := s.now()

		if !found {
			res = ExtendResult{Reason: FailNotOwner}
			return nil, errNoChange
		}
		cur, err := decodeLease(doc)
		if err != nil {
			return nil, err
		}
		// An expired lease is logically absent; the caller lost it.
		if !cur.Live(now) || cur.HolderID != userID {
			res = ExtendResult{Reason: FailNotOwner}
			return nil, errNoChange
		}

		// Ownership only, the tab is not checked: a sibling tab of the
		// holding user may renew on the user's behalf.
		next := *cur
		next.ExpiresAt = now.Add(time.Duration(minutes) * time.Minute)
		next.Version++
		res = ExtendResult{OK: true, Lease: &next}
		return encodeLease(&next)
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return ExtendResult{}, err
	}
	return res, nil
}

func (s *service) Transfer(ctx context.Context, key ResourceKey, userID, newTabID string, force bool) (TransferResult, error) {
	if err := key.Validate(); err != nil {
		return TransferResult{Reason: FailValidation}, nil
	}
	if !force || newTabID == "" {
		return TransferResult{Reason: FailInvalidRequest}, nil
	}

	var res TransferResult
	err := s.store.Update(ctx, key.StorageKey(), func(doc []byte, found bool) ([]byte, error) {
		now := s.now()

		if !found {
			res = TransferResult{Reason: FailNotOwner}
			return nil, errNoChange
		}
		cur, err := decodeLease(doc)
		if err != nil {
			return nil, err
		}
		if !cur.Live(now) || cur.HolderID != userID {
			res = TransferResult{Reason: FailNotOwner}
			return nil, errNoChange
		}

		// Transfer changes the tab only, never the user, and grants a
		// full new lease window.
		next := *cur
		next.HolderTabID = newTabID
		next.AcquiredAt = now
		next.ExpiresAt = now.Add(time.Duration(s.defMinutes) * time.Minute)
		next.Version++
		res = TransferResult{OK: true, Lease: &next}
		return encodeLease(&next)
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return TransferResult{}, err
	}
	return res, nil
}

func (s *service) Release(ctx context.Context, key ResourceKey, req Requester, force, userOverride bool) (ReleaseResult, error) {
	if err := key.Validate(); err != nil {
		return ReleaseResult{Reason: FailValidation}, nil
	}

	var res ReleaseResult
	err := s.store.Update(ctx, key.StorageKey(), func(doc []byte, found bool) ([]byte, error) {
		now := s.now()

		if !found {
			// Nothing to release.
			res = ReleaseResult{OK: true}
			return nil, errNoChange
		}
		cur, err := decodeLease(doc)
		if err != nil {
			return nil, err
		}

		allowed := !cur.Live(now) || // expired leases may be cleaned by anyone
			force ||
			(cur.HolderID == req.UserID && (userOverride || cur.HolderTabID == req.TabID))
		if !allowed {
			res = ReleaseResult{Reason: FailNotOwner}
			return nil, errNoChange
		}

		res = ReleaseResult{OK: true}
		return nil, nil // delete the document
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return ReleaseResult{}, err
	}
	return res, nil
}

func (s *service) ForceUnlock(ctx context.Context, key ResourceKey, adminID, reason string) (ReleaseResult, error) {
	if err := key.Validate(); err != nil {
		return ReleaseResult{Reason: FailValidation}, nil
	}

	var cleared *Lease
	err := s.store.Update(ctx, key.StorageKey(), func(doc []byte, found bool) ([]byte, error) {
		if !found {
			return nil, errNoChange
		}
		cleared, _ = decodeLease(doc)
		return nil, nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return ReleaseResult{}, err
	}

	if cleared != nil {
		s.log.Warn("lease force-unlocked",
			"key", key.StorageKey(),
			"holder", cleared.HolderID,
			"holderTab", cleared.HolderTabID,
			"admin", adminID,
			"reason", reason)
	}
	return ReleaseResult{OK: true}, nil
}

func (s *service) GetStatus(ctx context.Context, key ResourceKey, userID, tabID string) (Status, error) {
	if err := key.Validate(); err != nil {
		return Status{State: StateAbsent}, nil
	}

	doc, found, err := s.store.Get(ctx, key.StorageKey())
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{State: StateAbsent}, nil
	}

	cur, err := decodeLease(doc)
	if err != nil {
		return Status{}, err
	}
	now := s.now()
	return Status{
		State:            Classify(cur, true, now, userID, tabID),
		Lease:            cur,
		RemainingSeconds: cur.RemainingSeconds(now),
	}, nil
}

func (s *service) SweepExpired(ctx context.Context, collection string, olderThanMinutes int, dryRun bool) (SweepResult, error) {
	prefix := ""
	if collection != "" {
		prefix = collection + "/"
	}
	if olderThanMinutes < 0 {
		olderThanMinutes = 0
	}
	cutoff := s.now().Add(-time.Duration(olderThanMinutes) * time.Minute)

	var candidates []string
	scanErr := s.store.Scan(ctx, prefix, func(key string, doc []byte) bool {
		cur, err := decodeLease(doc)
		if err != nil {
			s.log.Warn("skipping undecodable lease document during sweep", "key", key, "err", err)
			return true
		}
		if !cur.ExpiresAt.After(cutoff) {
			candidates = append(candidates, key)
		}
		return true
	})
	if scanErr != nil {
		return SweepResult{}, scanErr
	}

	res := SweepResult{DryRun: dryRun, Candidates: candidates, Cleaned: map[string]int{}}
	if dryRun {
		return res, nil
	}

	for _, key := range candidates {
		removed := false
		err := s.store.Update(ctx, key, func(doc []byte, found bool) ([]byte, error) {
			if !found {
				return nil, errNoChange
			}
			cur, err := decodeLease(doc)
			if err != nil {
				return nil, nil // corrupt entry, drop it
			}
			// Re-check inside the transaction: the holder may have
			// renewed between scan and delete.
			if cur.ExpiresAt.After(cutoff) {
				return nil, errNoChange
			}
			removed = true
			return nil, nil
		})
		if err != nil && !errors.Is(err, errNoChange) {
			return res, err
		}
		if removed {
			res.Cleaned[collectionOf(key)]++
		}
	}

	if len(res.Cleaned) > 0 {
		s.log.Info("expired leases swept", "cleaned", res.Cleaned, "olderThanMinutes", olderThanMinutes)
	}
	return res, nil
}

// collectionOf extracts the collection part of a storage key.
func collectionOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}
