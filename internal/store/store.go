package store

import (
	"context"
	"time"

	"orderwizard/internal/model"
)

// Change is everything one transition writes: the new session record plus its
// extended state upserts and deletions. Stores apply it atomically.
type Change struct {
	Session *model.WizardSession
	Upserts []model.ExtendedStateEntry
	Deletes []string
	// Now is the commit time. A stored row already expired at Now is left to
	// the sweep and the write fails with fsm.SessionExpired. Zero means time.Now.
	Now time.Time
}

// CommitTime is c.Now, defaulting to the wall clock
func (c Change) CommitTime() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now
}

// Store persists wizard sessions behind an optimistic concurrency contract.
// Missing sessions yield fsm.SessionNotFound, a stale expected version yields
// fsm.ConcurrentModification, and inactive or expired records are never rewritten.
type Store interface {
	Create(ctx context.Context, session *model.WizardSession, entries []model.ExtendedStateEntry) error
	Load(ctx context.Context, wizardID string) (*model.WizardSession, error)
	LoadEntries(ctx context.Context, sessionID string) ([]model.ExtendedStateEntry, error)
	// CompareAndSwap writes change when the stored version equals expectedVersion.
	// On success change.Session.Version is expectedVersion+1.
	CompareAndSwap(ctx context.Context, expectedVersion int64, change Change) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	ExpireSession(ctx context.Context, wizardID string, now time.Time) (bool, error)
	PurgeInactiveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
