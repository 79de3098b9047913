package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"
)

// MemoryStore keeps sessions in process. Used by tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.WizardSession
	entries  map[string]map[string]model.ExtendedStateEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.WizardSession),
		entries:  make(map[string]map[string]model.ExtendedStateEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *model.WizardSession, entries []model.ExtendedStateEntry) error {
	if session == nil || session.WizardID == "" || session.ID == "" {
		return errors.New("session id and wizard id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.WizardID]; exists {
		return fmt.Errorf("wizard %s already exists", session.WizardID)
	}
	if session.Version == 0 {
		session.Version = 1
	}
	m.sessions[session.WizardID] = session.Clone()
	bucket := make(map[string]model.ExtendedStateEntry, len(entries))
	for _, e := range entries {
		e.SessionRef = session.ID
		bucket[e.Key] = e.Clone()
	}
	m.entries[session.ID] = bucket
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, wizardID string) (*model.WizardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[wizardID]
	if !ok {
		return nil, fsm.SessionNotFound(wizardID)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) LoadEntries(ctx context.Context, sessionID string) ([]model.ExtendedStateEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.entries[sessionID]
	out := make([]model.ExtendedStateEntry, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expectedVersion int64, change Change) error {
	if change.Session == nil {
		return errors.New("change requires a session record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	wizardID := change.Session.WizardID
	current, ok := m.sessions[wizardID]
	if !ok {
		return fsm.SessionNotFound(wizardID)
	}
	if current.Version != expectedVersion {
		return fsm.ConcurrentModification(wizardID, expectedVersion)
	}
	if !current.Active || current.Expired(change.CommitTime()) {
		return fsm.SessionExpired(wizardID)
	}

	next := change.Session.Clone()
	next.Version = expectedVersion + 1
	m.sessions[wizardID] = next
	change.Session.Version = next.Version

	bucket := m.entries[current.ID]
	if bucket == nil {
		bucket = make(map[string]model.ExtendedStateEntry)
		m.entries[current.ID] = bucket
	}
	for _, key := range change.Deletes {
		delete(bucket, key)
	}
	for _, e := range change.Upserts {
		e.SessionRef = current.ID
		bucket[e.Key] = e.Clone()
	}
	return nil
}

func (m *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, s := range m.sessions {
		if expireLocked(s, now) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ExpireSession(ctx context.Context, wizardID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[wizardID]
	if !ok {
		return false, nil
	}
	return expireLocked(s, now), nil
}

func expireLocked(s *model.WizardSession, now time.Time) bool {
	if !s.Active || !s.ExpiresAt.Before(now) {
		return false
	}
	reason := model.ClosedExpired
	s.Active = false
	s.ClosedReason = &reason
	s.UpdatedAt = now
	s.Version++
	return true
}

func (m *MemoryStore) PurgeInactiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for wizardID, s := range m.sessions {
		if s.Active || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(m.entries, s.ID)
		delete(m.sessions, wizardID)
		count++
	}
	return count, nil
}
