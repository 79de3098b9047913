package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orderwizard/internal/db"
	"orderwizard/internal/fsm"
	"orderwizard/internal/model"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresStore keeps sessions in wizard_session and their entries in
// wizard_state_data. Every write runs in one transaction.
type PostgresStore struct {
	pool *db.Pool
	log  *zap.Logger
}

func NewPostgresStore(pool *db.Pool, log *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: log}
}

func (p *PostgresStore) Create(ctx context.Context, session *model.WizardSession, entries []model.ExtendedStateEntry) error {
	if session.Version == 0 {
		session.Version = 1
	}
	row, err := toSessionRow(session)
	if err != nil {
		return err
	}
	return p.pool.InTx(ctx, func(q *db.Queries) error {
		if err := q.CreateSession(ctx, row); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		for _, e := range entries {
			e.SessionRef = session.ID
			if err := q.UpsertStateData(ctx, toStateRow(e)); err != nil {
				return fmt.Errorf("failed to insert state %s: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) Load(ctx context.Context, wizardID string) (*model.WizardSession, error) {
	row, err := p.pool.GetSessionByWizardID(ctx, wizardID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fsm.SessionNotFound(wizardID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return fromSessionRow(row)
}

func (p *PostgresStore) LoadEntries(ctx context.Context, sessionID string) ([]model.ExtendedStateEntry, error) {
	rows, err := p.pool.ListStateData(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state data: %w", err)
	}
	out := make([]model.ExtendedStateEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromStateRow(r))
	}
	return out, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, expectedVersion int64, change Change) error {
	if change.Session == nil {
		return errors.New("change requires a session record")
	}
	row, err := toSessionRow(change.Session)
	if err != nil {
		return err
	}
	wizardID := change.Session.WizardID

	err = p.pool.InTx(ctx, func(q *db.Queries) error {
		if err := q.UpdateSessionIfVersion(ctx, row, expectedVersion, change.CommitTime()); err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to update session: %w", err)
			}
			return p.explainMiss(ctx, q, wizardID, expectedVersion)
		}
		if err := q.DeleteStateData(ctx, change.Session.ID, change.Deletes); err != nil {
			return fmt.Errorf("failed to delete state data: %w", err)
		}
		for _, e := range change.Upserts {
			e.SessionRef = change.Session.ID
			if err := q.UpsertStateData(ctx, toStateRow(e)); err != nil {
				return fmt.Errorf("failed to upsert state %s: %w", e.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	change.Session.Version = expectedVersion + 1
	return nil
}

// explainMiss turns a zero-row update into the matching taxonomy error
func (p *PostgresStore) explainMiss(ctx context.Context, q *db.Queries, wizardID string, expected int64) error {
	current, err := q.GetSessionByWizardID(ctx, wizardID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fsm.SessionNotFound(wizardID)
		}
		return fmt.Errorf("failed to reload session: %w", err)
	}
	if current.Version != expected {
		p.log.Debug("Version conflict",
			zap.String("wizard_id", wizardID),
			zap.Int64("expected", expected),
			zap.Int64("actual", current.Version))
		return fsm.ConcurrentModification(wizardID, expected)
	}
	return fsm.SessionExpired(wizardID)
}

func (p *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := p.pool.ExpireSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return int(n), nil
}

func (p *PostgresStore) ExpireSession(ctx context.Context, wizardID string, now time.Time) (bool, error) {
	n, err := p.pool.Queries.ExpireSession(ctx, wizardID, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) PurgeInactiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := p.pool.PurgeInactiveSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return int(n), nil
}

func toSessionRow(s *model.WizardSession) (db.Session, error) {
	row := db.Session{
		ID:            s.ID,
		WizardID:      s.WizardID,
		CurrentState:  string(s.CurrentState),
		CustomerRef:   s.CustomerRef,
		BranchRef:     s.BranchRef,
		ReceiptNumber: s.ReceiptNumber,
		OwnerUserRef:  s.OwnerUserRef,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		ExpiresAt:     s.ExpiresAt,
		Active:        s.Active,
		Version:       s.Version,
	}
	if s.ClosedReason != nil {
		reason := string(*s.ClosedReason)
		row.ClosedReason = &reason
	}
	if s.ItemWizard != nil {
		raw, err := json.Marshal(s.ItemWizard)
		if err != nil {
			return db.Session{}, fmt.Errorf("failed to encode item wizard: %w", err)
		}
		row.ItemWizard = raw
	}
	return row, nil
}

func fromSessionRow(row db.Session) (*model.WizardSession, error) {
	s := &model.WizardSession{
		ID:            row.ID,
		WizardID:      row.WizardID,
		CurrentState:  model.OuterState(row.CurrentState),
		CustomerRef:   row.CustomerRef,
		BranchRef:     row.BranchRef,
		ReceiptNumber: row.ReceiptNumber,
		OwnerUserRef:  row.OwnerUserRef,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		ExpiresAt:     row.ExpiresAt,
		Active:        row.Active,
		Version:       row.Version,
	}
	if row.ClosedReason != nil {
		reason := model.CloseReason(*row.ClosedReason)
		s.ClosedReason = &reason
	}
	if len(row.ItemWizard) > 0 {
		var iw model.ItemWizardState
		if err := json.Unmarshal(row.ItemWizard, &iw); err != nil {
			return nil, fmt.Errorf("failed to decode item wizard: %w", err)
		}
		s.ItemWizard = &iw
	}
	return s, nil
}

func toStateRow(e model.ExtendedStateEntry) db.StateData {
	return db.StateData{
		SessionID:        e.SessionRef,
		Stage:            e.Stage,
		Step:             e.Step,
		Key:              e.Key,
		Value:            e.Value,
		ValueType:        string(e.ValueType),
		Validated:        e.Validated,
		ValidationErrors: e.ValidationErrors,
		UpdatedAt:        e.UpdatedAt,
	}
}

func fromStateRow(r db.StateData) model.ExtendedStateEntry {
	return model.ExtendedStateEntry{
		SessionRef:       r.SessionID,
		Stage:            r.Stage,
		Step:             r.Step,
		Key:              r.Key,
		Value:            json.RawMessage(r.Value),
		ValueType:        model.ValueType(r.ValueType),
		Validated:        r.Validated,
		ValidationErrors: r.ValidationErrors,
		UpdatedAt:        r.UpdatedAt,
	}
}
