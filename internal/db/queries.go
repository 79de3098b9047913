package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries wraps database queries
type Queries struct {
	db DBTX
}

// NewQueries creates a new Queries instance
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a copy bound to a transaction
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Session represents a wizard_session row
type Session struct {
	ID            string
	WizardID      string
	CurrentState  string
	CustomerRef   *string
	BranchRef     *string
	ReceiptNumber *string
	OwnerUserRef  string
	ItemWizard    []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	Active        bool
	ClosedReason  *string
	Version       int64
}

const sessionColumns = `id, wizard_id, current_state, customer_ref, branch_ref, receipt_number,
	owner_user_ref, item_wizard, created_at, updated_at, expires_at, active, closed_reason, version`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.WizardID, &s.CurrentState, &s.CustomerRef, &s.BranchRef, &s.ReceiptNumber,
		&s.OwnerUserRef, &s.ItemWizard, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &s.Active,
		&s.ClosedReason, &s.Version,
	)
	return s, err
}

// Session queries
func (q *Queries) CreateSession(ctx context.Context, s Session) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO wizard_session (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.WizardID, s.CurrentState, s.CustomerRef, s.BranchRef, s.ReceiptNumber,
		s.OwnerUserRef, s.ItemWizard, s.CreatedAt, s.UpdatedAt, s.ExpiresAt, s.Active,
		s.ClosedReason, s.Version,
	)
	return err
}

func (q *Queries) GetSessionByWizardID(ctx context.Context, wizardID string) (Session, error) {
	return scanSession(q.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM wizard_session WHERE wizard_id = $1`,
		wizardID,
	))
}

// UpdateSessionIfVersion writes s when the stored row is still at expected, active
// and not expired at now. It returns pgx.ErrNoRows when nothing matched.
func (q *Queries) UpdateSessionIfVersion(ctx context.Context, s Session, expected int64, now time.Time) error {
	result, err := q.db.Exec(ctx,
		`UPDATE wizard_session SET
			current_state = $3, customer_ref = $4, branch_ref = $5, receipt_number = $6,
			item_wizard = $7, updated_at = $8, expires_at = $9, active = $10,
			closed_reason = $11, version = version + 1
		WHERE wizard_id = $1 AND version = $2 AND active AND expires_at >= $12`,
		s.WizardID, expected, s.CurrentState, s.CustomerRef, s.BranchRef, s.ReceiptNumber,
		s.ItemWizard, s.UpdatedAt, s.ExpiresAt, s.Active, s.ClosedReason, now,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (q *Queries) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := q.db.Exec(ctx,
		`UPDATE wizard_session
		SET active = FALSE, closed_reason = 'expired', updated_at = $1, version = version + 1
		WHERE active AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (q *Queries) ExpireSession(ctx context.Context, wizardID string, now time.Time) (int64, error) {
	result, err := q.db.Exec(ctx,
		`UPDATE wizard_session
		SET active = FALSE, closed_reason = 'expired', updated_at = $2, version = version + 1
		WHERE wizard_id = $1 AND active AND expires_at < $2`,
		wizardID, now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// PurgeInactiveSessions deletes closed sessions; state data goes with them (ON DELETE CASCADE)
func (q *Queries) PurgeInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.Exec(ctx,
		`DELETE FROM wizard_session WHERE NOT active AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// StateData represents a wizard_state_data row
type StateData struct {
	SessionID        string
	Stage            int
	Step             int
	Key              string
	Value            []byte
	ValueType        string
	Validated        bool
	ValidationErrors *string
	UpdatedAt        time.Time
}

// State data queries
func (q *Queries) ListStateData(ctx context.Context, sessionID string) ([]StateData, error) {
	rows, err := q.db.Query(ctx,
		`SELECT session_id, stage, step, key, value, value_type, validated, validation_errors, updated_at
		FROM wizard_state_data WHERE session_id = $1 ORDER BY stage, step, key`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateData
	for rows.Next() {
		var d StateData
		if err := rows.Scan(&d.SessionID, &d.Stage, &d.Step, &d.Key, &d.Value, &d.ValueType,
			&d.Validated, &d.ValidationErrors, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queries) UpsertStateData(ctx context.Context, d StateData) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO wizard_state_data (session_id, stage, step, key, value, value_type, validated, validation_errors, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, key) DO UPDATE SET
			stage = EXCLUDED.stage, step = EXCLUDED.step, value = EXCLUDED.value,
			value_type = EXCLUDED.value_type, validated = EXCLUDED.validated,
			validation_errors = EXCLUDED.validation_errors, updated_at = EXCLUDED.updated_at`,
		d.SessionID, d.Stage, d.Step, d.Key, d.Value, d.ValueType, d.Validated, d.ValidationErrors, d.UpdatedAt,
	)
	return err
}

func (q *Queries) DeleteStateData(ctx context.Context, sessionID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx,
		`DELETE FROM wizard_state_data WHERE session_id = $1 AND key = ANY($2)`,
		sessionID, keys,
	)
	return err
}

// Receipt queries

// NextReceiptValue bumps the per-branch counter and returns the new value
func (q *Queries) NextReceiptValue(ctx context.Context, branchRef string) (int64, error) {
	var v int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO receipt_counters (branch_ref, last_value) VALUES ($1, 1)
		ON CONFLICT (branch_ref) DO UPDATE SET last_value = receipt_counters.last_value + 1
		RETURNING last_value`,
		branchRef,
	).Scan(&v)
	return v, err
}

// Customer represents a customers row
type Customer struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	Email     *string
	CreatedAt time.Time
}

// Customer queries
func (q *Queries) GetCustomer(ctx context.Context, id string) (Customer, error) {
	var c Customer
	err := q.db.QueryRow(ctx,
		"SELECT id, first_name, last_name, phone, email, created_at FROM customers WHERE id = $1",
		id,
	).Scan(&c.ID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.CreatedAt)
	return c, err
}

func (q *Queries) SearchCustomers(ctx context.Context, term string, limit int) ([]Customer, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, first_name, last_name, phone, email, created_at FROM customers
		WHERE first_name ILIKE $1 OR last_name ILIKE $1 OR phone LIKE $1
		ORDER BY last_name, first_name LIMIT $2`,
		"%"+term+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	var out Customer
	err := q.db.QueryRow(ctx,
		`INSERT INTO customers (id, first_name, last_name, phone, email) VALUES ($1, $2, $3, $4, $5)
		RETURNING id, first_name, last_name, phone, email, created_at`,
		c.ID, c.FirstName, c.LastName, c.Phone, c.Email,
	).Scan(&out.ID, &out.FirstName, &out.LastName, &out.Phone, &out.Email, &out.CreatedAt)
	return out, err
}
