package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/toolforge/backend/internal/models"
)

const defaultPageSize = 200

// Store provides database-backed accessors for the entitlement tables. Every
// balance mutation is a single conditional statement so that correctness does
// not depend on which process instance issues it.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `user_id, balance, total_used, plan, version, disabled_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (models.AccountBalance, error) {
	var (
		acct       models.AccountBalance
		plan       string
		disabledAt sql.NullTime
	)
	if err := row.Scan(&acct.UserID, &acct.Balance, &acct.TotalUsed, &plan, &acct.Version, &disabledAt, &acct.UpdatedAt); err != nil {
		return models.AccountBalance{}, err
	}
	acct.Plan = models.PlanID(plan)
	if disabledAt.Valid {
		acct.DisabledAt = &disabledAt.Time
	}
	return acct, nil
}

// OpenAccount creates the credits row for a new user with the given plan and
// starting balance. It reports false when the account already existed, in
// which case the existing row is returned untouched.
func (s *Store) OpenAccount(ctx context.Context, userID string, plan models.PlanID, balance int64) (models.AccountBalance, bool, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx, `
INSERT INTO credits (user_id, balance, total_used, plan, version)
VALUES ($1, $2, 0, $3, 1)
ON CONFLICT (user_id) DO NOTHING
RETURNING `+accountColumns, userID, balance, string(plan)))
	if err == nil {
		return acct, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.AccountBalance{}, false, fmt.Errorf("store: open account: %w", classify(err))
	}

	acct, err = s.GetAccount(ctx, userID)
	if err != nil {
		return models.AccountBalance{}, false, err
	}
	return acct, false, nil
}

// GetAccount returns the credits row for userID.
func (s *Store) GetAccount(ctx context.Context, userID string) (models.AccountBalance, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credits WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AccountBalance{}, ErrAccountNotFound
	}
	if err != nil {
		return models.AccountBalance{}, fmt.Errorf("store: get account: %w", classify(err))
	}
	return acct, nil
}

// DisableAccount soft-disables the account; the row is kept for audit.
func (s *Store) DisableAccount(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE credits
SET disabled_at = COALESCE(disabled_at, now()),
    version = version + 1,
    updated_at = now()
WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("store: disable account: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ReserveCredits debits r.Amount from the user's balance and records the
// pending reservation in one transaction. The debit is a conditional update
// with a balance floor; when it matches no row the cause is classified as
// ErrAccountNotFound, ErrAccountDisabled or ErrInsufficientCredits.
func (s *Store) ReserveCredits(ctx context.Context, r models.Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin reserve tx: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE credits
SET balance = balance - $2,
    total_used = total_used + $2,
    version = version + 1,
    updated_at = now()
WHERE user_id = $1 AND balance >= $2 AND disabled_at IS NULL`, r.UserID, r.Amount)
	if err != nil {
		return fmt.Errorf("store: debit credits: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: debit credits rows: %w", err)
	}
	if affected != 1 {
		var disabledAt sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT disabled_at FROM credits WHERE user_id = $1`, r.UserID).Scan(&disabledAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrAccountNotFound
		case err != nil:
			return fmt.Errorf("store: classify failed debit: %w", classify(err))
		case disabledAt.Valid:
			return ErrAccountDisabled
		default:
			return ErrInsufficientCredits
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_reservations (token, user_id, amount, tool_name, status, created_at)
VALUES ($1, $2, $3, $4, 'pending', $5)`, r.Token, r.UserID, r.Amount, r.ToolName, r.CreatedAt); err != nil {
		return fmt.Errorf("store: insert reservation: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit reserve tx: %w", classify(err))
	}
	return nil
}

// ReleaseReservation returns a pending reservation's amount to the balance and
// reverses the total_used increment. A reservation absorbed by a refill is
// settled without crediting the balance, since the refill already overwrote
// the debit. It reports false, without error, when the token is unknown or
// already settled.
func (s *Store) ReleaseReservation(ctx context.Context, token string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin release tx: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		userID string
		amount int64
		status string
	)
	err = tx.QueryRowContext(ctx, `
SELECT user_id, amount, status
FROM credit_reservations
WHERE token = $1 AND status IN ('pending', 'absorbed')
FOR UPDATE`, token).Scan(&userID, &amount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: lock reservation: %w", classify(err))
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE credit_reservations
SET status = 'released', settled_at = now()
WHERE token = $1`, token); err != nil {
		return false, fmt.Errorf("store: settle reservation: %w", classify(err))
	}

	refund := amount
	if models.ReservationStatus(status) == models.ReservationAbsorbed {
		refund = 0
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE credits
SET balance = balance + $2,
    total_used = total_used - $3,
    version = version + 1,
    updated_at = now()
WHERE user_id = $1`, userID, refund, amount); err != nil {
		return false, fmt.Errorf("store: credit back reservation: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit release tx: %w", classify(err))
	}
	return true, nil
}

// CommitReservation settles a pending or absorbed reservation as spent and
// appends its usage_history row in the same transaction. The charged amount is
// taken from the reservation, not from entry, so the audit row always equals
// the debit. It reports false when the token is unknown or already settled.
func (s *Store) CommitReservation(ctx context.Context, token string, entry models.UsageEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin commit tx: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		userID   string
		amount   int64
		toolName string
	)
	err = tx.QueryRowContext(ctx, `
UPDATE credit_reservations
SET status = 'committed', settled_at = now()
WHERE token = $1 AND status IN ('pending', 'absorbed')
RETURNING user_id, amount, tool_name`, token).Scan(&userID, &amount, &toolName)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: settle reservation: %w", classify(err))
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO usage_history (reservation_token, user_id, tool_name, credits_used, input_preview, output_preview, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token, userID, toolName, amount, entry.InputPreview, entry.OutputPreview, entry.OccurredAt,
	); err != nil {
		return false, fmt.Errorf("store: append usage: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit usage tx: %w", classify(err))
	}
	return true, nil
}

// RefillCredits overwrites the balance with newBalance and records the plan,
// creating the row when the user has none yet. Pending reservations are
// absorbed in the same transaction.
func (s *Store) RefillCredits(ctx context.Context, userID string, newBalance int64, plan models.PlanID) (models.AccountBalance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.AccountBalance{}, fmt.Errorf("store: begin refill tx: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	acct, err := refillCredits(ctx, tx, userID, newBalance, plan)
	if err != nil {
		return models.AccountBalance{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.AccountBalance{}, fmt.Errorf("store: commit refill tx: %w", classify(err))
	}
	return acct, nil
}

// refillCredits overwrites the balance with newBalance and records the plan,
// creating the row when the user has none yet. The user's pending
// reservations are marked absorbed first so a later release cannot push the
// balance past the new allotment. It must run inside tx.
func refillCredits(ctx context.Context, tx *sql.Tx, userID string, newBalance int64, plan models.PlanID) (models.AccountBalance, error) {
	if _, err := tx.ExecContext(ctx, `
UPDATE credit_reservations
SET status = 'absorbed'
WHERE user_id = $1 AND status = 'pending'`, userID); err != nil {
		return models.AccountBalance{}, fmt.Errorf("store: absorb reservations: %w", classify(err))
	}

	acct, err := scanAccount(tx.QueryRowContext(ctx, `
INSERT INTO credits (user_id, balance, total_used, plan, version)
VALUES ($1, $2, 0, $3, 1)
ON CONFLICT (user_id) DO UPDATE
SET balance = EXCLUDED.balance,
    plan = EXCLUDED.plan,
    version = credits.version + 1,
    updated_at = now()
RETURNING `+accountColumns, userID, newBalance, string(plan)))
	if err != nil {
		return models.AccountBalance{}, fmt.Errorf("store: refill credits: %w", classify(err))
	}
	return acct, nil
}

// ListStaleReservations returns tokens of reservations left unsettled since
// before cutoff.
func (s *Store) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT token
FROM credit_reservations
WHERE status IN ('pending', 'absorbed') AND created_at < $1
ORDER BY created_at ASC
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list stale reservations: %w", classify(err))
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("store: scan reservation: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate reservations: %w", err)
	}
	return tokens, nil
}

// ListUsage returns the most recent usage entries for a user.
func (s *Store) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageEntry, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, tool_name, credits_used, input_preview, output_preview, occurred_at
FROM usage_history
WHERE user_id = $1
ORDER BY occurred_at DESC, id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list usage: %w", classify(err))
	}
	defer rows.Close()

	var entries []models.UsageEntry
	for rows.Next() {
		var e models.UsageEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ToolName, &e.CreditsCharged, &e.InputPreview, &e.OutputPreview, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("store: scan usage: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate usage: %w", err)
	}
	return entries, nil
}
