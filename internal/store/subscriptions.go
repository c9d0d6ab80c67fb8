package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/toolforge/backend/internal/models"
)

const subscriptionColumns = `subscription_id, user_id, customer_id, variant_id, plan_id, status,
       current_period_end, last_event_sequence, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		plan      string
		status    string
		periodEnd sql.NullTime
	)
	err := row.Scan(
		&sub.SubscriptionID,
		&sub.UserID,
		&sub.CustomerID,
		&sub.VariantID,
		&plan,
		&status,
		&periodEnd,
		&sub.LastEventSequence,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.PlanID = models.PlanID(plan)
	sub.Status = models.SubscriptionStatus(status)
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = &periodEnd.Time
	}
	return &sub, nil
}

// GetSubscription returns the record for subscriptionID, or nil when none exists.
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1`, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", classify(err))
	}
	return sub, nil
}

// GetEntitledSubscription returns the user's active or past_due record, or nil.
func (s *Store) GetEntitledSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1 AND status IN ('active', 'past_due')
ORDER BY updated_at DESC
LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entitled subscription: %w", classify(err))
	}
	return sub, nil
}

// LatestSubscription returns the most recently updated record of any status
// for userID, or nil.
func (s *Store) LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1
ORDER BY (status IN ('active', 'past_due')) DESC, updated_at DESC
LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest subscription: %w", classify(err))
	}
	return sub, nil
}

// WriteSubscription persists w in one transaction. The record is inserted
// when w.Create is set, otherwise updated under a compare-and-set on the event
// sequence: the row only changes when its stored last_event_sequence is not
// newer than the incoming one. When that insert or update does not apply the
// transaction is rolled back, nothing is refilled, and false is returned.
func (s *Store) WriteSubscription(ctx context.Context, w models.SubscriptionWrite) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin subscription tx: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sub := w.Subscription
	var applied bool
	if w.Create {
		applied, err = createSubscription(ctx, tx, sub)
	} else {
		applied, err = updateSubscription(ctx, tx, sub)
	}
	if err != nil || !applied {
		return false, err
	}

	if w.Create {
		if _, err := tx.ExecContext(ctx, `
UPDATE subscriptions
SET status = 'expired', updated_at = now()
WHERE user_id = $1 AND subscription_id <> $2 AND status IN ('active', 'past_due')`,
			sub.UserID, sub.SubscriptionID); err != nil {
			return false, fmt.Errorf("store: expire subscriptions: %w", classify(err))
		}
	}

	if w.RefillPlan != "" {
		if _, err := refillCredits(ctx, tx, sub.UserID, w.RefillBalance, w.RefillPlan); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit subscription tx: %w", classify(err))
	}
	return true, nil
}

func createSubscription(ctx context.Context, tx *sql.Tx, sub models.Subscription) (bool, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO subscriptions (subscription_id, user_id, customer_id, variant_id, plan_id, status,
                           current_period_end, last_event_sequence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (subscription_id) DO NOTHING`,
		sub.SubscriptionID,
		sub.UserID,
		sub.CustomerID,
		sub.VariantID,
		string(sub.PlanID),
		string(sub.Status),
		sub.CurrentPeriodEnd,
		sub.LastEventSequence,
	)
	if err != nil {
		return false, fmt.Errorf("store: create subscription: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: create subscription rows: %w", err)
	}
	return n == 1, nil
}

func updateSubscription(ctx context.Context, tx *sql.Tx, sub models.Subscription) (bool, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE subscriptions
SET customer_id = $2,
    variant_id = $3,
    plan_id = $4,
    status = $5,
    current_period_end = $6,
    last_event_sequence = $7,
    updated_at = now()
WHERE subscription_id = $1 AND last_event_sequence <= $7`,
		sub.SubscriptionID,
		sub.CustomerID,
		sub.VariantID,
		string(sub.PlanID),
		string(sub.Status),
		sub.CurrentPeriodEnd,
		sub.LastEventSequence,
	)
	if err != nil {
		return false, fmt.Errorf("store: update subscription: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update subscription rows: %w", err)
	}
	return n == 1, nil
}
