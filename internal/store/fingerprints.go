package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RememberFingerprint records fp as seen at receivedAt. It reports false when
// the fingerprint is already present and was received at or after cutoff;
// entries older than cutoff count as expired and are overwritten in place.
func (s *Store) RememberFingerprint(ctx context.Context, fp, eventName, subscriptionID string, receivedAt, cutoff time.Time) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `
INSERT INTO webhook_event_fingerprints (fingerprint, event_name, subscription_id, received_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (fingerprint) DO UPDATE
SET event_name = EXCLUDED.event_name,
    subscription_id = EXCLUDED.subscription_id,
    received_at = EXCLUDED.received_at
WHERE webhook_event_fingerprints.received_at < $5
RETURNING fingerprint`, fp, eventName, subscriptionID, receivedAt, cutoff).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: remember fingerprint: %w", classify(err))
	}
	return true, nil
}

// ForgetFingerprint removes fp so a redelivery of the same event is processed.
func (s *Store) ForgetFingerprint(ctx context.Context, fp string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_event_fingerprints WHERE fingerprint = $1`, fp); err != nil {
		return fmt.Errorf("store: forget fingerprint: %w", classify(err))
	}
	return nil
}

// PurgeFingerprints deletes fingerprints received before cutoff.
func (s *Store) PurgeFingerprints(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_event_fingerprints WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge fingerprints: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}
