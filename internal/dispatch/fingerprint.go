package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PortNumber53/toolforge/backend/internal/models"
)

// Fingerprint returns the dedup key for ev: the provider event id when one
// was sent, otherwise a SHA-256 over the fields that distinguish one delivery
// of an event from another event. A sequence taken from receipt time is
// replaced by a digest of the raw payload so redeliveries share a key.
func Fingerprint(ev models.BillingEvent) string {
	if ev.EventID != "" {
		return "id:" + ev.EventID
	}

	seq := strconv.FormatInt(ev.Sequence, 10)
	if !ev.ProviderSequence {
		body := sha256.Sum256(ev.Payload)
		seq = "body:" + hex.EncodeToString(body[:])
	}

	renews := ""
	if ev.RenewsAt != nil {
		renews = ev.RenewsAt.UTC().Format(time.RFC3339Nano)
	}
	parts := []string{
		string(ev.Name),
		ev.SubscriptionID,
		ev.DataID,
		seq,
		ev.Status,
		ev.VariantID,
		renews,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FingerprintStore records which events have been seen. Remember must be
// atomic: of two concurrent calls with the same fingerprint exactly one
// reports true.
type FingerprintStore interface {
	Remember(ctx context.Context, fp string, ev models.BillingEvent) (bool, error)
	Forget(ctx context.Context, fp string) error
}

// fingerprintTable is the SQL-side contract, satisfied by *store.Store and
// the in-memory store.
type fingerprintTable interface {
	RememberFingerprint(ctx context.Context, fp, eventName, subscriptionID string, receivedAt, cutoff time.Time) (bool, error)
	ForgetFingerprint(ctx context.Context, fp string) error
}

// TableFingerprints keeps fingerprints in the webhook_event_fingerprints
// table. Expiry is evaluated at read time against the retention window.
type TableFingerprints struct {
	table     fingerprintTable
	retention time.Duration
	now       func() time.Time
}

// NewTableFingerprints wraps a fingerprint table.
func NewTableFingerprints(table fingerprintTable, retention time.Duration) *TableFingerprints {
	return &TableFingerprints{table: table, retention: retention, now: time.Now}
}

func (t *TableFingerprints) Remember(ctx context.Context, fp string, ev models.BillingEvent) (bool, error) {
	now := t.now().UTC()
	return t.table.RememberFingerprint(ctx, fp, string(ev.Name), ev.SubscriptionID, now, now.Add(-t.retention))
}

func (t *TableFingerprints) Forget(ctx context.Context, fp string) error {
	return t.table.ForgetFingerprint(ctx, fp)
}

// RedisFingerprints keeps fingerprints as keys with a TTL equal to the
// retention window.
type RedisFingerprints struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisFingerprints returns a Redis-backed fingerprint store.
func NewRedisFingerprints(client *redis.Client, retention time.Duration) *RedisFingerprints {
	return &RedisFingerprints{client: client, prefix: "toolforge:webhook:fp:", retention: retention}
}

func (r *RedisFingerprints) Remember(ctx context.Context, fp string, ev models.BillingEvent) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+fp, string(ev.Name), r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("redis remember fingerprint: %w", err)
	}
	return ok, nil
}

func (r *RedisFingerprints) Forget(ctx context.Context, fp string) error {
	if err := r.client.Del(ctx, r.prefix+fp).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis forget fingerprint: %w", err)
	}
	return nil
}
