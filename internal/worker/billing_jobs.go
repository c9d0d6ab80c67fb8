package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/notify"
)

// Sweeper releases pending reservations created before cutoff.
type Sweeper interface {
	SweepStale(ctx context.Context, cutoff time.Time, batch int) (int, error)
}

// FingerprintPurger drops dedup fingerprints received before cutoff.
type FingerprintPurger interface {
	PurgeFingerprints(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobCleaner removes finished jobs.
type JobCleaner interface {
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// BillingDeps groups what the billing maintenance handlers need. Nil
// Fingerprints or Jobs skip that half of the purge.
type BillingDeps struct {
	Notifier             notify.Notifier
	Ledger               Sweeper
	Fingerprints         FingerprintPurger
	Jobs                 JobCleaner
	ReservationTTL       time.Duration
	FingerprintRetention time.Duration
	JobRetention         time.Duration
	SweepBatch           int
	Now                  func() time.Time
}

// RegisterBillingJobs registers the notice, sweep and purge job handlers.
func RegisterBillingJobs(w *Worker, deps BillingDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SweepBatch <= 0 {
		deps.SweepBatch = 200
	}

	w.RegisterHandler(models.JobPaymentFailedNotice, paymentFailedNoticeHandler(deps.Notifier))
	w.RegisterHandler(models.JobReservationSweep, reservationSweepHandler(deps, w.logger))
	w.RegisterHandler(models.JobFingerprintPurge, fingerprintPurgeHandler(deps, w.logger))

	w.logger.WithField("handlers", []string{
		models.JobPaymentFailedNotice, models.JobReservationSweep, models.JobFingerprintPurge,
	}).Info("registered billing job handlers")
}

func paymentFailedNoticeHandler(n notify.Notifier) Handler {
	return func(ctx context.Context, job *models.Job) error {
		userID := job.Payload.String("user_id")
		subID := job.Payload.String("subscription_id")
		if userID == "" || subID == "" {
			return fmt.Errorf("payment_failed_notice: missing user_id or subscription_id in payload")
		}

		occurred := job.CreatedAt
		if raw := job.Payload.String("occurred_at"); raw != "" {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				occurred = ts
			}
		}

		return n.Notify(ctx, notify.Notice{
			Kind:           "payment_failed",
			UserID:         userID,
			SubscriptionID: subID,
			CustomerID:     job.Payload.String("customer_id"),
			OccurredAt:     occurred,
		})
	}
}

func reservationSweepHandler(deps BillingDeps, log logrus.FieldLogger) Handler {
	return func(ctx context.Context, _ *models.Job) error {
		cutoff := deps.Now().Add(-deps.ReservationTTL)
		released, err := deps.Ledger.SweepStale(ctx, cutoff, deps.SweepBatch)
		if err != nil {
			return fmt.Errorf("sweep reservations: %w", err)
		}
		if released > 0 {
			log.WithFields(logrus.Fields{"released": released, "cutoff": cutoff}).Warn("released stale reservations")
		}
		return nil
	}
}

func fingerprintPurgeHandler(deps BillingDeps, log logrus.FieldLogger) Handler {
	return func(ctx context.Context, _ *models.Job) error {
		fields := logrus.Fields{}
		if deps.Fingerprints != nil {
			n, err := deps.Fingerprints.PurgeFingerprints(ctx, deps.Now().Add(-deps.FingerprintRetention))
			if err != nil {
				return fmt.Errorf("purge fingerprints: %w", err)
			}
			fields["fingerprints"] = n
		}
		if deps.Jobs != nil && deps.JobRetention > 0 {
			n, err := deps.Jobs.CleanupOldJobs(ctx, deps.JobRetention)
			if err != nil {
				return fmt.Errorf("cleanup jobs: %w", err)
			}
			fields["jobs"] = n
		}
		log.WithFields(fields).Info("purged expired records")
		return nil
	}
}

// SchedulePaymentFailedNotice queues a notice for a subscription whose
// payment failed. Satisfies subscription.NoticeScheduler.
func (w *Worker) SchedulePaymentFailedNotice(ctx context.Context, sub models.Subscription, ev models.BillingEvent) error {
	occurred := ev.ReceivedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return w.Enqueue(ctx, &models.Job{
		JobType: models.JobPaymentFailedNotice,
		Payload: models.JSONB{
			"user_id":         sub.UserID,
			"subscription_id": sub.SubscriptionID,
			"customer_id":     sub.CustomerID,
			"occurred_at":     occurred.UTC().Format(time.RFC3339Nano),
		},
		Priority:    models.JobPriorityHigh,
		MaxAttempts: 5,
	})
}
