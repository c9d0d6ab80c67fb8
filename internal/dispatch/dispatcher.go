// Package dispatch is the idempotency guard between verified webhook
// deliveries and the subscription state machine. It turns at-least-once,
// possibly reordered delivery into effectively-once, in-order application.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/metrics"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/subscription"
)

// Outcome is the result of admitting one event. Every outcome is
// acknowledged to the provider; only errors are not.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
	Stale     Outcome = "stale"
	Ignored   Outcome = "ignored"
	Malformed Outcome = "malformed"
)

// Applier applies an admitted event. Satisfied by *subscription.Machine.
type Applier interface {
	Apply(ctx context.Context, ev models.BillingEvent) (subscription.Result, error)
}

// SubscriptionReader exposes the applied sequence of a subscription.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
}

// Dispatcher deduplicates and sequences billing events.
type Dispatcher struct {
	fingerprints FingerprintStore
	subs         SubscriptionReader
	applier      Applier
	logger       logrus.FieldLogger
	metrics      *metrics.Metrics
}

// New wires a Dispatcher.
func New(fingerprints FingerprintStore, subs SubscriptionReader, applier Applier, logger logrus.FieldLogger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		fingerprints: fingerprints,
		subs:         subs,
		applier:      applier,
		logger:       logger.WithField("component", "dispatch"),
		metrics:      m,
	}
}

// Admit records ev's fingerprint and, when the event is new and not older
// than the state already applied, hands it to the state machine. An error is
// returned only for storage faults; in that case the fingerprint is dropped
// again so the provider's redelivery is processed.
func (d *Dispatcher) Admit(ctx context.Context, ev models.BillingEvent) (Outcome, error) {
	fp := Fingerprint(ev)
	log := d.logger.WithFields(logrus.Fields{
		"event":           ev.Name,
		"subscription_id": ev.SubscriptionID,
		"fingerprint":     fp,
	})

	fresh, err := d.fingerprints.Remember(ctx, fp, ev)
	if err != nil {
		d.metrics.WebhookEvent(string(ev.Name), "error")
		return "", fmt.Errorf("remember fingerprint: %w", err)
	}
	if !fresh {
		log.Info("duplicate event acknowledged")
		return d.finish(ev, Duplicate), nil
	}

	cur, err := d.subs.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return d.fail(ctx, log, ev, fp, fmt.Errorf("load subscription: %w", err))
	}
	if cur != nil && ev.Sequence < cur.LastEventSequence {
		log.WithField("applied_sequence", cur.LastEventSequence).Info("stale event acknowledged")
		return d.finish(ev, Stale), nil
	}

	res, err := d.applier.Apply(ctx, ev)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{
			"from":     res.From,
			"to":       res.Subscription.Status,
			"refilled": res.Refilled,
		}).Info("event applied")
		return d.finish(ev, Accepted), nil
	case errors.Is(err, subscription.ErrStaleEvent):
		log.Info("stale event acknowledged")
		return d.finish(ev, Stale), nil
	case errors.Is(err, subscription.ErrIllegalTransition):
		log.WithError(err).Warn("illegal transition dropped")
		return d.finish(ev, Ignored), nil
	case errors.Is(err, subscription.ErrUnknownVariant):
		log.WithError(err).Error("event references an unmapped variant")
		return d.finish(ev, Malformed), nil
	default:
		return d.fail(ctx, log, ev, fp, err)
	}
}

func (d *Dispatcher) finish(ev models.BillingEvent, o Outcome) Outcome {
	d.metrics.WebhookEvent(string(ev.Name), string(o))
	return o
}

func (d *Dispatcher) fail(ctx context.Context, log logrus.FieldLogger, ev models.BillingEvent, fp string, cause error) (Outcome, error) {
	d.metrics.WebhookEvent(string(ev.Name), "error")
	if err := d.fingerprints.Forget(context.WithoutCancel(ctx), fp); err != nil {
		log.WithError(err).Error("failed to forget fingerprint after apply error")
	}
	log.WithError(cause).Error("event apply failed")
	return "", cause
}
