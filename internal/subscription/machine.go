// Package subscription drives the lifecycle of billing subscriptions from
// admitted provider events and decides when the ledger is refilled.
//
//	none → active → {cancelled, past_due} → {active, expired}
//
// expired is terminal. Events that do not match a legal transition for the
// record's current state are reported as ErrIllegalTransition and dropped.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/models"
)

var (
	// ErrIllegalTransition means the event does not apply to the record's
	// current state. The event is acknowledged and dropped.
	ErrIllegalTransition = errors.New("subscription: illegal transition")
	// ErrStaleEvent means a newer event has already been applied to the record.
	ErrStaleEvent = errors.New("subscription: stale event")
	// ErrUnknownVariant means the event names a variant with no plan mapping.
	ErrUnknownVariant = errors.New("subscription: unknown variant")
)

// Store reads subscription records.
type Store interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	GetEntitledSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// Writer persists a transition and the refill it grants atomically, reporting
// false when the record insert or sequence guard rejected it. Satisfied by
// *ledger.Ledger.
type Writer interface {
	WriteSubscription(ctx context.Context, w models.SubscriptionWrite) (bool, error)
}

// NoticeScheduler queues the payment-failed notification side effect.
type NoticeScheduler interface {
	SchedulePaymentFailedNotice(ctx context.Context, sub models.Subscription, ev models.BillingEvent) error
}

// Catalog is the static plan configuration.
type Catalog struct {
	Allotments map[models.PlanID]int64
	Variants   map[string]models.PlanID
}

// PlanForVariant resolves a provider variant id to a plan.
func (c Catalog) PlanForVariant(variantID string) (models.PlanID, bool) {
	plan, ok := c.Variants[variantID]
	return plan, ok
}

// Allotment returns the balance a refill to plan sets.
func (c Catalog) Allotment(plan models.PlanID) int64 {
	return c.Allotments[plan]
}

// Result describes an applied transition.
type Result struct {
	From         models.SubscriptionStatus
	Subscription models.Subscription
	Refilled     bool
}

// Options tunes a Machine.
type Options struct {
	RetryMax       int
	RetryBaseDelay time.Duration
	Logger         logrus.FieldLogger
}

// Machine applies events to subscription records.
type Machine struct {
	store    Store
	writer   Writer
	notices  NoticeScheduler
	catalog  Catalog
	retry    retrypolicy.RetryPolicy[any]
	logger   logrus.FieldLogger
}

// NewMachine wires a Machine. notices may be nil, in which case payment
// failures are only logged.
func NewMachine(store Store, writer Writer, notices NoticeScheduler, catalog Catalog, opts Options) *Machine {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 25 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Machine{
		store:    store,
		writer:   writer,
		notices:  notices,
		catalog:  catalog,
		retry:    ledger.NewConflictRetryPolicy(opts.RetryMax, opts.RetryBaseDelay),
		logger:   opts.Logger.WithField("component", "subscription"),
	}
}

// Apply drives ev through the state machine. The record write and the refill
// it grants commit together, so an event that loses the sequence guard or the
// insert race changes neither.
func (m *Machine) Apply(ctx context.Context, ev models.BillingEvent) (Result, error) {
	var res Result
	_, err := failsafe.With[any](m.retry).WithContext(ctx).Get(func() (any, error) {
		var err error
		res, err = m.apply(ctx, ev)
		return nil, err
	})
	if errors.Is(err, ledger.ErrStorageConflict) {
		return Result{}, fmt.Errorf("%w: apply %s: %v", ledger.ErrTransient, ev.Name, err)
	}
	return res, err
}

func (m *Machine) apply(ctx context.Context, ev models.BillingEvent) (Result, error) {
	cur, err := m.store.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return Result{}, err
	}

	if cur != nil && ev.Sequence < cur.LastEventSequence {
		return Result{}, ErrStaleEvent
	}

	if ev.Name == models.EventSubscriptionCreated {
		if cur != nil {
			return Result{}, fmt.Errorf("%w: %s already exists", ErrIllegalTransition, ev.SubscriptionID)
		}
		return m.create(ctx, ev)
	}
	if cur == nil {
		return Result{}, fmt.Errorf("%w: %s for unknown subscription", ErrIllegalTransition, ev.Name)
	}

	from := cur.Status
	next := *cur
	next.LastEventSequence = ev.Sequence
	if ev.CustomerID != "" {
		next.CustomerID = ev.CustomerID
	}
	if ev.RenewsAt != nil {
		next.CurrentPeriodEnd = ev.RenewsAt
	}

	var refillPlan models.PlanID

	switch ev.Name {
	case models.EventSubscriptionUpdated:
		if !legalFrom(from, models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCancelled) {
			return Result{}, illegal(ev, from)
		}
		plan, ok := m.catalog.PlanForVariant(ev.VariantID)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownVariant, ev.VariantID)
		}
		next.VariantID = ev.VariantID
		next.PlanID = plan
		if plan != cur.PlanID {
			refillPlan = plan
		}

	case models.EventSubscriptionCancelled:
		if !legalFrom(from, models.SubscriptionActive, models.SubscriptionPastDue) {
			return Result{}, illegal(ev, from)
		}
		next.Status = models.SubscriptionCancelled

	case models.EventSubscriptionResumed:
		if from != models.SubscriptionCancelled {
			return Result{}, illegal(ev, from)
		}
		other, err := m.store.GetEntitledSubscription(ctx, cur.UserID)
		if err != nil {
			return Result{}, err
		}
		if other != nil && other.SubscriptionID != cur.SubscriptionID {
			return Result{}, fmt.Errorf("%w: user already entitled through %s", ErrIllegalTransition, other.SubscriptionID)
		}
		next.Status = models.SubscriptionActive

	case models.EventPaymentSuccess:
		if !legalFrom(from, models.SubscriptionActive, models.SubscriptionPastDue) {
			return Result{}, illegal(ev, from)
		}
		next.Status = models.SubscriptionActive
		refillPlan = cur.PlanID

	case models.EventPaymentFailed:
		if !legalFrom(from, models.SubscriptionActive, models.SubscriptionPastDue) {
			return Result{}, illegal(ev, from)
		}
		next.Status = models.SubscriptionPastDue

	case models.EventSubscriptionExpired:
		if !legalFrom(from, models.SubscriptionCancelled, models.SubscriptionPastDue) {
			return Result{}, illegal(ev, from)
		}
		next.Status = models.SubscriptionExpired
		other, err := m.store.GetEntitledSubscription(ctx, cur.UserID)
		if err != nil {
			return Result{}, err
		}
		if other == nil || other.SubscriptionID == cur.SubscriptionID {
			refillPlan = models.PlanFree
		}

	default:
		return Result{}, illegal(ev, from)
	}

	applied, err := m.writer.WriteSubscription(ctx, m.write(next, false, refillPlan))
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{}, ErrStaleEvent
	}
	res := Result{From: from, Subscription: next, Refilled: refillPlan != ""}

	if ev.Name == models.EventPaymentFailed {
		if err := m.scheduleNotice(ctx, next, ev); err != nil {
			return Result{}, err
		}
	}

	m.logger.WithFields(logrus.Fields{
		"subscription_id": next.SubscriptionID,
		"user_id":         next.UserID,
		"event":           ev.Name,
		"from":            from,
		"to":              next.Status,
		"plan":            next.PlanID,
		"refilled":        res.Refilled,
	}).Info("subscription transition applied")
	return res, nil
}

func (m *Machine) create(ctx context.Context, ev models.BillingEvent) (Result, error) {
	plan, ok := m.catalog.PlanForVariant(ev.VariantID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownVariant, ev.VariantID)
	}

	sub := models.Subscription{
		SubscriptionID:    ev.SubscriptionID,
		UserID:            ev.UserID,
		CustomerID:        ev.CustomerID,
		VariantID:         ev.VariantID,
		PlanID:            plan,
		Status:            models.SubscriptionActive,
		CurrentPeriodEnd:  ev.RenewsAt,
		LastEventSequence: ev.Sequence,
	}

	created, err := m.writer.WriteSubscription(ctx, m.write(sub, true, plan))
	if err != nil {
		return Result{}, err
	}
	if !created {
		return Result{}, fmt.Errorf("%w: %s created concurrently", ErrIllegalTransition, sub.SubscriptionID)
	}

	m.logger.WithFields(logrus.Fields{
		"subscription_id": sub.SubscriptionID,
		"user_id":         sub.UserID,
		"plan":            plan,
	}).Info("subscription created")
	return Result{From: models.SubscriptionNone, Subscription: sub, Refilled: true}, nil
}

func (m *Machine) write(sub models.Subscription, create bool, refillPlan models.PlanID) models.SubscriptionWrite {
	w := models.SubscriptionWrite{Subscription: sub, Create: create}
	if refillPlan != "" {
		w.RefillPlan = refillPlan
		w.RefillBalance = m.catalog.Allotment(refillPlan)
	}
	return w
}

func (m *Machine) scheduleNotice(ctx context.Context, sub models.Subscription, ev models.BillingEvent) error {
	if m.notices == nil {
		m.logger.WithFields(logrus.Fields{
			"subscription_id": sub.SubscriptionID,
			"user_id":         sub.UserID,
		}).Warn("payment failed; no notice scheduler configured")
		return nil
	}
	if err := m.notices.SchedulePaymentFailedNotice(ctx, sub, ev); err != nil {
		return fmt.Errorf("schedule payment notice: %w", err)
	}
	return nil
}

func legalFrom(s models.SubscriptionStatus, allowed ...models.SubscriptionStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func illegal(ev models.BillingEvent, from models.SubscriptionStatus) error {
	return fmt.Errorf("%w: %s from %q", ErrIllegalTransition, ev.Name, from)
}
