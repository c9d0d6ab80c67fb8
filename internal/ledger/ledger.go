// Package ledger owns the authoritative credit balance of every user. It is
// the only component that mutates balances; each mutation is delegated to a
// single conditional statement (or transaction) in the shared store, so any
// number of process instances can serve the same user at once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/metrics"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/store"
)

var (
	ErrInsufficientCredits = store.ErrInsufficientCredits
	ErrAccountNotFound     = store.ErrAccountNotFound
	ErrAccountDisabled     = store.ErrAccountDisabled
	ErrStorageConflict     = store.ErrConflict

	// ErrTransient is returned once storage conflicts persisted through every
	// retry. The caller may retry the whole request.
	ErrTransient = errors.New("ledger: transient storage failure")
	// ErrInvalidAmount rejects non-positive reservations and negative refills.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// Store is the persistence contract the ledger relies on. Implementations must
// make each method atomic at the storage layer.
type Store interface {
	OpenAccount(ctx context.Context, userID string, plan models.PlanID, balance int64) (models.AccountBalance, bool, error)
	GetAccount(ctx context.Context, userID string) (models.AccountBalance, error)
	DisableAccount(ctx context.Context, userID string) error
	ReserveCredits(ctx context.Context, r models.Reservation) error
	ReleaseReservation(ctx context.Context, token string) (bool, error)
	CommitReservation(ctx context.Context, token string, entry models.UsageEntry) (bool, error)
	RefillCredits(ctx context.Context, userID string, newBalance int64, plan models.PlanID) (models.AccountBalance, error)
	WriteSubscription(ctx context.Context, w models.SubscriptionWrite) (bool, error)
	ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Options tunes a Ledger. Zero values select the defaults.
type Options struct {
	RetryMax       int
	RetryBaseDelay time.Duration
	Logger         logrus.FieldLogger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Ledger implements reserve/commit/release and refill on top of a Store.
type Ledger struct {
	store   Store
	retry   retrypolicy.RetryPolicy[any]
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New constructs a Ledger.
func New(s Store, opts Options) *Ledger {
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 25 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Ledger{
		store:   s,
		retry:   NewConflictRetryPolicy(opts.RetryMax, opts.RetryBaseDelay),
		logger:  opts.Logger.WithField("component", "ledger"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// NewConflictRetryPolicy retries operations that failed with a storage
// conflict, with jittered exponential backoff.
func NewConflictRetryPolicy(maxRetries int, baseDelay time.Duration) retrypolicy.RetryPolicy[any] {
	return retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return errors.Is(err, ErrStorageConflict)
		}).
		WithBackoff(baseDelay, 40*baseDelay).
		WithMaxRetries(maxRetries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()
}

// run executes op under the conflict retry policy. A conflict that survives
// every retry is reported as ErrTransient.
func (l *Ledger) run(ctx context.Context, op string, fn func() error) error {
	_, err := failsafe.With[any](l.retry).WithContext(ctx).Get(func() (any, error) {
		err := fn()
		if errors.Is(err, ErrStorageConflict) {
			l.metrics.StorageConflict()
			l.logger.WithError(err).WithField("op", op).Debug("storage conflict, retrying")
		}
		return nil, err
	})
	if errors.Is(err, ErrStorageConflict) {
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	return err
}

// OpenAccount creates the user's balance row with the free allotment. Calling
// it again for an existing user returns the existing row unchanged.
func (l *Ledger) OpenAccount(ctx context.Context, userID string, plan models.PlanID, balance int64) (models.AccountBalance, error) {
	if userID == "" {
		return models.AccountBalance{}, ErrAccountNotFound
	}
	if balance < 0 {
		return models.AccountBalance{}, ErrInvalidAmount
	}

	var (
		acct    models.AccountBalance
		created bool
	)
	err := l.run(ctx, "open account", func() error {
		var err error
		acct, created, err = l.store.OpenAccount(ctx, userID, plan, balance)
		return err
	})
	if err != nil {
		return models.AccountBalance{}, err
	}
	if created {
		l.logger.WithFields(logrus.Fields{"user_id": userID, "plan": plan, "balance": balance}).Info("account opened")
	}
	return acct, nil
}

// Disable soft-disables the account. Further reservations are refused; the
// balance row is retained.
func (l *Ledger) Disable(ctx context.Context, userID string) error {
	err := l.run(ctx, "disable account", func() error {
		return l.store.DisableAccount(ctx, userID)
	})
	if err != nil {
		return err
	}
	l.logger.WithField("user_id", userID).Info("account disabled")
	return nil
}

// CurrentBalance returns the user's balance row.
func (l *Ledger) CurrentBalance(ctx context.Context, userID string) (models.AccountBalance, error) {
	var acct models.AccountBalance
	err := l.run(ctx, "get account", func() error {
		var err error
		acct, err = l.store.GetAccount(ctx, userID)
		return err
	})
	return acct, err
}

// Reserve debits amount from userID's balance and returns the reservation
// that must later be committed or released. When the balance is below amount
// it returns ErrInsufficientCredits and nothing changes.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64, toolName string) (models.Reservation, error) {
	if amount <= 0 {
		return models.Reservation{}, ErrInvalidAmount
	}

	r := models.Reservation{
		Token:     uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		ToolName:  toolName,
		Status:    models.ReservationPending,
		CreatedAt: l.now().UTC(),
	}

	err := l.run(ctx, "reserve", func() error {
		return l.store.ReserveCredits(ctx, r)
	})
	switch {
	case err == nil:
		l.metrics.Reservation("reserved")
	case errors.Is(err, ErrInsufficientCredits):
		l.metrics.Reservation("insufficient")
		return models.Reservation{}, err
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrAccountDisabled):
		l.metrics.Reservation("refused")
		return models.Reservation{}, err
	default:
		l.metrics.Reservation("error")
		return models.Reservation{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  amount,
		"tool":    toolName,
		"token":   r.Token,
	}).Debug("credits reserved")
	return r, nil
}

// Release returns a pending reservation to the balance. Releasing a token that
// is unknown, already released or already committed is a no-op.
func (l *Ledger) Release(ctx context.Context, token string) error {
	var released bool
	err := l.run(ctx, "release", func() error {
		var err error
		released, err = l.store.ReleaseReservation(ctx, token)
		return err
	})
	if err != nil {
		return err
	}
	if released {
		l.metrics.Release()
		l.logger.WithField("token", token).Debug("reservation released")
	}
	return nil
}

// Commit finalizes a reservation as spent and appends its usage entry in the
// same storage transaction. A second commit of the same token is a no-op and
// writes nothing. It reports whether this call performed the commit.
func (l *Ledger) Commit(ctx context.Context, token string, entry models.UsageEntry) (bool, error) {
	var committed bool
	err := l.run(ctx, "commit", func() error {
		var err error
		committed, err = l.store.CommitReservation(ctx, token, entry)
		return err
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

// WriteSubscription persists a subscription transition together with the
// refill it grants, so the balance is only reset when the record write wins.
// Refills overwrite the balance: billing refills are period resets, and
// reservations still pending at that moment are absorbed rather than credited
// back later. It reports false when the record write was rejected.
func (l *Ledger) WriteSubscription(ctx context.Context, w models.SubscriptionWrite) (bool, error) {
	if w.RefillBalance < 0 {
		return false, ErrInvalidAmount
	}

	var applied bool
	err := l.run(ctx, "write subscription", func() error {
		var err error
		applied, err = l.store.WriteSubscription(ctx, w)
		return err
	})
	if err != nil || !applied {
		return false, err
	}

	if w.RefillPlan != "" {
		l.refilled(w.Subscription.UserID, w.RefillPlan, w.RefillBalance)
	}
	return true, nil
}

// Refill overwrites the balance with newBalance and records plan, outside any
// subscription write. Repeated calls converge on the same state.
func (l *Ledger) Refill(ctx context.Context, userID string, newBalance int64, plan models.PlanID) (models.AccountBalance, error) {
	if newBalance < 0 {
		return models.AccountBalance{}, ErrInvalidAmount
	}

	var acct models.AccountBalance
	err := l.run(ctx, "refill", func() error {
		var err error
		acct, err = l.store.RefillCredits(ctx, userID, newBalance, plan)
		return err
	})
	if err != nil {
		return models.AccountBalance{}, err
	}
	l.refilled(userID, plan, newBalance)
	return acct, nil
}

func (l *Ledger) refilled(userID string, plan models.PlanID, balance int64) {
	l.metrics.Refill(string(plan))
	l.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"plan":    plan,
		"balance": balance,
	}).Info("credits refilled")
}

// SweepStale releases reservations left pending since before cutoff, which
// happens when a process dies between Reserve and Commit. It returns the
// number of reservations released.
func (l *Ledger) SweepStale(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	tokens, err := l.store.ListStaleReservations(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, token := range tokens {
		var ok bool
		err := l.run(ctx, "sweep release", func() error {
			var err error
			ok, err = l.store.ReleaseReservation(ctx, token)
			return err
		})
		if err != nil {
			return released, err
		}
		if ok {
			released++
			l.metrics.Release()
		}
	}
	if released > 0 {
		l.logger.WithField("released", released).Warn("released stale reservations")
	}
	return released, nil
}
