package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/logging"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/store/memory"
)

var testCatalog = Catalog{
	Allotments: map[models.PlanID]int64{
		models.PlanFree:     50,
		models.PlanPro:      1000,
		models.PlanBusiness: 5000,
	},
	Variants: map[string]models.PlanID{
		"v-pro":      models.PlanPro,
		"v-business": models.PlanBusiness,
	},
}

type recordingScheduler struct {
	mu      sync.Mutex
	notices []string
}

func (r *recordingScheduler) SchedulePaymentFailedNotice(_ context.Context, sub models.Subscription, _ models.BillingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, sub.SubscriptionID)
	return nil
}

// countingWriter counts applied refills. When race is set it runs once before
// the first write, standing in for another instance that commits in between
// the machine's read and its write.
type countingWriter struct {
	*ledger.Ledger
	mu    sync.Mutex
	calls int
	race  func()
	once  sync.Once
}

func (c *countingWriter) WriteSubscription(ctx context.Context, w models.SubscriptionWrite) (bool, error) {
	if c.race != nil {
		c.once.Do(c.race)
	}
	applied, err := c.Ledger.WriteSubscription(ctx, w)
	if err == nil && applied && w.RefillPlan != "" {
		c.mu.Lock()
		c.calls++
		c.mu.Unlock()
	}
	return applied, err
}

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	writer  *countingWriter
	notices *recordingScheduler
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	l := ledger.New(s, ledger.Options{Logger: logging.Discard()})
	writer := &countingWriter{Ledger: l}
	notices := &recordingScheduler{}
	return &fixture{
		store:   s,
		ledger:  l,
		writer:  writer,
		notices: notices,
		machine: NewMachine(s, writer, notices, testCatalog, Options{Logger: logging.Discard()}),
	}
}

func (f *fixture) balance(t *testing.T, userID string) models.AccountBalance {
	t.Helper()
	acct, err := f.ledger.CurrentBalance(context.Background(), userID)
	require.NoError(t, err)
	return acct
}

func (f *fixture) status(t *testing.T, subID string) models.SubscriptionStatus {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), subID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub.Status
}

var base = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func event(name models.EventName, subID string, step int) models.BillingEvent {
	return models.BillingEvent{
		Name:           name,
		SubscriptionID: subID,
		UserID:         "user-1",
		VariantID:      "v-pro",
		Sequence:       base.Add(time.Duration(step) * time.Minute).UnixMicro(),
	}
}

func TestCreatedRefillsToPlanAllotment(t *testing.T) {
	f := newFixture(t)

	res, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	assert.True(t, res.Refilled)
	assert.Equal(t, models.SubscriptionNone, res.From)
	assert.Equal(t, models.SubscriptionActive, f.status(t, "sub-1"))

	acct := f.balance(t, "user-1")
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, models.PlanPro, acct.Plan)
}

func TestCreatedTwiceIsIllegal(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)

	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 2))
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, 1, f.writer.calls)
}

func TestReplayedCreateAfterCancelStaysCancelled(t *testing.T) {
	f := newFixture(t)
	created := event(models.EventSubscriptionCreated, "sub-1", 1)

	_, err := f.machine.Apply(context.Background(), created)
	require.NoError(t, err)
	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCancelled, "sub-1", 2))
	require.NoError(t, err)

	_, err = f.machine.Apply(context.Background(), created)
	require.ErrorIs(t, err, ErrStaleEvent)
	assert.Equal(t, models.SubscriptionCancelled, f.status(t, "sub-1"))
}

func TestCancelDoesNotTouchLedger(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.ledger.Reserve(context.Background(), "user-1", 100, "t")
	require.NoError(t, err)

	res, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCancelled, "sub-1", 2))
	require.NoError(t, err)
	assert.False(t, res.Refilled)
	assert.Equal(t, int64(900), f.balance(t, "user-1").Balance)
}

func TestPaymentFailedThenSuccess(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.ledger.Reserve(context.Background(), "user-1", 400, "t")
	require.NoError(t, err)

	res, err := f.machine.Apply(context.Background(), event(models.EventPaymentFailed, "sub-1", 2))
	require.NoError(t, err)
	assert.False(t, res.Refilled)
	assert.Equal(t, models.SubscriptionPastDue, f.status(t, "sub-1"))
	assert.Equal(t, int64(600), f.balance(t, "user-1").Balance)
	assert.Equal(t, []string{"sub-1"}, f.notices.notices)

	res, err = f.machine.Apply(context.Background(), event(models.EventPaymentSuccess, "sub-1", 5))
	require.NoError(t, err)
	assert.True(t, res.Refilled)
	assert.Equal(t, models.SubscriptionActive, f.status(t, "sub-1"))
	assert.Equal(t, int64(1000), f.balance(t, "user-1").Balance)
}

func TestUpdatedRefillsOnlyOnPlanChange(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.ledger.Reserve(context.Background(), "user-1", 10, "t")
	require.NoError(t, err)

	same := event(models.EventSubscriptionUpdated, "sub-1", 2)
	renews := base.AddDate(0, 1, 0)
	same.RenewsAt = &renews
	res, err := f.machine.Apply(context.Background(), same)
	require.NoError(t, err)
	assert.False(t, res.Refilled)
	assert.Equal(t, int64(990), f.balance(t, "user-1").Balance)
	require.NotNil(t, res.Subscription.CurrentPeriodEnd)
	assert.Equal(t, renews, *res.Subscription.CurrentPeriodEnd)

	upgrade := event(models.EventSubscriptionUpdated, "sub-1", 3)
	upgrade.VariantID = "v-business"
	res, err = f.machine.Apply(context.Background(), upgrade)
	require.NoError(t, err)
	assert.True(t, res.Refilled)
	acct := f.balance(t, "user-1")
	assert.Equal(t, int64(5000), acct.Balance)
	assert.Equal(t, models.PlanBusiness, acct.Plan)

	downgrade := event(models.EventSubscriptionUpdated, "sub-1", 4)
	res, err = f.machine.Apply(context.Background(), downgrade)
	require.NoError(t, err)
	assert.True(t, res.Refilled)
	assert.Equal(t, int64(1000), f.balance(t, "user-1").Balance)
}

func TestUnknownVariantIsRejected(t *testing.T) {
	f := newFixture(t)
	ev := event(models.EventSubscriptionCreated, "sub-1", 1)
	ev.VariantID = "v-unknown"

	_, err := f.machine.Apply(context.Background(), ev)
	require.ErrorIs(t, err, ErrUnknownVariant)
	assert.Zero(t, f.writer.calls)
}

func TestIllegalTransitionsAreDropped(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.Apply(context.Background(), event(models.EventPaymentSuccess, "ghost", 1))
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionResumed, "sub-1", 2))
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionExpired, "sub-1", 3))
	require.ErrorIs(t, err, ErrIllegalTransition)

	assert.Equal(t, models.SubscriptionActive, f.status(t, "sub-1"))
	assert.Equal(t, 1, f.writer.calls)
}

func TestExpiredIsTerminalAndDropsToFree(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCancelled, "sub-1", 2))
	require.NoError(t, err)

	res, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionExpired, "sub-1", 3))
	require.NoError(t, err)
	assert.True(t, res.Refilled)
	acct := f.balance(t, "user-1")
	assert.Equal(t, int64(50), acct.Balance)
	assert.Equal(t, models.PlanFree, acct.Plan)

	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionResumed, "sub-1", 4))
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, models.SubscriptionExpired, f.status(t, "sub-1"))
}

func TestCreatedSupersedesOtherEntitledRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)

	second := event(models.EventSubscriptionCreated, "sub-2", 2)
	second.VariantID = "v-business"
	_, err = f.machine.Apply(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionExpired, f.status(t, "sub-1"))
	assert.Equal(t, models.SubscriptionActive, f.status(t, "sub-2"))
	assert.Equal(t, int64(5000), f.balance(t, "user-1").Balance)
}

func TestExpiringOldRecordKeepsNewerEntitlement(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCancelled, "sub-1", 2))
	require.NoError(t, err)

	second := event(models.EventSubscriptionCreated, "sub-2", 3)
	second.VariantID = "v-business"
	_, err = f.machine.Apply(context.Background(), second)
	require.NoError(t, err)

	res, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionExpired, "sub-1", 4))
	require.NoError(t, err)
	assert.False(t, res.Refilled)
	assert.Equal(t, int64(5000), f.balance(t, "user-1").Balance)

	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionResumed, "sub-1", 5))
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestResumeBlockedWhileAnotherRecordIsEntitled(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCancelled, "sub-1", 2))
	require.NoError(t, err)
	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-2", 3))
	require.NoError(t, err)

	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionResumed, "sub-1", 4))
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, models.SubscriptionCancelled, f.status(t, "sub-1"))
}

func TestEventLosingSequenceRaceDoesNotRefill(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.NoError(t, err)
	_, err = f.ledger.Reserve(context.Background(), "user-1", 900, "t")
	require.NoError(t, err)

	f.writer.race = func() {
		cancelled := models.Subscription{
			SubscriptionID:    "sub-1",
			UserID:            "user-1",
			VariantID:         "v-pro",
			PlanID:            models.PlanPro,
			Status:            models.SubscriptionCancelled,
			LastEventSequence: base.Add(10 * time.Minute).UnixMicro(),
		}
		_, err := f.ledger.WriteSubscription(context.Background(), models.SubscriptionWrite{Subscription: cancelled})
		require.NoError(t, err)
	}

	_, err = f.machine.Apply(context.Background(), event(models.EventPaymentSuccess, "sub-1", 5))
	require.ErrorIs(t, err, ErrStaleEvent)

	assert.Equal(t, int64(100), f.balance(t, "user-1").Balance)
	assert.Equal(t, models.SubscriptionCancelled, f.status(t, "sub-1"))
	assert.Equal(t, 1, f.writer.calls)
}

func TestCreateLosingInsertRaceDoesNotRefill(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.OpenAccount(context.Background(), "user-1", models.PlanFree, 50)
	require.NoError(t, err)

	f.writer.race = func() {
		other := models.Subscription{
			SubscriptionID:    "sub-1",
			UserID:            "user-1",
			VariantID:         "v-pro",
			PlanID:            models.PlanPro,
			Status:            models.SubscriptionCancelled,
			LastEventSequence: base.Add(2 * time.Minute).UnixMicro(),
		}
		_, err := f.ledger.WriteSubscription(context.Background(), models.SubscriptionWrite{Subscription: other, Create: true})
		require.NoError(t, err)
	}

	_, err = f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
	require.ErrorIs(t, err, ErrIllegalTransition)

	acct := f.balance(t, "user-1")
	assert.Equal(t, int64(50), acct.Balance)
	assert.Equal(t, models.PlanFree, acct.Plan)
	assert.Zero(t, f.writer.calls)
}

func TestConcurrentCreatesRefillOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.machine.Apply(context.Background(), event(models.EventSubscriptionCreated, "sub-1", 1))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrIllegalTransition)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.writer.calls)
	assert.Equal(t, int64(1000), f.balance(t, "user-1").Balance)
}
