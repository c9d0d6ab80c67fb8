package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/toolforge/backend/internal/logging"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/store/memory"
)

func newTestLedger(t *testing.T, s Store) *Ledger {
	t.Helper()
	return New(s, Options{RetryMax: 3, RetryBaseDelay: time.Millisecond, Logger: logging.Discard()})
}

func openWith(t *testing.T, l *Ledger, userID string, balance int64) {
	t.Helper()
	_, err := l.OpenAccount(context.Background(), userID, models.PlanFree, balance)
	require.NoError(t, err)
}

func TestReserveDebitsBalanceAndTotalUsed(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 10)

	r, err := l.Reserve(context.Background(), "u1", 6, "blog_post")
	require.NoError(t, err)
	assert.NotEmpty(t, r.Token)
	assert.Equal(t, models.ReservationPending, r.Status)

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), acct.Balance)
	assert.Equal(t, int64(6), acct.TotalUsed)
}

func TestReserveInsufficientLeavesBalanceUntouched(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 5)

	_, err := l.Reserve(context.Background(), "u1", 6, "blog_post")
	require.ErrorIs(t, err, ErrInsufficientCredits)

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.Balance)
	assert.Zero(t, acct.TotalUsed)
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 5)

	_, err := l.Reserve(context.Background(), "u1", 0, "blog_post")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReserveRefusesDisabledAccount(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 50)
	require.NoError(t, l.Disable(context.Background(), "u1"))

	_, err := l.Reserve(context.Background(), "u1", 1, "blog_post")
	require.ErrorIs(t, err, ErrAccountDisabled)

	_, err = l.Reserve(context.Background(), "nobody", 1, "blog_post")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTwoConcurrentReservesOnlyOneSucceeds(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 10)

	var (
		wg           sync.WaitGroup
		ok, denied   atomic.Int32
		start        = make(chan struct{})
		unexpectedMu sync.Mutex
		unexpected   []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Reserve(context.Background(), "u1", 6, "blog_post")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				denied.Add(1)
			default:
				unexpectedMu.Lock()
				unexpected = append(unexpected, err)
				unexpectedMu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, unexpected)
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), denied.Load())

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), acct.Balance)
	assert.Equal(t, int64(6), acct.TotalUsed)
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	const (
		start   = 100
		cost    = 7
		callers = 64
	)
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", start)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(context.Background(), "u1", cost, "t"); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acct.Balance, int64(0))
	assert.LessOrEqual(t, succeeded.Load()*cost, int64(start))
	assert.Equal(t, int64(start)-succeeded.Load()*cost, acct.Balance)
	assert.Equal(t, succeeded.Load()*cost, acct.TotalUsed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 10)

	r, err := l.Reserve(context.Background(), "u1", 6, "blog_post")
	require.NoError(t, err)

	require.NoError(t, l.Release(context.Background(), r.Token))
	once, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, l.Release(context.Background(), r.Token))
	twice, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, int64(10), once.Balance)
	assert.Zero(t, once.TotalUsed)
	assert.Equal(t, once.Balance, twice.Balance)
	assert.Equal(t, once.TotalUsed, twice.TotalUsed)

	require.NoError(t, l.Release(context.Background(), "unknown-token"))
}

func TestReleaseAfterCommitIsNoop(t *testing.T) {
	s := memory.New()
	l := newTestLedger(t, s)
	openWith(t, l, "u1", 10)

	r, err := l.Reserve(context.Background(), "u1", 4, "blog_post")
	require.NoError(t, err)

	committed, err := l.Commit(context.Background(), r.Token, models.UsageEntry{OccurredAt: time.Now()})
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, l.Release(context.Background(), r.Token))

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), acct.Balance)

	again, err := l.Commit(context.Background(), r.Token, models.UsageEntry{OccurredAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, again)

	entries, err := s.ListUsage(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].CreditsCharged)
}

func proWrite(userID, subID string, seq int64, create bool) models.SubscriptionWrite {
	return models.SubscriptionWrite{
		Subscription: models.Subscription{
			SubscriptionID:    subID,
			UserID:            userID,
			PlanID:            models.PlanPro,
			Status:            models.SubscriptionActive,
			LastEventSequence: seq,
		},
		Create:        create,
		RefillPlan:    models.PlanPro,
		RefillBalance: 1000,
	}
}

func TestRefillOverwritesBalance(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 50)

	_, err := l.Reserve(context.Background(), "u1", 20, "t")
	require.NoError(t, err)

	acct, err := l.Refill(context.Background(), "u1", 1000, models.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, models.PlanPro, acct.Plan)
	assert.Equal(t, int64(20), acct.TotalUsed)

	_, err = l.Refill(context.Background(), "u1", -1, models.PlanPro)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWriteSubscriptionRefillOverwritesBalance(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 50)

	_, err := l.Reserve(context.Background(), "u1", 20, "t")
	require.NoError(t, err)

	applied, err := l.WriteSubscription(context.Background(), proWrite("u1", "sub-1", 1, true))
	require.NoError(t, err)
	assert.True(t, applied)

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, models.PlanPro, acct.Plan)
	assert.Equal(t, int64(20), acct.TotalUsed)

	bad := proWrite("u1", "sub-2", 1, true)
	bad.RefillBalance = -1
	_, err = l.WriteSubscription(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWriteSubscriptionRejectedWriteDoesNotRefill(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 50)

	applied, err := l.WriteSubscription(context.Background(), proWrite("u1", "sub-1", 10, true))
	require.NoError(t, err)
	require.True(t, applied)
	_, err = l.Reserve(context.Background(), "u1", 300, "t")
	require.NoError(t, err)

	applied, err = l.WriteSubscription(context.Background(), proWrite("u1", "sub-1", 10, true))
	require.NoError(t, err)
	assert.False(t, applied, "second create of the same record")

	applied, err = l.WriteSubscription(context.Background(), proWrite("u1", "sub-1", 5, false))
	require.NoError(t, err)
	assert.False(t, applied, "older sequence")

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), acct.Balance)
}

func TestReservationPendingAcrossRefill(t *testing.T) {
	s := memory.New()
	l := newTestLedger(t, s)
	openWith(t, l, "u1", 50)

	released, err := l.Reserve(context.Background(), "u1", 20, "t")
	require.NoError(t, err)
	committed, err := l.Reserve(context.Background(), "u1", 5, "t")
	require.NoError(t, err)

	_, err = l.WriteSubscription(context.Background(), proWrite("u1", "sub-1", 1, true))
	require.NoError(t, err)

	r, ok := s.Reservation(released.Token)
	require.True(t, ok)
	assert.Equal(t, models.ReservationAbsorbed, r.Status)

	require.NoError(t, l.Release(context.Background(), released.Token))
	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance, "release after refill must not exceed the allotment")
	assert.Equal(t, int64(5), acct.TotalUsed)

	ok, err = l.Commit(context.Background(), committed.Token, models.UsageEntry{OccurredAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)
	acct, err = l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance)

	entries, err := s.ListUsage(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].CreditsCharged)
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	l := newTestLedger(t, memory.New())
	openWith(t, l, "u1", 50)
	_, err := l.Reserve(context.Background(), "u1", 10, "t")
	require.NoError(t, err)

	acct, err := l.OpenAccount(context.Background(), "u1", models.PlanFree, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Balance)
}

func TestSweepStaleReleasesOldPendingReservations(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-time.Hour)
	l := New(s, Options{Logger: logging.Discard(), Now: func() time.Time { return clock }})
	openWith(t, l, "u1", 10)

	old, err := l.Reserve(context.Background(), "u1", 3, "t")
	require.NoError(t, err)
	clock = now
	fresh, err := l.Reserve(context.Background(), "u1", 2, "t")
	require.NoError(t, err)

	released, err := l.SweepStale(context.Background(), now.Add(-15*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	r, ok := s.Reservation(old.Token)
	require.True(t, ok)
	assert.Equal(t, models.ReservationReleased, r.Status)
	r, ok = s.Reservation(fresh.Token)
	require.True(t, ok)
	assert.Equal(t, models.ReservationPending, r.Status)

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), acct.Balance)
}

// conflictingStore fails the first n reserve calls with a storage conflict.
type conflictingStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (c *conflictingStore) ReserveCredits(ctx context.Context, r models.Reservation) error {
	c.calls.Add(1)
	if c.failures.Add(-1) >= 0 {
		return errors.Join(errors.New("could not serialize access"), ErrStorageConflict)
	}
	return c.Store.ReserveCredits(ctx, r)
}

func TestReserveRetriesStorageConflicts(t *testing.T) {
	s := &conflictingStore{Store: memory.New()}
	s.failures.Store(2)
	l := newTestLedger(t, s)
	openWith(t, l, "u1", 10)

	_, err := l.Reserve(context.Background(), "u1", 6, "t")
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestReserveSurfacesTransientAfterRetries(t *testing.T) {
	s := &conflictingStore{Store: memory.New()}
	s.failures.Store(100)
	l := newTestLedger(t, s)
	openWith(t, l, "u1", 10)

	_, err := l.Reserve(context.Background(), "u1", 6, "t")
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(4), s.calls.Load())

	acct, err := l.CurrentBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
}
