// Package memory is an in-process implementation of the entitlement store.
// A single mutex stands in for the row-level atomicity Postgres provides, so
// every method behaves like one conditional statement or one transaction.
// It backs tests and local development; it is not shared between processes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/store"
)

// Store holds every table in maps guarded by mu.
type Store struct {
	mu sync.Mutex

	accounts      map[string]*models.AccountBalance
	reservations  map[string]*models.Reservation
	subscriptions map[string]*models.Subscription
	fingerprints  map[string]time.Time
	usage         []models.UsageEntry
	nextUsageID   int64

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:      make(map[string]*models.AccountBalance),
		reservations:  make(map[string]*models.Reservation),
		subscriptions: make(map[string]*models.Subscription),
		fingerprints:  make(map[string]time.Time),
		now:           time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) OpenAccount(_ context.Context, userID string, plan models.PlanID, balance int64) (models.AccountBalance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[userID]; ok {
		return *acct, false, nil
	}
	acct := &models.AccountBalance{UserID: userID, Balance: balance, Plan: plan, Version: 1, UpdatedAt: s.now()}
	s.accounts[userID] = acct
	return *acct, true, nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (models.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return models.AccountBalance{}, store.ErrAccountNotFound
	}
	return *acct, nil
}

func (s *Store) DisableAccount(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if acct.DisabledAt == nil {
		now := s.now()
		acct.DisabledAt = &now
	}
	acct.Version++
	acct.UpdatedAt = s.now()
	return nil
}

func (s *Store) ReserveCredits(_ context.Context, r models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[r.UserID]
	switch {
	case !ok:
		return store.ErrAccountNotFound
	case acct.DisabledAt != nil:
		return store.ErrAccountDisabled
	case acct.Balance < r.Amount:
		return store.ErrInsufficientCredits
	}

	acct.Balance -= r.Amount
	acct.TotalUsed += r.Amount
	acct.Version++
	acct.UpdatedAt = s.now()

	r.Status = models.ReservationPending
	s.reservations[r.Token] = &r
	return nil
}

func (s *Store) ReleaseReservation(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok || !r.Status.Unsettled() {
		return false, nil
	}
	refund := r.Amount
	if r.Status == models.ReservationAbsorbed {
		refund = 0
	}
	now := s.now()
	r.Status = models.ReservationReleased
	r.SettledAt = &now

	if acct, ok := s.accounts[r.UserID]; ok {
		acct.Balance += refund
		acct.TotalUsed -= r.Amount
		acct.Version++
		acct.UpdatedAt = now
	}
	return true, nil
}

func (s *Store) CommitReservation(_ context.Context, token string, entry models.UsageEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok || !r.Status.Unsettled() {
		return false, nil
	}
	now := s.now()
	r.Status = models.ReservationCommitted
	r.SettledAt = &now

	s.nextUsageID++
	entry.ID = s.nextUsageID
	entry.ReservationToken = token
	entry.UserID = r.UserID
	entry.ToolName = r.ToolName
	entry.CreditsCharged = r.Amount
	s.usage = append(s.usage, entry)
	return true, nil
}

func (s *Store) RefillCredits(_ context.Context, userID string, newBalance int64, plan models.PlanID) (models.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refill(userID, newBalance, plan), nil
}

// refill must be called with mu held.
func (s *Store) refill(userID string, newBalance int64, plan models.PlanID) models.AccountBalance {
	for _, r := range s.reservations {
		if r.UserID == userID && r.Status == models.ReservationPending {
			r.Status = models.ReservationAbsorbed
		}
	}

	acct, ok := s.accounts[userID]
	if !ok {
		acct = &models.AccountBalance{UserID: userID}
		s.accounts[userID] = acct
	}
	acct.Balance = newBalance
	acct.Plan = plan
	acct.Version++
	acct.UpdatedAt = s.now()
	return *acct
}

func (s *Store) ListStaleReservations(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.Reservation
	for _, r := range s.reservations {
		if r.Status.Unsettled() && r.CreatedAt.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	tokens := make([]string, 0, len(stale))
	for _, r := range stale {
		tokens = append(tokens, r.Token)
	}
	return tokens, nil
}

// Reservation returns a copy of the reservation for token.
func (s *Store) Reservation(token string) (models.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[token]
	if !ok {
		return models.Reservation{}, false
	}
	return *r, true
}

func (s *Store) ListUsage(_ context.Context, userID string, limit int) ([]models.UsageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageEntry
	for i := len(s.usage) - 1; i >= 0; i-- {
		if s.usage[i].UserID != userID {
			continue
		}
		out = append(out, s.usage[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetSubscription(_ context.Context, subscriptionID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) GetEntitledSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || !sub.Status.Entitled() {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *Store) LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	if sub, err := s.GetEntitledSubscription(ctx, userID); sub != nil || err != nil {
		return sub, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && (best == nil || sub.UpdatedAt.After(best.UpdatedAt)) {
			best = sub
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *Store) WriteSubscription(_ context.Context, w models.SubscriptionWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := w.Subscription
	now := s.now()
	cur, exists := s.subscriptions[sub.SubscriptionID]
	switch {
	case w.Create && exists:
		return false, nil
	case w.Create:
		sub.CreatedAt = now
		sub.UpdatedAt = now
		s.subscriptions[sub.SubscriptionID] = &sub
		for id, other := range s.subscriptions {
			if id != sub.SubscriptionID && other.UserID == sub.UserID && other.Status.Entitled() {
				other.Status = models.SubscriptionExpired
				other.UpdatedAt = now
			}
		}
	case !exists || cur.LastEventSequence > sub.LastEventSequence:
		return false, nil
	default:
		cur.CustomerID = sub.CustomerID
		cur.VariantID = sub.VariantID
		cur.PlanID = sub.PlanID
		cur.Status = sub.Status
		cur.CurrentPeriodEnd = sub.CurrentPeriodEnd
		cur.LastEventSequence = sub.LastEventSequence
		cur.UpdatedAt = now
	}

	if w.RefillPlan != "" {
		s.refill(sub.UserID, w.RefillBalance, w.RefillPlan)
	}
	return true, nil
}

func (s *Store) RememberFingerprint(_ context.Context, fp, _, _ string, receivedAt, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seen, ok := s.fingerprints[fp]; ok && !seen.Before(cutoff) {
		return false, nil
	}
	s.fingerprints[fp] = receivedAt
	return true, nil
}

func (s *Store) ForgetFingerprint(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.fingerprints, fp)
	return nil
}

func (s *Store) PurgeFingerprints(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for fp, at := range s.fingerprints {
		if at.Before(cutoff) {
			delete(s.fingerprints, fp)
			n++
		}
	}
	return n, nil
}
