package models

import "time"

// PlanID identifies an entitlement tier.
type PlanID string

const (
	PlanFree     PlanID = "free"
	PlanPro      PlanID = "pro"
	PlanBusiness PlanID = "business"
)

// Valid reports whether p is one of the known plan tiers.
func (p PlanID) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanBusiness:
		return true
	}
	return false
}

// SubscriptionStatus is the lifecycle state of a subscription record.
type SubscriptionStatus string

const (
	SubscriptionNone      SubscriptionStatus = ""
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Entitled reports whether the status counts towards the one-live-subscription
// per user rule.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionActive || s == SubscriptionPastDue
}

// AccountBalance is the authoritative credit row for a user.
type AccountBalance struct {
	UserID     string     `json:"user_id"`
	Balance    int64      `json:"balance"`
	TotalUsed  int64      `json:"total_used"`
	Plan       PlanID     `json:"plan"`
	Version    int64      `json:"version"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Subscription mirrors the billing provider's view of a subscription.
type Subscription struct {
	SubscriptionID    string             `json:"subscription_id"`
	UserID            string             `json:"user_id"`
	CustomerID        string             `json:"customer_id"`
	VariantID         string             `json:"variant_id"`
	PlanID            PlanID             `json:"plan_id"`
	Status            SubscriptionStatus `json:"status"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
	LastEventSequence int64              `json:"last_event_sequence"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// SubscriptionWrite is one transition persisted in a single transaction: the
// record insert (Create) or sequence-guarded update, and, when RefillPlan is
// set, the balance reset the transition grants. A create also expires the
// user's other entitled records.
type SubscriptionWrite struct {
	Subscription  Subscription
	Create        bool
	RefillPlan    PlanID
	RefillBalance int64
}

// ReservationStatus tracks a pending debit.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	// ReservationAbsorbed marks a pending reservation whose debit was
	// overwritten by a refill. Releasing it credits nothing back.
	ReservationAbsorbed ReservationStatus = "absorbed"
)

// Unsettled reports whether the reservation can still be committed or
// released.
func (s ReservationStatus) Unsettled() bool {
	return s == ReservationPending || s == ReservationAbsorbed
}

// Reservation is a debit taken before metered work starts.
type Reservation struct {
	Token     string            `json:"token"`
	UserID    string            `json:"user_id"`
	Amount    int64             `json:"amount"`
	ToolName  string            `json:"tool_name"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SettledAt *time.Time        `json:"settled_at,omitempty"`
}

// UsageEntry is the immutable audit row for one completed metered call.
type UsageEntry struct {
	ID               int64     `json:"id"`
	ReservationToken string    `json:"-"`
	UserID           string    `json:"user_id"`
	ToolName         string    `json:"tool_name"`
	CreditsCharged   int64     `json:"credits_charged"`
	InputPreview     string    `json:"input_preview"`
	OutputPreview    string    `json:"output_preview"`
	OccurredAt       time.Time `json:"occurred_at"`
}
