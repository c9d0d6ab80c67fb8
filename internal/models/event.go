package models

import (
	"encoding/json"
	"time"
)

// EventName enumerates the billing events the entitlement core understands.
type EventName string

const (
	EventSubscriptionCreated   EventName = "subscription_created"
	EventSubscriptionUpdated   EventName = "subscription_updated"
	EventSubscriptionCancelled EventName = "subscription_cancelled"
	EventSubscriptionResumed   EventName = "subscription_resumed"
	EventSubscriptionExpired   EventName = "subscription_expired"
	EventPaymentSuccess        EventName = "payment_success"
	EventPaymentFailed         EventName = "payment_failed"
)

// BillingEvent is a verified, schema-checked webhook delivery.
type BillingEvent struct {
	// EventID is the provider-supplied id, empty when the provider sends none.
	EventID        string
	Name           EventName
	SubscriptionID string
	// DataID is the id of the object the event describes; for payment events
	// this is the invoice id rather than the subscription id.
	DataID     string
	UserID     string
	CustomerID string
	VariantID  string
	Status     string
	RenewsAt   *time.Time
	// Sequence orders events of one subscription (unix microseconds of the
	// provider's updated_at, falling back to receipt time).
	Sequence int64
	// ProviderSequence is false when Sequence came from receipt time and so
	// differs between deliveries of the same event.
	ProviderSequence bool
	Payload          json.RawMessage
	ReceivedAt       time.Time
}
