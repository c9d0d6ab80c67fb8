package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/toolforge/backend/internal/models"
)

var (
	// ErrMalformedEvent marks a payload that can never be processed. It is
	// acknowledged so the provider stops retrying.
	ErrMalformedEvent = errors.New("webhook: malformed event")
	// ErrUnknownEvent marks a well-formed payload with an event name this
	// service does not handle.
	ErrUnknownEvent = errors.New("webhook: unknown event")
)

// eventAliases maps provider event names onto the handled set.
var eventAliases = map[string]models.EventName{
	"subscription_created":         models.EventSubscriptionCreated,
	"subscription_updated":         models.EventSubscriptionUpdated,
	"subscription_cancelled":       models.EventSubscriptionCancelled,
	"subscription_resumed":         models.EventSubscriptionResumed,
	"subscription_expired":         models.EventSubscriptionExpired,
	"payment_success":              models.EventPaymentSuccess,
	"payment_failed":               models.EventPaymentFailed,
	"subscription_payment_success": models.EventPaymentSuccess,
	"subscription_payment_failed":  models.EventPaymentFailed,
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*f = flexString(n.String())
	}
	return nil
}

type envelope struct {
	Meta struct {
		EventName  string `json:"event_name"`
		EventID    string `json:"event_id"`
		CustomData struct {
			UserID flexString `json:"user_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         flexString `json:"id"`
		Attributes struct {
			SubscriptionID flexString `json:"subscription_id"`
			CustomerID     flexString `json:"customer_id"`
			VariantID      flexString `json:"variant_id"`
			Status         string     `json:"status"`
			RenewsAt       string     `json:"renews_at"`
			EndsAt         string     `json:"ends_at"`
			CreatedAt      string     `json:"created_at"`
			UpdatedAt      string     `json:"updated_at"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseEvent decodes a verified body into a BillingEvent. It returns
// ErrUnknownEvent for event names outside the handled set and
// ErrMalformedEvent when required fields are missing or unparsable.
func ParseEvent(rawBody []byte, receivedAt time.Time) (models.BillingEvent, error) {
	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return models.BillingEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	rawName := strings.TrimSpace(env.Meta.EventName)
	if rawName == "" {
		return models.BillingEvent{}, fmt.Errorf("%w: missing meta.event_name", ErrMalformedEvent)
	}
	name, ok := eventAliases[rawName]
	if !ok {
		return models.BillingEvent{}, fmt.Errorf("%w: %s", ErrUnknownEvent, rawName)
	}

	attrs := env.Data.Attributes
	ev := models.BillingEvent{
		EventID:    strings.TrimSpace(env.Meta.EventID),
		Name:       name,
		DataID:     string(env.Data.ID),
		UserID:     string(env.Meta.CustomData.UserID),
		CustomerID: string(attrs.CustomerID),
		VariantID:  string(attrs.VariantID),
		Status:     strings.TrimSpace(attrs.Status),
		Payload:    json.RawMessage(append([]byte(nil), rawBody...)),
		ReceivedAt: receivedAt.UTC(),
	}

	switch name {
	case models.EventPaymentSuccess, models.EventPaymentFailed:
		// data is the invoice; the subscription is referenced by attribute.
		ev.SubscriptionID = string(attrs.SubscriptionID)
	default:
		ev.SubscriptionID = string(env.Data.ID)
	}
	if ev.SubscriptionID == "" {
		return models.BillingEvent{}, fmt.Errorf("%w: missing subscription id", ErrMalformedEvent)
	}

	switch name {
	case models.EventSubscriptionCreated:
		if ev.UserID == "" {
			return models.BillingEvent{}, fmt.Errorf("%w: missing meta.custom_data.user_id", ErrMalformedEvent)
		}
		if ev.VariantID == "" {
			return models.BillingEvent{}, fmt.Errorf("%w: missing variant_id", ErrMalformedEvent)
		}
	case models.EventSubscriptionUpdated:
		if ev.VariantID == "" {
			return models.BillingEvent{}, fmt.Errorf("%w: missing variant_id", ErrMalformedEvent)
		}
	}

	periodEnd := attrs.RenewsAt
	if periodEnd == "" {
		periodEnd = attrs.EndsAt
	}
	if periodEnd != "" {
		t, err := parseTime(periodEnd)
		if err != nil {
			return models.BillingEvent{}, fmt.Errorf("%w: renews_at: %v", ErrMalformedEvent, err)
		}
		ev.RenewsAt = &t
	}

	ev.Sequence = ev.ReceivedAt.UnixMicro()
	for _, raw := range []string{attrs.UpdatedAt, attrs.CreatedAt} {
		if raw == "" {
			continue
		}
		t, err := parseTime(raw)
		if err != nil {
			return models.BillingEvent{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedEvent, err)
		}
		ev.Sequence = t.UnixMicro()
		ev.ProviderSequence = true
		break
	}

	return ev, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", raw)
}
