// Package notify delivers user-facing billing notices.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
)

// Notice is a payment-failed notification.
type Notice struct {
	Kind           string    `json:"kind"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier sends a notice.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier only logs notices. Used when no delivery endpoint is configured.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) error {
	l.Logger.WithFields(logrus.Fields{
		"kind":            n.Kind,
		"user_id":         n.UserID,
		"subscription_id": n.SubscriptionID,
	}).Warn("billing notice")
	return nil
}

// WebhookNotifier posts notices as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	executor failsafe.Executor[*http.Response]
}

// NewWebhookNotifier returns a notifier that retries 5xx and transport errors
// a few times before giving up; the job queue retries beyond that.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	policy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp == nil || resp.StatusCode >= 500
		}).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()
	return &WebhookNotifier{url: url, client: client, executor: failsafe.With[*http.Response](policy)}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	resp, err := w.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err == nil && resp.StatusCode >= 500 {
			_ = resp.Body.Close()
		}
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("deliver notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver notice: status %d", resp.StatusCode)
	}
	return nil
}
