package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/dispatch"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/webhook"
)

// maxWebhookBody caps a webhook payload.
const maxWebhookBody = 1 << 20

// EventAdmitter routes a verified billing event. Satisfied by *dispatch.Dispatcher.
type EventAdmitter interface {
	Admit(ctx context.Context, ev models.BillingEvent) (dispatch.Outcome, error)
}

// WebhookHandler receives billing provider webhooks.
type WebhookHandler struct {
	Dispatcher EventAdmitter
	Secret     string
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(d EventAdmitter, secret string, logger logrus.FieldLogger) *WebhookHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookHandler{
		Dispatcher: d,
		Secret:     secret,
		Logger:     logger.WithField("component", "webhook"),
		Now:        time.Now,
	}
}

// RegisterRoutes registers the webhook route.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/billing", h.HandleWebhook())
}

// HandleWebhook verifies the signature over the raw body before anything is
// parsed. Payloads that can never succeed are acknowledged with 200 so the
// provider stops retrying; storage failures answer 500 so it retries later.
func (h *WebhookHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		signature := r.Header.Get(webhook.SignatureHeader)
		if !webhook.Verify(body, signature, h.Secret) {
			h.Logger.WithFields(logrus.Fields{
				"remote_addr":   r.RemoteAddr,
				"has_signature": signature != "",
			}).Warn("webhook signature rejected")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		ev, err := webhook.ParseEvent(body, h.Now())
		switch {
		case errors.Is(err, webhook.ErrUnknownEvent):
			h.Logger.WithError(err).Info("unhandled webhook event acknowledged")
			writeJSON(w, http.StatusOK, map[string]any{"received": true}, h.Logger)
			return
		case err != nil:
			h.Logger.WithError(err).Error("malformed webhook payload acknowledged")
			writeJSON(w, http.StatusOK, map[string]any{"received": true}, h.Logger)
			return
		}

		outcome, err := h.Dispatcher.Admit(r.Context(), ev)
		if err != nil {
			h.Logger.WithError(err).WithFields(logrus.Fields{
				"event":           ev.Name,
				"subscription_id": ev.SubscriptionID,
			}).Error("webhook processing failed")
			http.Error(w, "failed to process event", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome}, h.Logger)
	}
}
