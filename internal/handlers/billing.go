package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/models"
)

// AccountLedger is the account half of *ledger.Ledger.
type AccountLedger interface {
	OpenAccount(ctx context.Context, userID string, plan models.PlanID, balance int64) (models.AccountBalance, error)
	Disable(ctx context.Context, userID string) error
	CurrentBalance(ctx context.Context, userID string) (models.AccountBalance, error)
}

// UsageHistory lists a user's usage entries. Satisfied by *usage.Recorder.
type UsageHistory interface {
	History(ctx context.Context, userID string, limit int) ([]models.UsageEntry, error)
}

// SubscriptionLookup returns a user's current subscription record, nil when none.
type SubscriptionLookup interface {
	LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// BillingHandler serves account, credit, usage and subscription reads.
type BillingHandler struct {
	Ledger        AccountLedger
	Usage         UsageHistory
	Subscriptions SubscriptionLookup
	FreeAllotment int64
	Logger        logrus.FieldLogger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(l AccountLedger, u UsageHistory, subs SubscriptionLookup, freeAllotment int64, logger logrus.FieldLogger) *BillingHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BillingHandler{
		Ledger:        l,
		Usage:         u,
		Subscriptions: subs,
		FreeAllotment: freeAllotment,
		Logger:        logger.WithField("component", "billing_api"),
	}
}

// RegisterRoutes registers account and credit routes.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/accounts", h.OpenAccount())
	router.Post("/api/accounts/{userID}/disable", h.DisableAccount())
	router.Get("/api/credits/{userID}", h.GetCredits())
	router.Get("/api/usage/{userID}", h.GetUsage())
	router.Get("/api/subscriptions/{userID}", h.GetSubscription())
}

type openAccountRequest struct {
	UserID string `json:"user_id"`
}

// OpenAccount opens a free-plan account. Repeating it returns the existing account.
func (h *BillingHandler) OpenAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		acct, err := h.Ledger.OpenAccount(r.Context(), req.UserID, models.PlanFree, h.FreeAllotment)
		if err != nil {
			h.Logger.WithError(err).WithField("user_id", req.UserID).Error("open account failed")
			http.Error(w, "failed to open account", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, acct, h.Logger)
	}
}

// DisableAccount soft-disables an account.
func (h *BillingHandler) DisableAccount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if err := h.Ledger.Disable(r.Context(), userID); err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				http.Error(w, "account not found", http.StatusNotFound)
				return
			}
			h.Logger.WithError(err).WithField("user_id", userID).Error("disable account failed")
			http.Error(w, "failed to disable account", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "disabled": true}, h.Logger)
	}
}

// GetCredits returns the user's balance, total usage and plan.
func (h *BillingHandler) GetCredits() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		acct, err := h.Ledger.CurrentBalance(r.Context(), userID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				http.Error(w, "account not found", http.StatusNotFound)
				return
			}
			h.Logger.WithError(err).WithField("user_id", userID).Error("get credits failed")
			http.Error(w, "failed to retrieve credits", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, acct, h.Logger)
	}
}

// GetUsage returns the user's usage audit trail, newest first.
func (h *BillingHandler) GetUsage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= 200 {
				limit = l
			}
		}

		entries, err := h.Usage.History(r.Context(), userID, limit)
		if err != nil {
			h.Logger.WithError(err).WithField("user_id", userID).Error("list usage failed")
			http.Error(w, "failed to retrieve usage", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)}, h.Logger)
	}
}

// GetSubscription returns the user's current entitlement record.
func (h *BillingHandler) GetSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		sub, err := h.Subscriptions.LatestSubscription(r.Context(), userID)
		if err != nil {
			h.Logger.WithError(err).WithField("user_id", userID).Error("get subscription failed")
			http.Error(w, "failed to retrieve subscription", http.StatusInternalServerError)
			return
		}
		if sub == nil {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, sub, h.Logger)
	}
}
