package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/gate"
	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/models"
)

// transientRetryAfter is the Retry-After hint, in seconds, sent when the
// ledger gave up on storage conflicts.
const transientRetryAfter = "1"

// Admitter runs metered work. Satisfied by *gate.Gate.
type Admitter interface {
	Charge(ctx context.Context, req gate.ChargeRequest, work gate.Work) (gate.Result, error)
}

// Generator produces text for a prompt. Satisfied by *inference.Client.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxNewTokens int) (string, error)
}

// ToolCatalog lists and prices the tools that may be run.
type ToolCatalog interface {
	HasTool(tool string) bool
	ToolCost(tool string) int64
	ToolNames() []string
}

// ToolHandler serves the metered tool endpoint.
type ToolHandler struct {
	Gate         Admitter
	Generator    Generator
	Catalog      ToolCatalog
	MaxNewTokens int
	Logger       logrus.FieldLogger
}

// NewToolHandler creates a ToolHandler.
func NewToolHandler(g Admitter, gen Generator, catalog ToolCatalog, logger logrus.FieldLogger) *ToolHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ToolHandler{
		Gate:         g,
		Generator:    gen,
		Catalog:      catalog,
		MaxNewTokens: 512,
		Logger:       logger.WithField("component", "tools_api"),
	}
}

// RegisterRoutes registers tool routes.
func (h *ToolHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/tools", h.ListTools())
	router.Post("/api/tools/{tool}", h.RunTool())
}

type toolInfo struct {
	Name string `json:"name"`
	Cost int64  `json:"cost"`
}

// ListTools returns the configured tools and their costs.
func (h *ToolHandler) ListTools() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := h.Catalog.ToolNames()
		tools := make([]toolInfo, 0, len(names))
		for _, name := range names {
			tools = append(tools, toolInfo{Name: name, Cost: h.Catalog.ToolCost(name)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": tools}, h.Logger)
	}
}

type runToolRequest struct {
	UserID string `json:"user_id"`
	Input  string `json:"input"`
}

type runToolResponse struct {
	Output         string            `json:"output"`
	CreditsCharged int64             `json:"credits_charged"`
	Entry          models.UsageEntry `json:"usage"`
}

// RunTool charges the user for one generation and returns its output. Denied
// calls answer 403 with the denial reason; failed generations cost nothing.
// Tools outside the catalog answer 404 and are never charged.
func (h *ToolHandler) RunTool() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tool := chi.URLParam(r, "tool")
		if !h.Catalog.HasTool(tool) {
			http.Error(w, "unknown tool", http.StatusNotFound)
			return
		}

		var req runToolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		if req.UserID == "" || strings.TrimSpace(req.Input) == "" {
			http.Error(w, "user_id and input are required", http.StatusBadRequest)
			return
		}

		result, err := h.Gate.Charge(r.Context(), gate.ChargeRequest{
			UserID:   req.UserID,
			ToolName: tool,
			Cost:     h.Catalog.ToolCost(tool),
			Input:    req.Input,
		}, func(ctx context.Context) (string, error) {
			return h.Generator.Generate(ctx, req.Input, h.MaxNewTokens)
		})
		if err != nil {
			log := h.Logger.WithError(err).WithFields(logrus.Fields{"user_id": req.UserID, "tool": tool})
			if errors.Is(err, gate.ErrWorkTimeout) {
				log.Warn("tool call timed out")
				http.Error(w, "tool call timed out", http.StatusGatewayTimeout)
				return
			}
			if errors.Is(err, ledger.ErrTransient) {
				log.Warn("ledger busy, asking caller to retry")
				w.Header().Set("Retry-After", transientRetryAfter)
				http.Error(w, "credit ledger busy, retry the request", http.StatusServiceUnavailable)
				return
			}
			log.Error("tool call failed")
			http.Error(w, "tool call failed", http.StatusBadGateway)
			return
		}

		if !result.Allowed {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": result.Reason}, h.Logger)
			return
		}

		writeJSON(w, http.StatusOK, runToolResponse{
			Output:         result.Output,
			CreditsCharged: result.Entry.CreditsCharged,
			Entry:          result.Entry,
		}, h.Logger)
	}
}
