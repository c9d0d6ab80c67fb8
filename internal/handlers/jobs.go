package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/store"
)

// JobAdmin defines the job queue operations exposed over HTTP. Satisfied by *worker.Worker.
type JobAdmin interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetQueueStats(ctx context.Context) (*models.JobStats, error)
}

// JobLister lists queued jobs. Satisfied by *store.JobStore.
type JobLister interface {
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListProcessingJobs(ctx context.Context) ([]*models.Job, error)
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	Admin  JobAdmin
	Lister JobLister
	Logger logrus.FieldLogger
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(admin JobAdmin, lister JobLister, logger logrus.FieldLogger) *JobHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JobHandler{Admin: admin, Lister: lister, Logger: logger.WithField("component", "jobs_api")}
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/jobs/stats", h.GetJobStats())
	router.Get("/api/jobs/pending", h.ListPendingJobs())
	router.Get("/api/jobs/processing", h.ListProcessingJobs())
	router.Get("/api/jobs/{id}", h.GetJob())
	router.Post("/api/jobs/{id}/cancel", h.CancelJob())
}

func jobID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// GetJob retrieves a job by ID
func (h *JobHandler) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(r)
		if !ok {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		job, err := h.Admin.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			h.Logger.WithError(err).WithField("job_id", id).Error("get job failed")
			http.Error(w, "failed to retrieve job", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, job, h.Logger)
	}
}

// CancelJob cancels a pending or failed job
func (h *JobHandler) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(r)
		if !ok {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		if err := h.Admin.CancelJob(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, store.ErrJobNotFound):
				http.Error(w, "job not found", http.StatusNotFound)
			case errors.Is(err, store.ErrJobNotCancellable):
				http.Error(w, "job cannot be cancelled", http.StatusConflict)
			default:
				h.Logger.WithError(err).WithField("job_id", id).Error("cancel job failed")
				http.Error(w, "failed to cancel job", http.StatusInternalServerError)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "message": "Job cancelled successfully"}, h.Logger)
	}
}

// GetJobStats returns statistics about the job queue
func (h *JobHandler) GetJobStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.Admin.GetQueueStats(r.Context())
		if err != nil {
			h.Logger.WithError(err).Error("get job stats failed")
			http.Error(w, "failed to retrieve job statistics", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats, h.Logger)
	}
}

// ListPendingJobs returns pending jobs
func (h *JobHandler) ListPendingJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= 1000 {
				limit = l
			}
		}

		jobs, err := h.Lister.ListPendingJobs(r.Context(), limit)
		if err != nil {
			h.Logger.WithError(err).Error("list pending jobs failed")
			http.Error(w, "failed to retrieve jobs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)}, h.Logger)
	}
}

// ListProcessingJobs returns currently processing jobs
func (h *JobHandler) ListProcessingJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := h.Lister.ListProcessingJobs(r.Context())
		if err != nil {
			h.Logger.WithError(err).Error("list processing jobs failed")
			http.Error(w, "failed to retrieve jobs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)}, h.Logger)
	}
}
