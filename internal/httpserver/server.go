package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/config"
	"github.com/PortNumber53/toolforge/backend/internal/handlers"
	"github.com/PortNumber53/toolforge/backend/internal/metrics"
	requesttracking "github.com/PortNumber53/toolforge/backend/internal/middleware"
	"github.com/PortNumber53/toolforge/backend/internal/worker"
)

// Deps are the collaborators the server routes to. Nil handlers are not mounted.
type Deps struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Ready   handlers.Pinger

	Webhook *handlers.WebhookHandler
	Billing *handlers.BillingHandler
	Tools   *handlers.ToolHandler
	Jobs    *handlers.JobHandler
	Worker  *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	logger     logrus.FieldLogger
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requesttracking.NewRequestTracker(deps.Metrics, logger).Middleware())
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health)
	if deps.Ready != nil {
		router.Get("/readyz", handlers.Ready(deps.Ready))
	}
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	if deps.Webhook != nil {
		deps.Webhook.RegisterRoutes(router)
	}
	if deps.Billing != nil {
		deps.Billing.RegisterRoutes(router)
	}
	if deps.Tools != nil {
		deps.Tools.RegisterRoutes(router)
	}
	if deps.Jobs != nil {
		deps.Jobs.RegisterRoutes(router)
	}

	writeTimeout := 15 * time.Second
	// Tool calls may run up to the gate timeout before the response is written.
	if cfg.ToolTimeout+5*time.Second > writeTimeout {
		writeTimeout = cfg.ToolTimeout + 5*time.Second
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, logger: logger.WithField("component", "server")}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info("starting job worker")
		s.worker.Start(ctx)
	}
	s.logger.WithField("addr", s.httpServer.Addr).Info("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		s.logger.Info("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.logger.WithError(werr).Error("worker shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
