package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/config"
	"github.com/PortNumber53/toolforge/backend/internal/dispatch"
	"github.com/PortNumber53/toolforge/backend/internal/gate"
	"github.com/PortNumber53/toolforge/backend/internal/handlers"
	"github.com/PortNumber53/toolforge/backend/internal/httpserver"
	"github.com/PortNumber53/toolforge/backend/internal/inference"
	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/logging"
	"github.com/PortNumber53/toolforge/backend/internal/metrics"
	"github.com/PortNumber53/toolforge/backend/internal/migrations"
	"github.com/PortNumber53/toolforge/backend/internal/models"
	"github.com/PortNumber53/toolforge/backend/internal/notify"
	"github.com/PortNumber53/toolforge/backend/internal/store"
	"github.com/PortNumber53/toolforge/backend/internal/subscription"
	"github.com/PortNumber53/toolforge/backend/internal/usage"
	"github.com/PortNumber53/toolforge/backend/internal/worker"
)

const (
	jobRetention      = 7 * 24 * time.Hour
	sweepInterval     = time.Minute
	purgeInterval     = time.Hour
	inferenceRetries  = 4
	inferenceBaseWait = 2 * time.Second
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel)
	log := logger.WithField("service", "toolforge-backend")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	logDBTarget(log, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, log); err != nil {
		log.WithError(err).Fatal("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.WithError(err).Fatal("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.WithError(err).Fatal("failed to create job store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fingerprints, closeFingerprints := newFingerprintStore(cfg, st, log)
	defer closeFingerprints()

	jobWorker := worker.New(worker.Config{MaxConcurrent: cfg.WorkerConcurrency}, jobStore, log)
	jobWorker.SetInstrumentation(&worker.Instrumentation{
		OnComplete: func(job *models.Job, _ time.Duration) { m.Job(job.JobType, "completed") },
		OnFail:     func(job *models.Job, _ error, _ time.Duration) { m.Job(job.JobType, "failed") },
		OnRetry:    func(job *models.Job, _ time.Duration) { m.Job(job.JobType, "retried") },
		OnCancel:   func(job *models.Job) { m.Job(job.JobType, "cancelled") },
	})

	l := ledger.New(st, ledger.Options{
		RetryMax:       cfg.StorageRetryMax,
		RetryBaseDelay: cfg.StorageRetryBaseDelay,
		Logger:         log,
		Metrics:        m,
	})
	recorder := usage.NewRecorder(l, st, usage.DefaultPreviewRunes, log)
	machine := subscription.NewMachine(st, l, jobWorker, subscription.Catalog{
		Allotments: cfg.PlanAllotments,
		Variants:   cfg.VariantPlans,
	}, subscription.Options{
		RetryMax:       cfg.StorageRetryMax,
		RetryBaseDelay: cfg.StorageRetryBaseDelay,
		Logger:         log,
	})
	dispatcher := dispatch.New(fingerprints, st, machine, log, m)

	var notifier notify.Notifier = notify.LogNotifier{Logger: log}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, nil)
	}
	billingDeps := worker.BillingDeps{
		Notifier:             notifier,
		Ledger:               l,
		Jobs:                 jobStore,
		ReservationTTL:       cfg.ReservationTTL,
		FingerprintRetention: cfg.FingerprintRetention,
		JobRetention:         jobRetention,
	}
	// Redis fingerprints expire by TTL; only the table needs purging.
	if cfg.FingerprintStore == "postgres" {
		billingDeps.Fingerprints = st
	}
	worker.RegisterBillingJobs(jobWorker, billingDeps)
	jobWorker.Every(models.JobReservationSweep, sweepInterval)
	jobWorker.Every(models.JobFingerprintPurge, purgeInterval)

	generator := inference.NewClient(inference.Config{
		BaseURL:    cfg.InferenceBaseURL,
		APIToken:   cfg.InferenceAPIToken,
		Model:      cfg.InferenceModel,
		MaxRetries: inferenceRetries,
		BaseDelay:  inferenceBaseWait,
	})

	if cfg.WebhookSecret == "" {
		log.Warn("BILLING_WEBHOOK_SECRET is empty; every billing webhook will be rejected")
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		Logger:  log,
		Metrics: m,
		Ready:   st,
		Webhook: handlers.NewWebhookHandler(dispatcher, cfg.WebhookSecret, log),
		Billing: handlers.NewBillingHandler(l, recorder, st, cfg.Allotment(models.PlanFree), log),
		Tools:   handlers.NewToolHandler(gate.New(l, recorder, cfg.ToolTimeout, log), generator, cfg, log),
		Jobs:    handlers.NewJobHandler(jobWorker, jobStore, log),
		Worker:  jobWorker,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}()

	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func newFingerprintStore(cfg config.Config, st *store.Store, log logrus.FieldLogger) (dispatch.FingerprintStore, func()) {
	if cfg.FingerprintStore != "redis" {
		return dispatch.NewTableFingerprints(st, cfg.FingerprintRetention), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid REDIS_URL")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("failed to ping redis")
	}
	log.WithField("addr", opts.Addr).Info("webhook fingerprints stored in redis")

	return dispatch.NewRedisFingerprints(client, cfg.FingerprintRetention), func() {
		_ = client.Close()
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, log logrus.FieldLogger) error {
	err := migrations.Up(db, log)
	if err == nil || !migrations.IsDirty(err) {
		return err
	}

	log.WithError(err).Warn("migrations: dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db, log); fixErr != nil {
		log.WithError(fixErr).Error("migrations: failed to fix dirty database")
		return err
	}
	return migrations.Up(db, log)
}

func logDBTarget(log logrus.FieldLogger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.WithError(err).WithField("db", name).Info("db configured (dsn parse error)")
		return
	}
	log.WithFields(logrus.Fields{
		"db":       name,
		"host":     u.Hostname(),
		"database": strings.TrimPrefix(u.Path, "/"),
	}).Info("db configured")
}
