package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/toolforge/backend/internal/config"
	"github.com/PortNumber53/toolforge/backend/internal/ledger"
	"github.com/PortNumber53/toolforge/backend/internal/logging"
	"github.com/PortNumber53/toolforge/backend/internal/migrations"
	"github.com/PortNumber53/toolforge/backend/internal/store"
)

const usage = "usage: %s [fix|force <version>|status|purge-fingerprints|sweep-reservations]"

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	log := logging.New(cfg.LogLevel).WithField("service", "toolforge-dbtool")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}

	if len(os.Args) < 2 {
		log.Info("applying migrations")
		if err := migrations.Up(db, log); err != nil {
			log.WithError(err).Fatal("failed to apply migrations")
		}
		return
	}

	switch os.Args[1] {
	case "fix":
		if err := migrations.FixDirtyDatabase(db, log); err != nil {
			log.WithError(err).Fatal("failed to fix dirty database")
		}
		log.Info("database fixed")

	case "force":
		if len(os.Args) < 3 {
			log.Fatalf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}
		if err := migrations.ForceVersion(db, v); err != nil {
			log.WithError(err).Fatal("failed to force version")
		}
		log.WithField("version", v).Info("database version forced")

	case "status":
		v, dirty, err := migrations.Status(db)
		if err != nil {
			log.WithError(err).Fatal("failed to read migration status")
		}
		log.WithFields(logrus.Fields{"version": v, "dirty": dirty}).Info("migration status")

	case "purge-fingerprints":
		st := mustStore(db, log)
		cutoff := time.Now().Add(-cfg.FingerprintRetention)
		n, err := st.PurgeFingerprints(ctx, cutoff)
		if err != nil {
			log.WithError(err).Fatal("failed to purge fingerprints")
		}
		log.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("fingerprints purged")

	case "sweep-reservations":
		l := ledger.New(mustStore(db, log), ledger.Options{
			RetryMax:       cfg.StorageRetryMax,
			RetryBaseDelay: cfg.StorageRetryBaseDelay,
			Logger:         log,
		})
		cutoff := time.Now().Add(-cfg.ReservationTTL)
		total := 0
		for {
			n, err := l.SweepStale(ctx, cutoff, 500)
			if err != nil {
				log.WithError(err).Fatal("failed to sweep reservations")
			}
			total += n
			if n < 500 {
				break
			}
		}
		log.WithFields(logrus.Fields{"released": total, "cutoff": cutoff}).Info("stale reservations released")

	default:
		log.Errorf(usage, os.Args[0])
		os.Exit(1)
	}
}

func mustStore(db *sql.DB, log logrus.FieldLogger) *store.Store {
	st, err := store.New(db)
	if err != nil {
		log.WithError(err).Fatal("failed to create store")
	}
	return st
}
