// Command worker is a minimal demo host: it wires a jobqueue.Manager to a
// PostgreSQL database, registers an example handler, and runs
// until an interrupt or SIGTERM triggers graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/arlenhart/pgqueue/internal/config"
	"github.com/arlenhart/pgqueue/internal/jobqueue"
	"github.com/arlenhart/pgqueue/internal/jobqueue/dbresilience"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	manager, err := jobqueue.New(db,
		jobqueue.WithTablePrefix(cfg.TablePrefix),
		jobqueue.WithPollInterval(cfg.PollInterval),
		jobqueue.WithExpiryThreshold(cfg.ExpiryThresholdMinutes),
		jobqueue.WithDefaultDBRetry(),
		// This binary owns shutdown signal handling itself (below), so the
		// Manager's own graceful-SIGTERM registration is disabled here.
		jobqueue.WithGracefulSigterm(false),
		jobqueue.WithDBHealthCheck(dbresilience.MonitorOptions{
			Interval: 30 * time.Second,
			OnUnhealthy: func(status dbresilience.Status) {
				slog.ErrorContext(ctx, "jobqueue: database unhealthy", "error", status.Error)
			},
			OnHealthy: func(status dbresilience.Status) {
				slog.InfoContext(ctx, "jobqueue: database recovered", "latency_ms", status.LatencyMS)
			},
		}),
	)
	if err != nil {
		log.Fatalf("failed to construct job manager: %v", err)
	}

	registerExampleHandlers(manager)

	if err := manager.Start(ctx, cfg.Concurrency); err != nil {
		log.Fatalf("failed to start job manager: %v", err)
	}
	slog.InfoContext(ctx, "jobqueue: worker started",
		"concurrency", cfg.Concurrency, "poll_interval", cfg.PollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-cleanupTicker.C:
			n, err := manager.Cleanup(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "jobqueue: cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "jobqueue: expired stuck jobs", "count", n)
			}
		case <-sigCh:
			slog.InfoContext(ctx, "jobqueue: received shutdown signal, draining workers")
			if err := manager.Stop(ctx); err != nil {
				slog.ErrorContext(ctx, "jobqueue: stop failed", "error", err)
			}
			return
		}
	}
}

// registerExampleHandlers wires one illustrative job type (example.echo)
// and a completion subscriber for it. A real host registers its own
// handlers in place of these.
func registerExampleHandlers(manager *jobqueue.Manager) {
	manager.SetHandler("example.echo", func(ctx context.Context, job *jobqueue.Job) (any, error) {
		return map[string]any{"echoed": job.Payload}, nil
	})

	manager.OnDone("example.echo", func(job *jobqueue.Job) {
		slog.Info("jobqueue: example.echo finished", "job_uid", job.UID, "status", job.Status)
	})
}
