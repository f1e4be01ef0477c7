// Package main is the entry point for hbworker, the daemon that owns
// migrations, the persist sweeper, and the job queue worker pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hbpg/hbpg/internal/config"
	"github.com/hbpg/hbpg/internal/dbx"
	"github.com/hbpg/hbpg/internal/jobqueue"
	"github.com/hbpg/hbpg/internal/logger"
	"github.com/hbpg/hbpg/internal/migrate"
	"github.com/hbpg/hbpg/internal/observability"
	"github.com/hbpg/hbpg/internal/persist"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: none, env only)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsHandler, shutdownObservability, err := observability.Init(ctx, "hbworker", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownObservability(context.Background()); err != nil {
			log.Error("failed to shutdown observability", "error", err)
		}
	}()

	gw, err := dbx.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	engine := migrate.New(gw, log)
	for _, d := range persist.Migrations() {
		engine.Add(d)
	}
	for _, d := range jobqueue.Migrations() {
		engine.Add(d)
	}

	go func() {
		if err := engine.Apply(ctx, nil, false); err != nil {
			log.Error("migration apply failed", "error", err)
		}
	}()

	sweeper := persist.NewSweeper(gw, log, cfg.PersistSweepInterval)
	go func() {
		if err := sweeper.Run(ctx, engine); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("persist sweeper stopped", "error", err)
		}
	}()

	store := persist.New(gw)

	driver := jobqueue.New(gw, jobqueue.InitPolicies{
		Pending:    jobqueue.InitPolicy(cfg.PendingJobsInitialization),
		Failed:     jobqueue.InitPolicy(cfg.FailedJobsInitialization),
		Processing: jobqueue.InitPolicy(cfg.ProcessingJobsInitialization),
	}, cfg.QueuePollTime)

	if err := driver.OnInit(ctx, engine); err != nil {
		log.Error("job queue recovery failed", "error", err)
		os.Exit(1)
	}

	retryCounter, err := observability.NewWorkerRetryCounter("hbworker")
	if err != nil {
		log.Error("failed to create worker retry counter", "error", err)
		os.Exit(1)
	}

	pool := jobqueue.NewPool(driver, decodeJobType, cfg.WorkerConcurrency, jobqueue.RetryPolicy{
		MaxRetryCount: cfg.WorkerMaxRetryCount,
		BackoffBase:   cfg.WorkerBackoffBase,
		BackoffMax:    cfg.WorkerBackoffMax,
		BackoffJitter: cfg.WorkerBackoffJitter,
	}, log, retryCounter)
	registerExampleHandlers(pool, store)

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	if err := observability.RegisterQueueDepthGauge("hbworker", func(ctx context.Context) (int64, error) {
		ids, err := driver.GetJobs(ctx, jobqueue.StatusPending)
		return int64(len(ids)), err
	}, func(err error) { log.Error("queue depth gauge callback failed", "error", err) }); err != nil {
		log.Error("failed to register queue depth gauge", "error", err)
	}

	if err := observability.RegisterPersistRowsGauge("hbworker", store.Count,
		func(err error) { log.Error("persist rows gauge callback failed", "error", err) }); err != nil {
		log.Error("failed to register persist rows gauge", "error", err)
	}

	if err := observability.RegisterMigrationStateGauge("hbworker", func(context.Context) (int64, error) {
		return engine.State(), nil
	}); err != nil {
		log.Error("failed to register migration state gauge", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.AdminHTTPPort), Handler: mux}
	go func() {
		log.Info("admin server listening", "port", cfg.AdminHTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down hbworker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := pool.ShutdownGracefully(shutdownCtx); err != nil {
		log.Error("worker pool did not drain in time", "error", err)
	}
	<-poolDone

	server.Shutdown(shutdownCtx)
}

// decodeJobType reads the small type-name prefix from a payload. The
// driver never inspects payload bytes; only the worker layer does.
// Handlers here expect payloads of the form "type:body".
func decodeJobType(payload []byte) (string, error) {
	for i, b := range payload {
		if b == ':' {
			return string(payload[:i]), nil
		}
	}
	return "", jobqueue.ErrDecodeJobFailed
}

// registerExampleHandlers wires the sample handlers shipped with
// hbworker: an ordinary greeter and a handler that stashes its input in
// the persist store, demonstrating library composition.
func registerExampleHandlers(pool *jobqueue.Pool, store *persist.Store) {
	pool.Handle("greet", func(ctx context.Context, payload []byte) error {
		slog.Default().Info("greeting", "payload", string(payload))
		return nil
	}, jobqueue.RetryPolicy{})

	pool.Handle("remember", func(ctx context.Context, payload []byte) error {
		return persist.Set(ctx, store, "last_remembered", string(payload), nil)
	}, jobqueue.RetryPolicy{})
}
