// Package config handles configuration loading for hbpg binaries: an
// optional YAML file layered under environment variables (env wins),
// matching the precedence the operator CLI already expects from viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting needed to wire the migration engine, persist
// store, and job queue for a running process. Peripheral concerns not
// owned by this system (HTTP API auth, container runtimes) have no
// fields here.
type Config struct {
	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string

	// AdminHTTPPort serves /health and /metrics for the daemon.
	AdminHTTPPort int

	// PersistSweepInterval is how often the Persist Store deletes expired
	// rows. Default: 600s.
	PersistSweepInterval time.Duration

	// QueuePollTime is how long the claim iterator sleeps between empty
	// claim-next attempts. Default: 100ms.
	QueuePollTime time.Duration

	// WorkerConcurrency is the number of worker pool goroutines claiming
	// and executing jobs concurrently.
	WorkerConcurrency int

	// WorkerMaxRetryCount is the default per-handler retry budget before
	// a job is marked failed.
	WorkerMaxRetryCount int

	// WorkerBackoffBase and WorkerBackoffMax bound the exponential
	// backoff applied between retry attempts.
	WorkerBackoffBase time.Duration
	WorkerBackoffMax  time.Duration

	// WorkerBackoffJitter is the fraction (0..1) of the computed backoff
	// randomized to avoid thundering-herd retries.
	WorkerBackoffJitter float64

	// PendingJobsInitialization, FailedJobsInitialization, and
	// ProcessingJobsInitialization are one of "doNothing", "rerun",
	// "remove" — the startup recovery policy applied to jobs left in
	// that status when the worker last stopped.
	PendingJobsInitialization    string
	FailedJobsInitialization     string
	ProcessingJobsInitialization string

	// OTELEndpoint is the OTLP/gRPC collector address for tracing.
	OTELEndpoint string
}

var validInitPolicies = map[string]bool{
	"doNothing": true,
	"rerun":     true,
	"remove":    true,
}

// Load reads configuration from an optional YAML file at configPath (if
// non-empty) and environment variables prefixed HB_, with environment
// variables taking precedence over the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("admin_http_port", 6161)
	v.SetDefault("persist_sweep_interval", 600*time.Second)
	v.SetDefault("queue_poll_time", 100*time.Millisecond)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("worker_max_retry_count", 3)
	v.SetDefault("worker_backoff_base", time.Second)
	v.SetDefault("worker_backoff_max", 30*time.Second)
	v.SetDefault("worker_backoff_jitter", 0.2)
	v.SetDefault("pending_jobs_initialization", "doNothing")
	v.SetDefault("failed_jobs_initialization", "rerun")
	v.SetDefault("processing_jobs_initialization", "rerun")
	v.SetDefault("otel_endpoint", "localhost:4317")

	v.SetEnvPrefix("HB")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	dbURL := v.GetString("database_url")
	if dbURL == "" {
		return nil, fmt.Errorf("database_url is required (env: HB_DATABASE_URL)")
	}

	cfg := &Config{
		DatabaseURL:                  dbURL,
		AdminHTTPPort:                v.GetInt("admin_http_port"),
		PersistSweepInterval:         v.GetDuration("persist_sweep_interval"),
		QueuePollTime:                v.GetDuration("queue_poll_time"),
		WorkerConcurrency:            v.GetInt("worker_concurrency"),
		WorkerMaxRetryCount:          v.GetInt("worker_max_retry_count"),
		WorkerBackoffBase:            v.GetDuration("worker_backoff_base"),
		WorkerBackoffMax:             v.GetDuration("worker_backoff_max"),
		WorkerBackoffJitter:          v.GetFloat64("worker_backoff_jitter"),
		PendingJobsInitialization:    v.GetString("pending_jobs_initialization"),
		FailedJobsInitialization:     v.GetString("failed_jobs_initialization"),
		ProcessingJobsInitialization: v.GetString("processing_jobs_initialization"),
		OTELEndpoint:                 v.GetString("otel_endpoint"),
	}

	for name, val := range map[string]string{
		"pending_jobs_initialization":    cfg.PendingJobsInitialization,
		"failed_jobs_initialization":     cfg.FailedJobsInitialization,
		"processing_jobs_initialization": cfg.ProcessingJobsInitialization,
	} {
		if !validInitPolicies[val] {
			return nil, fmt.Errorf("invalid %s: %q (want doNothing, rerun, or remove)", name, val)
		}
	}

	return cfg, nil
}
