package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("HB_DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Error("expected error when HB_DATABASE_URL is missing")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("HB_DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AdminHTTPPort != 6161 {
		t.Errorf("expected AdminHTTPPort 6161, got %d", cfg.AdminHTTPPort)
	}
	if cfg.PersistSweepInterval != 600*time.Second {
		t.Errorf("expected PersistSweepInterval 600s, got %v", cfg.PersistSweepInterval)
	}
	if cfg.QueuePollTime != 100*time.Millisecond {
		t.Errorf("expected QueuePollTime 100ms, got %v", cfg.QueuePollTime)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("expected WorkerConcurrency 4, got %d", cfg.WorkerConcurrency)
	}
	if cfg.PendingJobsInitialization != "doNothing" {
		t.Errorf("expected PendingJobsInitialization doNothing, got %s", cfg.PendingJobsInitialization)
	}
	if cfg.FailedJobsInitialization != "rerun" {
		t.Errorf("expected FailedJobsInitialization rerun, got %s", cfg.FailedJobsInitialization)
	}
	if cfg.ProcessingJobsInitialization != "rerun" {
		t.Errorf("expected ProcessingJobsInitialization rerun, got %s", cfg.ProcessingJobsInitialization)
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("HB_DATABASE_URL", "postgres://custom/db")
	t.Setenv("HB_ADMIN_HTTP_PORT", "9999")
	t.Setenv("HB_WORKER_CONCURRENCY", "8")
	t.Setenv("HB_QUEUE_POLL_TIME", "50ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.AdminHTTPPort != 9999 {
		t.Errorf("expected AdminHTTPPort 9999, got %d", cfg.AdminHTTPPort)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("expected WorkerConcurrency 8, got %d", cfg.WorkerConcurrency)
	}
	if cfg.QueuePollTime != 50*time.Millisecond {
		t.Errorf("expected QueuePollTime 50ms, got %v", cfg.QueuePollTime)
	}
}

func TestLoad_InvalidInitializationPolicy(t *testing.T) {
	t.Setenv("HB_DATABASE_URL", "postgres://localhost/test")
	t.Setenv("HB_FAILED_JOBS_INITIALIZATION", "explode")

	_, err := Load("")
	if err == nil {
		t.Error("expected error for invalid initialization policy")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "hbpg-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
database_url: "postgres://config-file/db"
admin_http_port: 7777
worker_concurrency: 10
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("HB_DATABASE_URL", "")
	t.Setenv("HB_ADMIN_HTTP_PORT", "")
	t.Setenv("HB_WORKER_CONCURRENCY", "")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://config-file/db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.AdminHTTPPort != 7777 {
		t.Errorf("expected AdminHTTPPort 7777, got %d", cfg.AdminHTTPPort)
	}
	if cfg.WorkerConcurrency != 10 {
		t.Errorf("expected WorkerConcurrency 10, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "hbpg-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
database_url: "postgres://from-file/db"
admin_http_port: 7777
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("HB_DATABASE_URL", "postgres://from-env/db")
	t.Setenv("HB_ADMIN_HTTP_PORT", "8888")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.AdminHTTPPort != 8888 {
		t.Errorf("expected AdminHTTPPort 8888 from env, got %d", cfg.AdminHTTPPort)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("HB_DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}
