package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.BatchSize != 10 {
		t.Fatalf("expected batch size 10, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.RecencyMonths != 3 {
		t.Fatalf("expected recency 3 months, got %d", cfg.Ingest.RecencyMonths)
	}
	if cfg.Scrape.MinImages != 5 {
		t.Fatalf("expected min images 5, got %d", cfg.Scrape.MinImages)
	}
	if cfg.Jobs.Stream != "autohunter:jobs" {
		t.Fatalf("unexpected stream %q", cfg.Jobs.Stream)
	}
}

func TestLoad_FileWithDurationsAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "app": {"log_level": "debug", "http_timeout": "15s"},
  "jobs": {"pending_idle": "2m", "group": "g1"},
  "images": {"thumb_size": 320}
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.App.LogLevel)
	}
	if cfg.App.HTTPTimeout != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %s", cfg.App.HTTPTimeout)
	}
	if cfg.Jobs.PendingIdle != 2*time.Minute {
		t.Fatalf("expected 2m pending idle, got %s", cfg.Jobs.PendingIdle)
	}
	if cfg.Jobs.Group != "g1" {
		t.Fatalf("expected group g1, got %q", cfg.Jobs.Group)
	}
	if cfg.Images.ThumbSize != 320 {
		t.Fatalf("expected thumb size 320, got %d", cfg.Images.ThumbSize)
	}
	if cfg.Images.StandardSize != 1600 {
		t.Fatalf("expected default standard size, got %d", cfg.Images.StandardSize)
	}
	if cfg.Jobs.BlockTime != time.Second {
		t.Fatalf("expected default block time, got %s", cfg.Jobs.BlockTime)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"jobs": {"block_time": "soon"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "3307")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("UPLOAD_ROOT", "/data/uploads")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(cfg.MySQL.DSN, "tcp(db.internal:3307)") {
		t.Fatalf("expected host override in dsn, got %q", cfg.MySQL.DSN)
	}
	if !strings.Contains(cfg.MySQL.DSN, ":s3cret@") {
		t.Fatalf("expected password override in dsn, got %q", cfg.MySQL.DSN)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("expected redis override, got %q", cfg.Redis.Addr)
	}
	if cfg.Ingest.UploadRoot != "/data/uploads" {
		t.Fatalf("expected upload root override, got %q", cfg.Ingest.UploadRoot)
	}
}

func TestLoad_JobPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"jobs": {"policies": {
  "dataset-import": {"max_attempts": 6, "backoff": "45s", "keep_failed": 20},
  "metric-increment": {"keep_completed": 10}
}}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := cfg.Jobs.Policies["dataset-import"]
	if got.MaxAttempts != 6 || got.Backoff != 45*time.Second || got.KeepFailed != 20 || got.KeepCompleted != 0 {
		t.Fatalf("unexpected dataset policy %+v", got)
	}
	if cfg.Jobs.Policies["metric-increment"].KeepCompleted != 10 {
		t.Fatalf("unexpected metric policy %+v", cfg.Jobs.Policies["metric-increment"])
	}

	if err := os.WriteFile(path, []byte(`{"jobs": {"policies": {"scrape-import": {"backoff": "later"}}}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected backoff parse error")
	}
}
