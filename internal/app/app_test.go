package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"autohunter/internal/config"
	"autohunter/internal/jobqueue"
	"autohunter/internal/lifecycle"
)

func newTestApp(backend string) *App {
	cfg := &config.Config{}
	cfg.Images.Backend = backend
	cfg.Ingest.UploadRoot = "uploads"
	cfg.Images.StandardSize = 1600
	cfg.Images.ThumbSize = 640
	cfg.Images.MetaSize = 200
	return &App{
		Config:     cfg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		HTTPClient: http.DefaultClient,
	}
}

func TestImagePipeline_Backends(t *testing.T) {
	for _, backend := range []string{"", "fs"} {
		p, err := newTestApp(backend).imagePipeline(context.Background())
		if err != nil {
			t.Fatalf("backend %q: %v", backend, err)
		}
		if p == nil {
			t.Fatalf("backend %q: nil pipeline", backend)
		}
	}

	if _, err := newTestApp("s3").imagePipeline(context.Background()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestHandlers_DatasetRequiresSourceURL(t *testing.T) {
	a := newTestApp("fs")
	h := a.Handlers()
	if _, err := h.Dataset(context.Background(), lifecycle.ImportOptions{}); err == nil {
		t.Fatalf("expected error without dataset source url")
	}
}

func TestJobPolicies_OverridesMergeWithDefaults(t *testing.T) {
	policies, err := jobPolicies(map[string]config.JobPolicyConfig{
		jobqueue.KindDatasetImport: {MaxAttempts: 6, Backoff: 45 * time.Second},
	})
	if err != nil {
		t.Fatalf("job policies: %v", err)
	}
	defaults := jobqueue.DefaultPolicies()

	got := policies[jobqueue.KindDatasetImport]
	if got.MaxAttempts != 6 || got.Backoff != 45*time.Second {
		t.Fatalf("override not applied: %+v", got)
	}
	if got.KeepCompleted != defaults[jobqueue.KindDatasetImport].KeepCompleted ||
		got.KeepFailed != defaults[jobqueue.KindDatasetImport].KeepFailed {
		t.Fatalf("unset fields must keep defaults: %+v", got)
	}
	if policies[jobqueue.KindScrapeImport] != defaults[jobqueue.KindScrapeImport] {
		t.Fatalf("untouched kind changed: %+v", policies[jobqueue.KindScrapeImport])
	}

	if _, err := jobPolicies(map[string]config.JobPolicyConfig{"reindex": {MaxAttempts: 2}}); err == nil {
		t.Fatalf("expected error for unknown job kind")
	}
	if _, err := jobPolicies(map[string]config.JobPolicyConfig{jobqueue.KindScrapeImport: {KeepFailed: -1}}); err == nil {
		t.Fatalf("expected error for negative retention")
	}
}
