package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autohunter/internal/config"
	"autohunter/internal/ingest"
	"autohunter/internal/ingest/remote"
	"autohunter/internal/jobqueue"
	"autohunter/internal/lifecycle"
	"autohunter/internal/model"
	"autohunter/internal/pkg/queue"
	"autohunter/internal/store"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type mockImporter struct {
	calls []lifecycle.Candidate
	opts  []lifecycle.ImportOptions
}

func (m *mockImporter) Import(_ context.Context, c lifecycle.Candidate, opts lifecycle.ImportOptions) (lifecycle.Result, error) {
	m.calls = append(m.calls, c)
	m.opts = append(m.opts, opts)
	return lifecycle.Result{PostID: c.ExternalID, Outcome: lifecycle.OutcomeCreated}, nil
}

type mockDatasets struct {
	mu     sync.Mutex
	bodies []string
	opts   lifecycle.ImportOptions
	err    error
}

func (m *mockDatasets) RunEnvelope(_ context.Context, r io.Reader, opts lifecycle.ImportOptions) (ingest.Summary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ingest.Summary{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, string(data))
	m.opts = opts
	if m.err != nil {
		return ingest.Summary{}, m.err
	}
	return ingest.Summary{Total: 1}, nil
}

func (m *mockDatasets) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies)
}

type enqueued struct {
	kind    string
	payload any
}

type mockJobs struct {
	jobs []enqueued
}

func (m *mockJobs) Enqueue(_ context.Context, kind string, payload any) (*jobqueue.Job, error) {
	if kind == "reindex" {
		return nil, jobqueue.ErrUnknownKind
	}
	m.jobs = append(m.jobs, enqueued{kind: kind, payload: payload})
	return &jobqueue.Job{ID: "job-" + kind, Kind: kind}, nil
}

type mockDeadLetters struct {
	items map[uint]*model.DeadLetter
}

func (m *mockDeadLetters) ListDeadLetters(_ context.Context, kind string, _ int) ([]model.DeadLetter, error) {
	var out []model.DeadLetter
	for _, dl := range m.items {
		if kind == "" || dl.Kind == kind {
			out = append(out, *dl)
		}
	}
	return out, nil
}

func (m *mockDeadLetters) GetDeadLetter(_ context.Context, id uint) (*model.DeadLetter, error) {
	dl, ok := m.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (m *mockDeadLetters) MarkDeadLetterReplayed(_ context.Context, id uint) error {
	now := time.Now()
	m.items[id].ReplayedAt = &now
	return nil
}

type uploadFailures struct {
	mu   sync.Mutex
	dead []jobqueue.DeadLetter
}

func (u *uploadFailures) record(_ context.Context, dl jobqueue.DeadLetter) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dead = append(u.dead, dl)
}

func (u *uploadFailures) list() []jobqueue.DeadLetter {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]jobqueue.DeadLetter(nil), u.dead...)
}

type testEnv struct {
	server      *Server
	posts       *mockImporter
	datasets    *mockDatasets
	jobs        *mockJobs
	deadLetters *mockDeadLetters
	failures    *uploadFailures
	pool        *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg := &config.Config{
		App:     config.AppConfig{ShutdownTimeout: time.Second},
		Dataset: config.DatasetConfig{SpoolDir: t.TempDir(), SourceURL: "http://dataset.local/items"},
		Security: config.SecurityConfig{
			JWTSecret:           "test-secret",
			ServiceUser:         "importer",
			ServicePasswordHash: string(hash),
			TokenTTLMinutes:     5,
		},
	}

	pool := queue.NewQueue(logger, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		_ = pool.Shutdown(time.Second)
		cancel()
	})

	env := &testEnv{
		posts:       &mockImporter{},
		datasets:    &mockDatasets{},
		jobs:        &mockJobs{},
		deadLetters: &mockDeadLetters{items: map[uint]*model.DeadLetter{}},
		failures:    &uploadFailures{},
		pool:        pool,
	}
	env.server = NewServer(cfg, logger, Deps{
		Posts:       env.posts,
		Datasets:    env.datasets,
		Jobs:        env.jobs,
		DeadLetters: env.deadLetters,
		Pool:        pool,
		Health:      func(context.Context) error { return nil },

		UploadFailed: env.failures.record,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "importer", "password": "s3cret"})
	w := e.do(t, http.MethodPost, "/auth/token", "", body)
	if w.Code != http.StatusOK {
		t.Fatalf("token: status %d body %s", w.Code, w.Body.String())
	}
	var resp remote.TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if resp.Token == "" || resp.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("unexpected token response: %+v", resp)
	}
	return resp.Token
}

func TestAuthToken(t *testing.T) {
	env := newTestEnv(t)
	_ = env.token(t)

	body, _ := json.Marshal(map[string]string{"username": "importer", "password": "wrong"})
	if w := env.do(t, http.MethodPost, "/auth/token", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/posts", "", []byte(`{}`)); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/posts", "not-a-jwt", []byte(`{}`)); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", w.Code)
	}
}

func TestSavePost(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	body := []byte(`{
		"externalId": "3141592",
		"caption": "BMW 320d, 2019",
		"createdTime": "2024-05-01T10:00:00Z",
		"media": [{"id": "1", "url": "http://img.local/1.jpg", "kind": "image"}],
		"account": {"id": 77, "username": "dealer"},
		"options": {"downloadImages": true}
	}`)
	w := env.do(t, http.MethodPost, "/posts", token, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp remote.SaveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PostID != "3141592" || resp.Outcome != lifecycle.OutcomeCreated {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(env.posts.calls) != 1 {
		t.Fatalf("expected 1 import, got %d", len(env.posts.calls))
	}
	got := env.posts.calls[0]
	if got.Origin != lifecycle.OriginManual || got.Account.ID != 77 || !env.posts.opts[0].DownloadImages {
		t.Fatalf("unexpected candidate: %+v opts=%+v", got, env.posts.opts[0])
	}

	if w := env.do(t, http.MethodPost, "/posts", token, []byte(`{"externalId": "5", "createdTime": "2024-05-01"}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing account: expected 400, got %d", w.Code)
	}
	if len(env.posts.calls) != 1 {
		t.Fatalf("invalid payload must not reach the engine")
	}
}

func TestUploadDataset_ProcessesInBackground(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	envelope := `{"dataset": {"items": []}}`
	w := env.do(t, http.MethodPost, "/imports/dataset?downloadImages=true&forceDownloadImagesDays=3", token, []byte(envelope))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp acceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.RunID == "" {
		t.Fatalf("expected run id, got %s", w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.datasets.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if env.datasets.count() != 1 {
		t.Fatalf("dataset was not processed")
	}
	env.datasets.mu.Lock()
	body, opts := env.datasets.bodies[0], env.datasets.opts
	env.datasets.mu.Unlock()
	if body != envelope {
		t.Fatalf("spooled body mismatch: %q", body)
	}
	if !opts.DownloadImages || opts.ForceDownloadImagesDays == nil || *opts.ForceDownloadImagesDays != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}

	// 处理完成后删除落盘文件
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		matches, _ := filepath.Glob(filepath.Join(env.server.cfg.Dataset.SpoolDir, "dataset-*.json"))
		if len(matches) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if matches, _ := filepath.Glob(filepath.Join(env.server.cfg.Dataset.SpoolDir, "dataset-*.json")); len(matches) != 0 {
		t.Fatalf("spool file left behind: %v", matches)
	}

	if w := env.do(t, http.MethodPost, "/imports/dataset?useAI=maybe", token, []byte(envelope)); w.Code != http.StatusBadRequest {
		t.Fatalf("bad option: expected 400, got %d", w.Code)
	}
}

func TestUploadDataset_FailureIsDeadLettered(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)
	env.datasets.err = errors.New("envelope path dataset.items not found")

	w := env.do(t, http.MethodPost, "/imports/dataset?downloadImages=true", token, []byte(`{"items": []}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp acceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(env.failures.list()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	dead := env.failures.list()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	dl := dead[0]
	if dl.Queue != UploadQueueName || dl.Kind != jobqueue.KindDatasetImport || dl.JobID != resp.RunID {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
	if dl.Reason != "envelope path dataset.items not found" || dl.AttemptsMade != 1 || dl.FailedAt.IsZero() {
		t.Fatalf("unexpected failure details: %+v", dl)
	}
	var opts lifecycle.ImportOptions
	if err := json.Unmarshal([]byte(dl.Payload), &opts); err != nil || !opts.DownloadImages {
		t.Fatalf("payload should carry import options, got %q", dl.Payload)
	}
}

func TestEnqueueEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	if w := env.do(t, http.MethodPost, "/imports/scrape", token, []byte(`{"pages": 5, "downloadImages": true}`)); w.Code != http.StatusAccepted {
		t.Fatalf("scrape: expected 202, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/jobs/dataset", token, nil); w.Code != http.StatusAccepted {
		t.Fatalf("dataset job: expected 202, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/jobs/metrics", token, []byte(`{"postId": "9", "metric": "contact", "contactMethod": "whatsapp"}`)); w.Code != http.StatusAccepted {
		t.Fatalf("metric: expected 202, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/jobs/metrics", token, []byte(`{"postId": "9", "metric": "like"}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid metric: expected 400, got %d", w.Code)
	}

	if len(env.jobs.jobs) != 3 {
		t.Fatalf("expected 3 enqueued jobs, got %d", len(env.jobs.jobs))
	}
	scrape, ok := env.jobs.jobs[0].payload.(jobqueue.ScrapeImportPayload)
	if !ok || env.jobs.jobs[0].kind != jobqueue.KindScrapeImport || scrape.Pages != 5 || !scrape.DownloadImages {
		t.Fatalf("unexpected scrape job: %+v", env.jobs.jobs[0])
	}
	if env.jobs.jobs[1].kind != jobqueue.KindDatasetImport || env.jobs.jobs[2].kind != jobqueue.KindMetricIncrement {
		t.Fatalf("unexpected kinds: %+v", env.jobs.jobs)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	original, _ := json.Marshal(jobqueue.Job{
		ID:      "old",
		Kind:    jobqueue.KindScrapeImport,
		Payload: json.RawMessage(`{"pages":2}`),
	})
	env.deadLetters.items[1] = &model.DeadLetter{ID: 1, Kind: jobqueue.KindScrapeImport, Payload: string(original), FailedAt: time.Now()}
	env.deadLetters.items[2] = &model.DeadLetter{ID: 2, Kind: "unknown", Payload: "{not json", FailedAt: time.Now()}

	w := env.do(t, http.MethodGet, "/dead-letters?kind=scrape-import", token, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"kind":"scrape-import"`)) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodPost, "/dead-letters/1/replay", token, nil); w.Code != http.StatusAccepted {
		t.Fatalf("replay: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.jobs.jobs) != 1 || env.jobs.jobs[0].kind != jobqueue.KindScrapeImport {
		t.Fatalf("unexpected replayed job: %+v", env.jobs.jobs)
	}
	if raw, ok := env.jobs.jobs[0].payload.(json.RawMessage); !ok || string(raw) != `{"pages":2}` {
		t.Fatalf("replay must reuse the original payload: %#v", env.jobs.jobs[0].payload)
	}

	if w := env.do(t, http.MethodPost, "/dead-letters/1/replay", token, nil); w.Code != http.StatusConflict {
		t.Fatalf("second replay: expected 409, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/dead-letters/2/replay", token, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("poison replay: expected 422, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/dead-letters/99/replay", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	env.server.deps.Health = func(context.Context) error { return errors.New("redis down") }
	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

