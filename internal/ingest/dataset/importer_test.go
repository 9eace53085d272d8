package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"autohunter/internal/caption"
	"autohunter/internal/idempotency"
	"autohunter/internal/lifecycle"
	"autohunter/internal/model"
	"autohunter/internal/pkg/idgen"
	"autohunter/internal/store"
	"autohunter/internal/store/storetest"
)

func newImporter(t *testing.T, batchSize int) (*Importer, *store.GormStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := storetest.New(t)
	engine := lifecycle.NewEngine(s, idempotency.NewGuard(logger), caption.New(), idgen.New(), logger)
	return NewImporter(engine, caption.New(), batchSize, "dataset.items", logger), s
}

func sidecar(id int64, createdAt time.Time, text string) map[string]any {
	return map[string]any{
		"id":            fmt.Sprintf("%d_99", id),
		"type":          "Sidecar",
		"caption":       text,
		"timestamp":     createdAt.Unix(),
		"ownerId":       "501",
		"ownerUsername": "autohaus",
		"likesCount":    12,
		"childPosts": []map[string]any{
			{"id": fmt.Sprintf("%d1", id), "type": "Image", "displayUrl": "https://cdn.example/a.jpg"},
			{"id": fmt.Sprintf("%d2", id), "type": "Video", "displayUrl": "https://cdn.example/b.mp4"},
		},
	}
}

func encode(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func countPosts(t *testing.T, s *store.GormStore) int64 {
	t.Helper()
	var n int64
	if err := s.DB().Model(&model.Post{}).Count(&n).Error; err != nil {
		t.Fatalf("count posts: %v", err)
	}
	return n
}

func TestStreamArray_NestedPath(t *testing.T) {
	body := `{"meta":{"tags":["a",{"b":[1,2]}],"n":1},"dataset":{"count":3,"items":[{"x":1},{"x":2},{"x":3}],"tail":true}}`
	var got []string
	err := StreamArray(strings.NewReader(body), ParsePath("dataset.items"), func(raw json.RawMessage) error {
		got = append(got, string(raw))
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 3 || got[2] != `{"x":3}` {
		t.Fatalf("unexpected elements %v", got)
	}
}

func TestStreamArray_TopLevelAndMissingPath(t *testing.T) {
	n := 0
	if err := StreamArray(strings.NewReader(`[1, 2]`), nil, func(json.RawMessage) error { n++; return nil }); err != nil {
		t.Fatalf("stream top level: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 elements, got %d", n)
	}

	err := StreamArray(strings.NewReader(`{"other":[]}`), []string{"dataset"}, func(json.RawMessage) error { return nil })
	if !errors.Is(err, errPathNotFound) {
		t.Fatalf("expected path not found, got %v", err)
	}
}

func TestRunEnvelope_Gates(t *testing.T) {
	im, s := newImporter(t, 2)
	now := time.Now()

	photo := sidecar(4, now, "Photo")
	photo["type"] = "Image"
	items := []any{
		sidecar(1, now.Add(-time.Hour), "BMW 118i, Tüv neu"),
		sidecar(2, now.AddDate(0, -4, 0), "Audi A4 aus dem Archiv"),
		sidecar(3, now.Add(-time.Hour), "Golf 7 GTI ✅ SOLD"),
		photo,
		"not an object",
	}
	body := encode(t, map[string]any{
		"meta":    map[string]any{"source": "scraper"},
		"dataset": map[string]any{"items": items},
	})

	summary, err := im.RunEnvelope(context.Background(), strings.NewReader(body), lifecycle.ImportOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 5 {
		t.Fatalf("expected 5 items, got %s", summary)
	}
	for outcome, want := range map[string]int{
		lifecycle.OutcomeCreated: 1,
		OutcomeSkippedOld:        1,
		OutcomeSkippedSold:       1,
		OutcomeSkipped:           1,
		OutcomeInvalid:           1,
	} {
		if got := summary.Count(outcome); got != want {
			t.Fatalf("outcome %s: expected %d, got %d (%s)", outcome, want, got, summary)
		}
	}

	if n := countPosts(t, s); n != 1 {
		t.Fatalf("expected one post, got %d", n)
	}
	var details int64
	s.DB().Model(&model.VehicleDetail{}).Count(&details)
	if details != 1 {
		t.Fatalf("sold and old items must not create details, got %d", details)
	}

	p, err := s.GetPost(context.Background(), 1)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if p.AccountID != 501 || p.LikeCount != 12 {
		t.Fatalf("unexpected post %+v", p)
	}
}

func TestRunEnvelope_SoldGateSkipsOnlyNewPosts(t *testing.T) {
	im, s := newImporter(t, 10)
	now := time.Now()
	run := func(items ...any) {
		t.Helper()
		body := encode(t, map[string]any{"dataset": map[string]any{"items": items}})
		if _, err := im.RunEnvelope(context.Background(), strings.NewReader(body), lifecycle.ImportOptions{}); err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	run(sidecar(10, now.Add(-time.Hour), "Passat Variant"))
	run(sidecar(10, now.Add(-time.Hour), "Passat Variant - verkauft"))

	p, err := s.GetPost(context.Background(), 10)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if !strings.Contains(p.CleanCaption, "verkauft") {
		t.Fatalf("active post must be refreshed even with a sold caption, got %q", p.CleanCaption)
	}
	d, _ := s.GetVehicleDetail(context.Background(), *p.VehicleDetailID)
	if !d.Sold {
		t.Fatalf("refreshed detail must be marked sold")
	}
}

func TestRunEnvelope_BatchBoundary(t *testing.T) {
	im, s := newImporter(t, 10)
	now := time.Now()
	items := make([]any, 0, 23)
	for i := int64(1); i <= 23; i++ {
		items = append(items, sidecar(100+i, now.Add(-time.Duration(i)*time.Minute), fmt.Sprintf("Auto %d", i)))
	}
	body := encode(t, map[string]any{"dataset": map[string]any{"items": items}})

	summary, err := im.RunEnvelope(context.Background(), strings.NewReader(body), lifecycle.ImportOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Count(lifecycle.OutcomeCreated) != 23 {
		t.Fatalf("expected 23 created, got %s", summary)
	}
	if n := countPosts(t, s); n != 23 {
		t.Fatalf("expected 23 posts, got %d", n)
	}
}

func TestRunEnvelope_TruncatedBodyFails(t *testing.T) {
	im, _ := newImporter(t, 10)
	body := `{"dataset":{"items":[{"id":"1","type":"Sidecar"},`
	if _, err := im.RunEnvelope(context.Background(), strings.NewReader(body), lifecycle.ImportOptions{}); err == nil {
		t.Fatalf("expected stream error")
	}
}

func TestFetch_NonSuccessStatusFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	im, s := newImporter(t, 10)
	if _, err := im.Fetch(context.Background(), srv.Client(), srv.URL, "secret", lifecycle.ImportOptions{}); err == nil {
		t.Fatalf("expected error for 401")
	}
	if n := countPosts(t, s); n != 0 {
		t.Fatalf("expected no writes, got %d posts", n)
	}
}

func TestFetch_ImportsTopLevelArray(t *testing.T) {
	now := time.Now()
	var auth string
	payload := encode(t, []any{sidecar(7, now.Add(-time.Hour), "Tiguan"), sidecar(8, now.Add(-time.Hour), "Touran")})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	im, s := newImporter(t, 10)
	summary, err := im.Fetch(context.Background(), srv.Client(), srv.URL, "secret", lifecycle.ImportOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	if summary.Count(lifecycle.OutcomeCreated) != 2 || countPosts(t, s) != 2 {
		t.Fatalf("unexpected summary %s", summary)
	}
}
