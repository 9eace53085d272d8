package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"autohunter/internal/ingest"
	"autohunter/internal/lifecycle"
	"autohunter/internal/model"
	"autohunter/internal/pkg/metrics"
)

// 数据集导入的门控结果。
const (
	OutcomeSkipped     = "skipped"
	OutcomeSkippedOld  = "skipped:old"
	OutcomeSkippedSold = "skipped:sold"
	OutcomeInvalid     = "invalid"
)

// Engine 是导入器依赖的生命周期引擎能力。
type Engine interface {
	ingest.Importer
	Lookup(ctx context.Context, postID int64) (*model.Post, error)
	Cutoff() time.Time
}

// Captions 用于新帖子的售出检测。
type Captions interface {
	Clean(text string) string
	IsSold(text string) bool
}

// Importer 流式读取数据集并按批交给引擎。
type Importer struct {
	engine    Engine
	captions  Captions
	batchSize int
	envelope  []string
	logger    *slog.Logger
}

// NewImporter 创建导入器。envelopePath 是触发请求体中数组字段的路径（如 "dataset.items"）。
func NewImporter(engine Engine, captions Captions, batchSize int, envelopePath string, logger *slog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Importer{
		engine:    engine,
		captions:  captions,
		batchSize: batchSize,
		envelope:  ParsePath(envelopePath),
		logger:    logger,
	}
}

// RunEnvelope 处理触发请求上传的信封（数组位于 envelope 路径下）。
func (im *Importer) RunEnvelope(ctx context.Context, r io.Reader, opts lifecycle.ImportOptions) (ingest.Summary, error) {
	return im.run(ctx, r, im.envelope, opts)
}

// Fetch 下载外部数据集（顶层 JSON 数组）并导入。
//
// 非 2xx 响应在读取任何条目之前直接返回错误。
func (im *Importer) Fetch(ctx context.Context, client *http.Client, url, token string, opts lifecycle.ImportOptions) (ingest.Summary, error) {
	if url == "" {
		return ingest.Summary{}, errors.New("dataset: source url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ingest.Summary{}, fmt.Errorf("fetch dataset: unexpected status %d", resp.StatusCode)
	}
	return im.run(ctx, resp.Body, nil, opts)
}

// run 逐元素解码，每满一批就同步处理完再继续读取，同一时刻最多一批在途。
func (im *Importer) run(ctx context.Context, r io.Reader, path []string, opts lifecycle.ImportOptions) (ingest.Summary, error) {
	var summary ingest.Summary
	batch := make([]json.RawMessage, 0, im.batchSize)
	process := func(ctx context.Context, raw json.RawMessage) (string, error) {
		return im.process(ctx, raw, opts)
	}
	flush := func() {
		if len(batch) == 0 {
			return
		}
		summary.Merge(ingest.RunBatch(ctx, "dataset", batch, process, im.logger))
		batch = make([]json.RawMessage, 0, im.batchSize)
	}

	err := StreamArray(r, path, func(raw json.RawMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, raw)
		if len(batch) >= im.batchSize {
			flush()
		}
		return nil
	})
	if err != nil {
		im.logger.Error("dataset stream aborted",
			slog.Int("processed", summary.Total),
			slog.String("error", err.Error()))
		return summary, fmt.Errorf("stream dataset: %w", err)
	}
	flush()

	im.logger.Info("dataset import finished", slog.String("summary", summary.String()))
	return summary, nil
}

func (im *Importer) process(ctx context.Context, raw json.RawMessage, opts lifecycle.ImportOptions) (string, error) {
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return im.skip(OutcomeInvalid), nil
	}
	if it.Type != TypeSidecar {
		return im.skip(OutcomeSkipped), nil
	}
	if it.ID.Int64() <= 0 {
		return im.skip(OutcomeInvalid), nil
	}
	created, ok := it.CreatedAt()
	if !ok {
		return im.skip(OutcomeInvalid), nil
	}
	if created.Before(im.engine.Cutoff()) {
		return im.skip(OutcomeSkippedOld), nil
	}

	// 售出检测只针对尚不存在或已删除的帖子；已激活的帖子照常刷新。
	existing, err := im.engine.Lookup(ctx, it.ID.Int64())
	if err != nil {
		return "", fmt.Errorf("lookup post %d: %w", it.ID.Int64(), err)
	}
	if (existing == nil || existing.Deleted) && im.captions.IsSold(im.captions.Clean(it.Caption)) {
		return im.skip(OutcomeSkippedSold), nil
	}

	res, err := im.engine.Import(ctx, it.Candidate(lifecycle.OriginSocial, created), opts)
	if err != nil {
		return "", err
	}
	return res.Outcome, nil
}

func (im *Importer) skip(outcome string) string {
	metrics.ImportItemsTotal.WithLabelValues(lifecycle.OriginSocial, outcome).Inc()
	return outcome
}
