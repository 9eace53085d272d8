// Package worker 消费任务队列并把任务分发给对应的导入入口。
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"autohunter/internal/engagement"
	"autohunter/internal/ingest"
	"autohunter/internal/jobqueue"
	"autohunter/internal/lifecycle"
)

// Handlers 按任务类型的处理入口，未设置的类型视为未知任务。
type Handlers struct {
	Dataset func(ctx context.Context, opts lifecycle.ImportOptions) (ingest.Summary, error)
	Scrape  func(ctx context.Context, pages int, opts lifecycle.ImportOptions) (ingest.Summary, error)
	Metric  func(ctx context.Context, e engagement.Event) error
	Logger  *slog.Logger
}

// Dispatch 根据任务类型调用对应入口。返回的错误交给队列的重试与死信逻辑处理。
func (h Handlers) Dispatch(ctx context.Context, job *jobqueue.Job) error {
	switch job.Kind {
	case jobqueue.KindDatasetImport:
		if h.Dataset == nil {
			break
		}
		var p jobqueue.DatasetImportPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		summary, err := h.Dataset(ctx, p.ImportOptions)
		if err != nil {
			return err
		}
		h.logSummary(job, summary)
		return nil

	case jobqueue.KindScrapeImport:
		if h.Scrape == nil {
			break
		}
		var p jobqueue.ScrapeImportPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		summary, err := h.Scrape(ctx, p.Pages, p.ImportOptions)
		if err != nil {
			return err
		}
		h.logSummary(job, summary)
		return nil

	case jobqueue.KindMetricIncrement:
		if h.Metric == nil {
			break
		}
		var p jobqueue.MetricIncrementPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		e, err := p.Event()
		if err != nil {
			return err
		}
		return h.Metric(ctx, e)
	}
	return fmt.Errorf("%w: %q", jobqueue.ErrUnknownKind, job.Kind)
}

func decode(job *jobqueue.Job, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	return nil
}

func (h Handlers) logSummary(job *jobqueue.Job, s ingest.Summary) {
	if h.Logger == nil {
		return
	}
	h.Logger.Info("import job finished",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("total", s.Total),
		slog.String("outcomes", s.String()))
}
