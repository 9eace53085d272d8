// Package engagement records view, contact and share counters for posts.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"autohunter/internal/store"
)

// 互动指标。
const (
	MetricView    = "view"
	MetricContact = "contact"
	MetricShare   = "share"
)

// 联系方式。
const (
	MethodPhone    = "phone"
	MethodWhatsApp = "whatsapp"
	MethodEmail    = "email"
)

var ErrInvalidEvent = errors.New("engagement: invalid event")

// Event 是一次互动。
type Event struct {
	PostID    int64
	Metric    string
	VisitorID string // 可选，设置后同一访客在窗口期内只计一次
	Method    string // 仅 contact 使用
}

// Validate 校验指标与联系方式的取值。
func (e Event) Validate() error {
	if e.PostID <= 0 {
		return fmt.Errorf("%w: post id %d", ErrInvalidEvent, e.PostID)
	}
	switch e.Metric {
	case MetricView, MetricShare:
		if e.Method != "" {
			return fmt.Errorf("%w: contact method on %s", ErrInvalidEvent, e.Metric)
		}
	case MetricContact:
		switch e.Method {
		case "", MethodPhone, MethodWhatsApp, MethodEmail:
		default:
			return fmt.Errorf("%w: contact method %q", ErrInvalidEvent, e.Method)
		}
	default:
		return fmt.Errorf("%w: metric %q", ErrInvalidEvent, e.Metric)
	}
	return nil
}

// Deduper 判断某个访客键是否在窗口期内首次出现。
type Deduper interface {
	FirstSeen(ctx context.Context, parts ...string) (bool, error)
}

// Recorder 累加互动计数。
type Recorder struct {
	store  store.Store
	dedup  Deduper
	logger *slog.Logger
}

func NewRecorder(st store.Store, dedup Deduper, logger *slog.Logger) *Recorder {
	return &Recorder{store: st, dedup: dedup, logger: logger}
}

// Record 计数一次互动，返回是否实际累加（重复访客返回 false）。
func (r *Recorder) Record(ctx context.Context, e Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	if e.VisitorID != "" && r.dedup != nil {
		first, err := r.dedup.FirstSeen(ctx, e.Metric, strconv.FormatInt(e.PostID, 10), e.Method, e.VisitorID)
		if err != nil {
			return false, err
		}
		if !first {
			r.logger.Debug("repeat visitor ignored",
				slog.Int64("post_id", e.PostID),
				slog.String("metric", e.Metric))
			return false, nil
		}
	}
	if err := r.store.IncrementMetric(ctx, e.PostID, e.Metric, e.Method); err != nil {
		return false, fmt.Errorf("increment %s for %d: %w", e.Metric, e.PostID, err)
	}
	return true, nil
}
