package worker

import (
	"context"
	"log/slog"

	"autohunter/internal/jobqueue"
	"autohunter/internal/model"
	"autohunter/internal/pkg/notify"
)

// DeadLetterSaver 持久化死信副本。
type DeadLetterSaver interface {
	SaveDeadLetter(ctx context.Context, rec *model.DeadLetter) error
}

// Notifier 发送死信告警。
type Notifier interface {
	NotifyDeadLetter(ctx context.Context, notice notify.DeadLetterNotice) error
}

// DeadLetterRecorder 把死信写入数据库并发送告警。失败只记录日志，不影响队列确认。
type DeadLetterRecorder struct {
	store    DeadLetterSaver
	notifier Notifier
	logger   *slog.Logger
}

func NewDeadLetterRecorder(store DeadLetterSaver, notifier Notifier, logger *slog.Logger) *DeadLetterRecorder {
	return &DeadLetterRecorder{store: store, notifier: notifier, logger: logger}
}

// Hook 实现 jobqueue.DeadLetterHook。
func (r *DeadLetterRecorder) Hook(ctx context.Context, dl jobqueue.DeadLetter) {
	rec := &model.DeadLetter{
		StreamID:     dl.StreamID,
		Queue:        dl.Queue,
		Kind:         dl.Kind,
		OriginalID:   dl.OriginalID,
		JobID:        dl.JobID,
		AttemptsMade: dl.AttemptsMade,
		MaxAttempts:  dl.MaxAttempts,
		Reason:       dl.Reason,
		Payload:      dl.Payload,
		FailedAt:     dl.FailedAt,
	}
	if err := r.store.SaveDeadLetter(ctx, rec); err != nil {
		r.logger.Error("persist dead letter failed",
			slog.String("stream_id", dl.StreamID),
			slog.String("error", err.Error()))
	}
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyDeadLetter(ctx, notify.DeadLetterNotice{
		Queue:        dl.Queue,
		Kind:         dl.Kind,
		JobID:        dl.JobID,
		AttemptsMade: dl.AttemptsMade,
		MaxAttempts:  dl.MaxAttempts,
		Reason:       dl.Reason,
		FailedAt:     dl.FailedAt,
	}); err != nil {
		r.logger.Warn("dead letter alert failed", slog.String("error", err.Error()))
	}
}
