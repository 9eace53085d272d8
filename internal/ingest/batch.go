// Package ingest holds the batch fan-out shared by the source adapters.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"autohunter/internal/lifecycle"
	"autohunter/internal/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

// OutcomeFailed 标记在批次中抛出错误或 panic 的条目。
const OutcomeFailed = "failed"

// Importer 是生命周期引擎的导入入口。
type Importer interface {
	Import(ctx context.Context, c lifecycle.Candidate, opts lifecycle.ImportOptions) (lifecycle.Result, error)
}

// Summary 汇总一次运行中各结果的条目数。
type Summary struct {
	Total    int
	Outcomes map[string]int
}

// Count returns the number of items with the given outcome.
func (s Summary) Count(outcome string) int {
	return s.Outcomes[outcome]
}

// Record 累加一个结果。
func (s *Summary) Record(outcome string) {
	if s.Outcomes == nil {
		s.Outcomes = make(map[string]int)
	}
	s.Total++
	s.Outcomes[outcome]++
}

// Merge 合并另一个汇总。
func (s *Summary) Merge(other Summary) {
	for outcome, n := range other.Outcomes {
		if s.Outcomes == nil {
			s.Outcomes = make(map[string]int)
		}
		s.Outcomes[outcome] += n
	}
	s.Total += other.Total
}

func (s Summary) String() string {
	keys := make([]string, 0, len(s.Outcomes))
	for k := range s.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.Outcomes[k]))
	}
	return fmt.Sprintf("total=%d %s", s.Total, strings.Join(parts, " "))
}

// ItemFunc 处理一条数据并返回结果标签。
type ItemFunc[T any] func(ctx context.Context, item T) (string, error)

// RunBatch 并发处理一批条目，等待全部完成后返回汇总。
//
// 单个条目的错误或 panic 只记为 failed，不会取消其它条目，也不会让批次失败。
func RunBatch[T any](ctx context.Context, source string, items []T, fn ItemFunc[T], logger *slog.Logger) Summary {
	start := time.Now()
	outcomes := make([]string, len(items))

	var g errgroup.Group
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("batch item panic",
						slog.String("source", source),
						slog.Int("index", i),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
					outcomes[i] = OutcomeFailed
				}
			}()

			outcome, err := fn(ctx, item)
			if err != nil {
				logger.Warn("batch item failed",
					slog.String("source", source),
					slog.Int("index", i),
					slog.String("error", err.Error()))
				outcomes[i] = OutcomeFailed
				return nil
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	var summary Summary
	for _, outcome := range outcomes {
		summary.Record(outcome)
	}
	metrics.ImportBatchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	return summary
}

// ImportFunc 将 Importer 适配为 ItemFunc。
func ImportFunc(imp Importer, opts lifecycle.ImportOptions) ItemFunc[lifecycle.Candidate] {
	return func(ctx context.Context, c lifecycle.Candidate) (string, error) {
		res, err := imp.Import(ctx, c, opts)
		if err != nil {
			return "", err
		}
		return res.Outcome, nil
	}
}

// Chunk 将切片按 size 切分。
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
