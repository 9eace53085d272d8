package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportItemsTotal 按来源和结果统计的导入条目数。
	ImportItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autohunter_import_items_total",
		Help: "Import candidates processed, by origin and outcome.",
	}, []string{"origin", "outcome"})

	// ImportBatchDuration 单个批次（全部条目完成）的耗时。
	ImportBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autohunter_import_batch_duration_seconds",
		Help:    "Time to settle one import batch.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"source"})

	ScrapePagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autohunter_scrape_pages_total",
		Help: "Scrape catalog pages fetched, by status.",
	}, []string{"status"})

	// ImageVariantsTotal 图片派生结果: derived / skipped / fallback / failed。
	ImageVariantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autohunter_image_variants_total",
		Help: "Image variant derivations, by result.",
	}, []string{"result"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autohunter_jobs_total",
		Help: "Queue jobs handled, by kind and status.",
	}, []string{"kind", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autohunter_job_duration_seconds",
		Help:    "Job handler duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind"})

	TaskDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autohunter_jobs_dead_lettered_total",
		Help: "Jobs written to the dead-letter stream.",
	})

	TaskAutoClaimTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autohunter_jobs_autoclaimed_total",
		Help: "Stale pending stream entries reclaimed by XAUTOCLAIM.",
	})

	DelayedJobsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autohunter_jobs_retry_promoted_total",
		Help: "Delayed retries moved back into the job stream.",
	})

	JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autohunter_job_queue_depth",
		Help: "Job stream length and delayed retry set size.",
	}, []string{"queue"})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autohunter_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autohunter_ratelimit_timeout_total",
		Help: "Rate limit waits aborted by context.",
	})

	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autohunter_worker_pool_size",
		Help: "Configured in-process worker pool size.",
	})

	WorkerPoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autohunter_worker_pool_busy",
		Help: "Pool workers currently running a task.",
	})
)

// InitMetrics 设置静态指标并预创建常用标签，避免面板在首次事件前为空。
func InitMetrics(workers int) {
	WorkerPoolSize.Set(float64(workers))
	for _, status := range []string{"completed", "retry", "dead_letter"} {
		for _, kind := range []string{"dataset-import", "scrape-import", "metric-increment"} {
			JobsTotal.WithLabelValues(kind, status)
		}
	}
	for _, result := range []string{"derived", "skipped", "fallback", "failed"} {
		ImageVariantsTotal.WithLabelValues(result)
	}
}
