package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 批次控制指标
var (
	BatchesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadhunter_batches_processed_total",
		Help: "Total number of batches processed.",
	})

	ItemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhunter_items_processed_total",
		Help: "Total number of work items processed, by outcome.",
	}, []string{"status"})

	BatchSizeCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leadhunter_batch_size_current",
		Help: "Current adaptive batch size ceiling.",
	})

	BatchSuccessRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leadhunter_batch_success_rate",
		Help: "Rolling success rate over the last 10 batches.",
	})

	BatchDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadhunter_batch_delay_seconds",
		Help:    "Randomized inter-batch delay actually applied.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 6),
	})
)

// 封锁信号指标
var (
	BotSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhunter_bot_signals_total",
		Help: "Total bot detection signals, by detection method.",
	}, []string{"method"})

	BatchSizeClampTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadhunter_batch_size_clamp_total",
		Help: "Times the adaptive size was found above the hard ceiling and forced back. Should stay at zero.",
	})
)

// 重试队列指标
var (
	RetryEnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhunter_retry_enqueue_total",
		Help: "Total items enqueued into the retry queue, by item type.",
	}, []string{"type"})

	RetryProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhunter_retry_processed_total",
		Help: "Total retry items processed, by final status.",
	}, []string{"status"})

	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leadhunter_retry_queue_depth",
		Help: "Retry items currently stored for the active campaign.",
	})
)

// 限流指标
var (
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadhunter_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadhunter_ratelimit_timeout_total",
		Help: "Rate limit acquisitions abandoned due to context timeout.",
	})
)

// 抓取指标
var (
	LookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leadhunter_lookups_total",
		Help: "Total provider lookups, by status.",
	}, []string{"status"})

	LookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadhunter_lookup_duration_seconds",
		Help:    "Duration of a single provider lookup.",
		Buckets: prometheus.DefBuckets,
	})

	BrowserRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadhunter_browser_restarts_total",
		Help: "Browser instances restarted after a captcha or health failure.",
	})

	BusinessesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leadhunter_businesses_extracted_total",
		Help: "Business listings extracted from map search pages.",
	})
)
