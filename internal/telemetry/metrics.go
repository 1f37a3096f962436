package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExtractionCalls    = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_extraction_calls_total", Help: "Outbound provider calls attempted"})
	ExtractionFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_extraction_failures_total", Help: "Provider calls that returned an error"})
	QuotaDenied        = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_quota_denied_total", Help: "Extraction attempts deferred by quota admission"})
	PostsSaved         = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_posts_saved_total", Help: "Content items persisted"})
	JobsSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_jobs_succeeded_total", Help: "Extraction jobs that reached succeeded"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_jobs_failed_total", Help: "Extraction jobs that exhausted attempts"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_jobs_retried_total", Help: "Job attempts that were rescheduled for retry"})
	AlertsRaised       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "watch_alerts_raised_total", Help: "Alerts emitted to the notifier"}, []string{"kind"})
	QuotaUsagePct      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "watch_quota_usage_pct", Help: "Provider quota usage percentage per window"}, []string{"config_id", "window"})
	CyclesRun          = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_cycles_total", Help: "Monitoring cycles completed"})
	CyclesDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "watch_cycles_dropped_total", Help: "Ticks skipped because a cycle was still running"})
	LastCycleSeconds   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "watch_last_cycle_seconds", Help: "Duration of the most recent cycle"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "watch_queue_depth", Help: "Pending extraction jobs"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "watch_jobs_inflight", Help: "Extraction jobs currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExtractionCalls,
			ExtractionFailures,
			QuotaDenied,
			PostsSaved,
			JobsSucceeded,
			JobsFailed,
			JobsRetried,
			AlertsRaised,
			QuotaUsagePct,
			CyclesRun,
			CyclesDropped,
			LastCycleSeconds,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
