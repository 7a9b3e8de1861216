package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediaq_jobs_enqueued_total", Help: "Jobs accepted by the broker"}, []string{"type", "priority"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediaq_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediaq_jobs_retried_total", Help: "Failed attempts scheduled for retry"}, []string{"type"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediaq_jobs_failed_total", Help: "Jobs failed with no attempts left"}, []string{"type"})
	LeasesExpired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "mediaq_leases_expired_total", Help: "Active jobs whose lease lapsed and were reclaimed"})
	RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{Name: "mediaq_rate_limit_waits_total", Help: "Times a slot blocked on the rate limiter"})
	QueueDepth     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mediaq_queue_depth", Help: "Jobs per broker state"}, []string{"state"})
	InFlight       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mediaq_inflight", Help: "Attempts executing in this process"})
	JobDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaq_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"type", "outcome"})
)

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			LeasesExpired,
			RateLimitWaits,
			QueueDepth,
			InFlight,
			JobDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
