package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(rateLimitWaitsTotal, rateLimitWaitSeconds) }

var (
	rateLimitWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_rate_limit_waits_total",
			Help: "Loop iterations that found queued work but no dispatch slot.",
		},
	)

	rateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_rate_limit_wait_seconds",
			Help:    "Wait chosen by the scheduler loop when no slot was available.",
			Buckets: []float64{0.25, 0.5, 0.75, 1},
		},
	)
)

func ObserveSlotWait(seconds float64) {
	rateLimitWaitsTotal.Inc()
	rateLimitWaitSeconds.Observe(seconds)
}
