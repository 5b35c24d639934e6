package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		jobsSubmittedTotal,
		jobsDispatchedTotal,
		jobsFinishedTotal,
		jobRetriesTotal,
		jobsActive,
		jobsQueued,
	)
}

var (
	jobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_jobs_submitted_total",
			Help: "Total number of jobs accepted by submit.",
		},
	)

	jobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_jobs_dispatched_total",
			Help: "Dispatch starts per provider/model.",
		},
		[]string{"provider", "model"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_jobs_finished_total",
			Help: "Attempt outcomes, labeled by status and error kind.",
		},
		[]string{"status", "kind"}, // status: succeeded|failed|aborted
	)

	jobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_job_retries_total",
			Help: "Retries scheduled, labeled by reason.",
		},
		[]string{"reason"}, // error|low_confidence|manual
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_jobs_active",
			Help: "Jobs currently holding a concurrency slot.",
		},
	)

	jobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_jobs_queued",
			Help: "Jobs waiting for a dispatch slot.",
		},
	)
)

func AddJobsSubmitted(n int) { jobsSubmittedTotal.Add(float64(n)) }

func IncJobDispatched(provider, model string) {
	jobsDispatchedTotal.WithLabelValues(norm(provider), norm(model)).Inc()
}

func IncJobFinished(status, kind string) {
	jobsFinishedTotal.WithLabelValues(norm(status), norm(kind)).Inc()
}

func IncJobRetry(reason string) {
	jobRetriesTotal.WithLabelValues(norm(reason)).Inc()
}

func SetQueueDepth(queued, active int) {
	jobsQueued.Set(float64(queued))
	jobsActive.Set(float64(active))
}
