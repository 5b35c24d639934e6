package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(storeOpsTotal, storeSweptTotal) }

var (
	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_store_ops_total",
			Help: "Response store operations by backend, op and result.",
		},
		[]string{"backend", "op", "result"}, // e.g., backend="redis", op="append", result="ok"
	)

	storeSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_store_swept_total",
			Help: "Stale response store entries removed by the sweeper.",
		},
		[]string{"backend"},
	)
)

func IncStoreOp(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOpsTotal.WithLabelValues(norm(backend), norm(op), result).Inc()
}

func AddStoreSwept(backend string, n int) {
	storeSweptTotal.WithLabelValues(norm(backend)).Add(float64(n))
}
