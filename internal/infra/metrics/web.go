package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(apiRequestsTotal) }

var apiRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "API requests by route and outcome.",
	},
	[]string{"route", "status"}, // status: ok|unauthorized|rejected|limited|error
)

func IncAPIRequest(route, status string) {
	apiRequestsTotal.WithLabelValues(route, norm(status)).Inc()
}
