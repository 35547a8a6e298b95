package worker

import "github.com/prometheus/client_golang/prometheus"

var workerRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fedctl_worker_requests_total",
		Help: "Admin requests handled by this site, by topic and result.",
	},
	[]string{"topic", "result"},
)

func init() {
	prometheus.MustRegister(workerRequestsTotal)
}
