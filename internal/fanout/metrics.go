package fanout

import "github.com/prometheus/client_golang/prometheus"

var (
	fanoutRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedctl_fanout_requests_total",
			Help: "Fan-out requests sent, by topic.",
		},
		[]string{"topic"},
	)
	fanoutRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedctl_fanout_replies_total",
			Help: "Per-site fan-out results, by topic and result (ok, error, absent).",
		},
		[]string{"topic", "result"},
	)
	fanoutLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedctl_fanout_latency_ms",
			Help:    "Wall time of one fan-out in milliseconds.",
			Buckets: []float64{5, 25, 100, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(fanoutRequestsTotal, fanoutRepliesTotal, fanoutLatencyMs)
}
