package console

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	consoleCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedctl_console_commands_total",
			Help: "Console commands dispatched, by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
	consoleCommandLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedctl_console_command_latency_ms",
			Help:    "Console command latency in milliseconds.",
			Buckets: []float64{1, 5, 25, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(
		consoleCommandsTotal,
		consoleCommandLatencyMs,
	)
}

func observeCommand(command string, outcome Outcome, elapsed time.Duration) {
	if command == "" {
		command = "unknown"
	}
	consoleCommandsTotal.WithLabelValues(command, string(outcome)).Inc()
	consoleCommandLatencyMs.WithLabelValues(command).Observe(float64(elapsed.Milliseconds()))
}
