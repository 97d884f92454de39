package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuahq/conductor/pkg/schema"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Runs dispatched, by model and terminal status",
		},
		[]string{"model", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Wall-clock run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"model"},
	)

	runTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_run_tokens_total",
			Help: "Tokens consumed by runs",
		},
		[]string{"model", "kind"},
	)

	runCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_run_cost_usd_total",
			Help: "Estimated run cost in USD",
		},
		[]string{"model"},
	)

	dataChannelConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_data_channel_connections",
			Help: "Open data-channel connections",
		},
	)
)

func recordRun(model, status string, seconds float64, usage schema.Usage) {
	runsTotal.WithLabelValues(model, status).Inc()
	runDuration.WithLabelValues(model).Observe(seconds)
	runTokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	runTokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	runCost.WithLabelValues(model).Add(usage.ResponseCost)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
