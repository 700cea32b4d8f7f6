package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	callLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_provider_call_seconds",
			Help:    "Latency of provider calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"op"},
	)

	callErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_provider_call_errors_total",
			Help: "Failed provider calls by operation and classification",
		}, []string{"op", "class"},
	)
)

func init() {
	metrics.Registry.MustRegister(callLatency, callErrors)
}
