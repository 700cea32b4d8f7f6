package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	reconcileLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_reconcile_duration_seconds",
			Help:    "Samples latency of a single reconcile pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 3.0, 6.0, 11.0, 20.0, 30.0},
		},
	)

	reconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_reconcile_actions_total",
			Help: "Changes made while reconciling instances, partitioned by action i.e. create, update, delete",
		}, []string{"action"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_state_transitions_total",
			Help: "Instance state transitions, partitioned by the state entered",
		}, []string{"state"},
	)

	reconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_reconcile_errors_total",
			Help: "Failed reconcile passes, partitioned by error class",
		}, []string{"class"},
	)
)

func init() {
	metrics.Registry.MustRegister(reconcileLatency, reconcileActions, stateTransitions, reconcileErrors)
}
