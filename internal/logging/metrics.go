package logging

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	apiv1 "github.com/Azure/strata/api/v1"
)

var allStates = []apiv1.InstanceState{
	apiv1.StatePending, apiv1.StateComposing, apiv1.StateApplying, apiv1.StateReady,
	apiv1.StateDegraded, apiv1.StateDeleting, apiv1.StateGone,
}

var (
	instancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_instances",
			Help: "Number of instances in each lifecycle state",
		}, []string{"state"},
	)

	droppedStatusLogs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_status_logs_dropped_total",
			Help: "Status change entries skipped by the status logger's rate limit",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(instancesByState, droppedStatusLogs)
}
