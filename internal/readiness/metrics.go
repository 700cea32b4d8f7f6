package readiness

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	celEvalCost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_readiness_eval_cost_total",
			Help: "Total cost of all evaluated CEL readiness expressions",
		},
	)

	celEvalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_readiness_eval_errors_total",
			Help: "Readiness checks that failed to evaluate and were treated as not ready",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(celEvalCost, celEvalErrors)
}
