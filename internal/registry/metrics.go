package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	registeredKinds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_registry_kinds",
			Help: "Number of registered kinds",
		},
	)

	registeredVersions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_registry_versions_total",
			Help: "Number of kind versions published since the process started",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(registeredKinds, registeredVersions)
}
