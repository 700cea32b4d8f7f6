package composition

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var ruleCount = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "strata_composition_rules",
		Help: "Number of published composition rules",
	},
)

func init() {
	metrics.Registry.MustRegister(ruleCount)
}
