package manager

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/Azure/strata/internal/scheduler"
)

const (
	StoreMemory = "memory"
	StoreEtcd   = "etcd"
)

type Options struct {
	Scheduler scheduler.Options

	HealthProbeAddr string
	MetricsAddr     string

	Store           string
	EtcdEndpoints   []string
	EtcdPrefix      string
	EtcdDialTimeout time.Duration

	// Provider calls are rate limited when ProviderQPS is positive.
	ProviderQPS   float64
	ProviderBurst int

	StatusLogFrequency time.Duration
}

func (o *Options) Bind(set *pflag.FlagSet) {
	set.StringVar(&o.HealthProbeAddr, "health-probe-addr", ":8081", "Address to serve health probes on")
	set.StringVar(&o.MetricsAddr, "metrics-addr", ":8080", "Address to serve Prometheus metrics on")

	set.IntVar(&o.Scheduler.Workers, "workers", 4, "Number of instances reconciled concurrently")
	set.DurationVar(&o.Scheduler.BaseDelay, "backoff-base", scheduler.DefaultBaseDelay, "Delay before the first retry of a failed pass")
	set.DurationVar(&o.Scheduler.MaxDelay, "backoff-max", scheduler.DefaultMaxDelay, "Upper bound of the exponential retry delay")
	o.Scheduler.Jitter = set.Float64("backoff-jitter", scheduler.DefaultJitter, "Fraction of each retry delay randomized in both directions (0 disables it)")
	set.IntVar(&o.Scheduler.PatchRetryBudget, "patch-retry-budget", 5, "Retries of a failing patch before the instance is Degraded")
	set.IntVar(&o.Scheduler.ProviderRetryBudget, "provider-retry-budget", 5, "Retries of a retryable provider error before the instance is Degraded")
	set.DurationVar(&o.Scheduler.ProviderTimeout, "provider-timeout", 30*time.Second, "Timeout of a single provider call")
	set.DurationVar(&o.Scheduler.ReadinessPollInterval, "readiness-poll-interval", 5*time.Second, "How often unready resources are checked")
	set.DurationVar(&o.Scheduler.ResyncInterval, "resync-interval", 0, "How often ready managed resources are re-read from the provider to detect drift (0 disables it)")

	set.StringVar(&o.Store, "store", StoreMemory, "Instance store backend: memory or etcd")
	set.StringSliceVar(&o.EtcdEndpoints, "etcd-endpoints", envList("STRATA_ETCD_ENDPOINTS", "localhost:2379"), "etcd endpoints used by the etcd store")
	set.StringVar(&o.EtcdPrefix, "etcd-prefix", "/strata", "Key prefix of the etcd store")
	set.DurationVar(&o.EtcdDialTimeout, "etcd-dial-timeout", 5*time.Second, "Timeout of the initial etcd connection")

	set.Float64Var(&o.ProviderQPS, "provider-qps", 0, "Max provider calls per second (0 disables the limit)")
	set.IntVar(&o.ProviderBurst, "provider-burst", 10, "Provider rate limiter burst")

	set.DurationVar(&o.StatusLogFrequency, "status-log-frequency", 0, "How often the status of every instance is logged (0 only logs changes)")
}

func (o *Options) validate() error {
	switch o.Store {
	case "", StoreMemory:
	case StoreEtcd:
		if len(o.EtcdEndpoints) == 0 {
			return fmt.Errorf("at least one etcd endpoint is required")
		}
	default:
		return fmt.Errorf("unknown store %q", o.Store)
	}
	if o.ProviderQPS < 0 {
		return fmt.Errorf("provider qps can't be negative")
	}
	return nil
}

func envList(key, fallback string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return []string{fallback}
}
