// Package manager assembles the engine's components and serves its HTTP endpoints.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/composition"
	"github.com/Azure/strata/internal/logging"
	"github.com/Azure/strata/internal/provider"
	"github.com/Azure/strata/internal/registry"
	"github.com/Azure/strata/internal/scheduler"
	"github.com/Azure/strata/internal/store"
	"github.com/Azure/strata/internal/store/etcd"
	"github.com/Azure/strata/internal/store/memory"
	"github.com/Azure/strata/pkg/loader"
)

func init() {
	go func() {
		if addr := os.Getenv("PPROF_ADDR"); addr != "" {
			err := http.ListenAndServe(addr, nil)
			panic(fmt.Sprintf("unable to serve pprof listener: %s", err))
		}
	}()
}

// Manager owns a single engine: its registry, rules, store, and scheduler.
type Manager struct {
	Registry  *registry.Registry
	Rules     *composition.RuleSet
	Resolver  *composition.Resolver
	Store     *store.Store
	Scheduler *scheduler.Scheduler

	statusLogger *logging.StatusLogger
	backend      store.Backend
	logger       logr.Logger
	opts         *Options
	running      atomic.Bool
}

func New(logger logr.Logger, opts *Options, client provider.Client) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var backend store.Backend
	switch opts.Store {
	case StoreEtcd:
		var err error
		backend, err = etcd.New(etcd.Options{
			Endpoints:   opts.EtcdEndpoints,
			DialTimeout: opts.EtcdDialTimeout,
			Prefix:      opts.EtcdPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("constructing etcd store: %w", err)
		}
	default:
		backend = memory.New()
	}

	if opts.ProviderQPS > 0 {
		client = provider.WithRateLimit(client, rate.NewLimiter(rate.Limit(opts.ProviderQPS), opts.ProviderBurst))
	}

	m := &Manager{
		Registry: registry.New(),
		backend:  backend,
		logger:   logger,
		opts:     opts,
	}
	m.Rules = composition.NewRuleSet(m.Registry)
	m.Resolver = composition.NewResolver(m.Registry, m.Rules)
	m.Store = store.New(backend, m.Registry)
	m.Scheduler = scheduler.New(m.Store, m.Resolver, client, opts.Scheduler)
	m.statusLogger = logging.NewStatusLogger(logging.StatusLoggerConfig{
		Store:     m.Store,
		Frequency: opts.StatusLogFrequency,
	})
	return m, nil
}

// Start runs the scheduler, the status logger, and the HTTP endpoints until the context is canceled.
func (m *Manager) Start(ctx context.Context) error {
	ctx = logr.NewContext(ctx, m.logger)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.running.Store(true)
		defer m.running.Store(false)
		return m.Scheduler.Start(ctx)
	})
	g.Go(func() error { return m.statusLogger.Start(ctx) })
	if addr := m.opts.MetricsAddr; addr != "" {
		g.Go(func() error { return serve(ctx, addr, MetricsHandler()) })
	}
	if addr := m.opts.HealthProbeAddr; addr != "" {
		g.Go(func() error { return serve(ctx, addr, m.HealthHandler()) })
	}
	return g.Wait()
}

func (m *Manager) Close() error { return m.backend.Close() }

// Load registers the bundle's kinds and rules. Nothing is registered past the first failing kind or rule.
func (m *Manager) Load(bundle *loader.Bundle) error {
	for _, rk := range bundle.Kinds {
		if err := m.Registry.Register(rk); err != nil {
			return fmt.Errorf("registering kind %s: %w", rk.Name, err)
		}
	}
	for _, cr := range bundle.Rules {
		if err := m.Rules.Add(cr); err != nil {
			return fmt.Errorf("adding composition rule %s: %w", cr.Name, err)
		}
	}
	return nil
}

// Validate loads the bundle and checks that every instance is valid and composes without errors.
// No instances are written.
func (m *Manager) Validate(ctx context.Context, bundle *loader.Bundle) error {
	if err := m.Load(bundle); err != nil {
		return err
	}

	var errs error
	for _, inst := range bundle.Instances {
		inst = inst.DeepCopy()
		ref := inst.Ref()
		if err := m.Registry.ValidateParameters(inst.GroupVersionKind(), inst.Spec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("instance %s: %w", ref, err))
			continue
		}
		if !m.Resolver.IsComposite(inst.GroupVersionKind().GroupKind()) {
			continue
		}
		m.defaultNamespace(inst)
		if _, err := m.Resolver.Resolve(ctx, inst); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("instance %s: %w", ref, err))
		}
	}
	return errs
}

// Apply loads the bundle and writes its instances, creating missing ones and updating the rest.
// A bundle whose kinds or rules are invalid (including cyclic compositions) is rejected before
// any instance is written, so the provider is never called on its behalf.
func (m *Manager) Apply(ctx context.Context, bundle *loader.Bundle) ([]apiv1.InstanceRef, error) {
	if err := m.Load(bundle); err != nil {
		return nil, err
	}

	logger := logr.FromContextOrDiscard(ctx)
	refs := make([]apiv1.InstanceRef, 0, len(bundle.Instances))
	var errs error
	for _, inst := range bundle.Instances {
		applied, err := m.apply(ctx, inst.DeepCopy())
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("applying instance %s: %w", inst.Ref(), err))
			continue
		}
		logger.V(1).Info("applied instance", "instanceKind", applied.Kind, "instanceName", applied.Name, "instanceNamespace", applied.Namespace, "instanceGeneration", applied.Generation)
		refs = append(refs, applied.Ref())
	}
	return refs, errs
}

func (m *Manager) apply(ctx context.Context, inst *apiv1.Instance) (*apiv1.Instance, error) {
	m.defaultNamespace(inst)
	created, err := m.Store.Create(ctx, inst)
	if !apierrors.IsAlreadyExists(err) {
		return created, err
	}

	var updated *apiv1.Instance
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current, err := m.Store.Get(ctx, inst.Ref())
		if err != nil {
			return err
		}
		current.Spec = inst.Spec
		current.Labels = inst.Labels
		current.Annotations = inst.Annotations
		updated, err = m.Store.Update(ctx, current)
		return err
	})
	return updated, err
}

func (m *Manager) defaultNamespace(inst *apiv1.Instance) {
	if inst.Namespace != "" {
		return
	}
	if k, err := m.Registry.Kind(inst.GroupVersionKind().GroupKind()); err == nil && k.Scope == apiv1.ScopeNamespaced {
		inst.Namespace = store.DefaultNamespace
	}
}

// WaitSettled blocks until every instance is Ready, Degraded, or removed and returns their latest state.
func (m *Manager) WaitSettled(ctx context.Context, refs []apiv1.InstanceRef, interval time.Duration) ([]*apiv1.Instance, error) {
	latest := make([]*apiv1.Instance, len(refs))
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		settled := true
		for i, ref := range refs {
			inst, err := m.Store.Get(ctx, ref)
			if apierrors.IsNotFound(err) {
				latest[i] = nil
				continue
			}
			if err != nil {
				return false, err
			}
			latest[i] = inst
			if s := inst.Status.State; s != apiv1.StateReady && s != apiv1.StateDegraded {
				settled = false
			}
		}
		return settled, nil
	})
	return latest, err
}

// MetricsHandler serves every collector registered on the controller-runtime registry.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (m *Manager) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", http.StripPrefix("/healthz", &healthz.Handler{
		Checks: map[string]healthz.Checker{"ping": healthz.Ping},
	}))
	mux.Handle("/readyz", http.StripPrefix("/readyz", &healthz.Handler{
		Checks: map[string]healthz.Checker{"scheduler": m.schedulerRunning},
	}))
	return mux
}

func (m *Manager) schedulerRunning(*http.Request) error {
	if !m.running.Load() {
		return errors.New("scheduler is not running")
	}
	return nil
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
