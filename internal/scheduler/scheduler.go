// Package scheduler drives every instance through its lifecycle until it converges on its desired state.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/composition"
	"github.com/Azure/strata/internal/errdefs"
	"github.com/Azure/strata/internal/provider"
	"github.com/Azure/strata/internal/store"
)

type Options struct {
	Workers int

	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the fraction of each retry delay randomized in both directions.
	// Nil uses DefaultJitter and zero disables it.
	Jitter *float64

	// Retry budgets of PatchErrors and retryable ProviderErrors before the instance is Degraded.
	PatchRetryBudget    int
	ProviderRetryBudget int

	ProviderTimeout time.Duration

	// ReadinessPollInterval is how often unready managed resources and deleting composites are checked.
	ReadinessPollInterval time.Duration

	// ResyncInterval periodically re-reads ready managed resources from the provider. Zero disables it.
	ResyncInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Jitter == nil {
		jitter := DefaultJitter
		o.Jitter = &jitter
	}
	if o.PatchRetryBudget <= 0 {
		o.PatchRetryBudget = 5
	}
	if o.ProviderRetryBudget <= 0 {
		o.ProviderRetryBudget = 5
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = provider.DefaultTimeout
	}
	if o.ReadinessPollInterval <= 0 {
		o.ReadinessPollInterval = 5 * time.Second
	}
}

// Scheduler reconciles instances using a rate limited work queue.
// The queue never hands the same instance to more than one worker at a time.
// Every pass also holds a per-instance lock so that direct Reconcile calls can't overlap a queued pass.
type Scheduler struct {
	store    *store.Store
	resolver *composition.Resolver
	provider provider.Client
	opts     Options

	backoff *Backoff
	queue   workqueue.TypedRateLimitingInterface[apiv1.InstanceRef]
	locks   *keyedLock

	mu       sync.Mutex
	inflight map[apiv1.InstanceRef]*pass
}

type pass struct {
	cancel   context.CancelFunc
	deleting bool
}

func New(st *store.Store, resolver *composition.Resolver, client provider.Client, opts Options) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{
		store:    st,
		resolver: resolver,
		provider: provider.Instrument(provider.WithTimeout(client, opts.ProviderTimeout)),
		opts:     opts,
		backoff:  NewBackoff(opts.BaseDelay, opts.MaxDelay, *opts.Jitter),
		locks:    newKeyedLock(),
		inflight: map[apiv1.InstanceRef]*pass{},
	}
	s.queue = workqueue.NewTypedRateLimitingQueueWithConfig(
		workqueue.NewTypedMaxOfRateLimiter[apiv1.InstanceRef](
			s.backoff,
			&workqueue.TypedBucketRateLimiter[apiv1.InstanceRef]{Limiter: rate.NewLimiter(rate.Limit(50), 300)},
		),
		workqueue.TypedRateLimitingQueueConfig[apiv1.InstanceRef]{Name: "strataScheduler"})
	return s
}

// Enqueue schedules a reconcile pass of the instance.
func (s *Scheduler) Enqueue(ref apiv1.InstanceRef) { s.queue.Add(ref) }

// Start watches the store and processes the queue until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := logr.FromContextOrDiscard(ctx).WithName("scheduler")
	ctx = logr.NewContext(ctx, logger)

	// The watch only streams future changes, so it must be established before listing
	events, err := s.store.Watch(ctx)
	if err != nil {
		return err
	}
	existing, err := s.store.List(ctx, store.ListOptions{})
	if err != nil {
		return err
	}
	seen := map[apiv1.InstanceRef]observation{}
	for _, inst := range existing {
		seen[inst.Ref()] = observe(inst)
		s.queue.Add(inst.Ref())
	}
	logger.V(1).Info("starting scheduler", "workers", s.opts.Workers, "instances", len(existing))

	go func() {
		<-ctx.Done()
		s.queue.ShutDown()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.watch(ctx, events, seen)
		return nil
	})
	for range s.opts.Workers {
		g.Go(func() error {
			for s.processNext(ctx) {
			}
			return nil
		})
	}
	return g.Wait()
}

// observation is what the watch remembers of an instance in order to ignore its own status writes.
type observation struct {
	generation int64
	deleting   bool
}

func observe(inst *apiv1.Instance) observation {
	return observation{generation: inst.Generation, deleting: inst.Deleting()}
}

func (s *Scheduler) watch(ctx context.Context, events <-chan store.WatchEvent, seen map[apiv1.InstanceRef]observation) {
	for {
		var ev store.WatchEvent
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}
		inst := ev.Instance
		ref := inst.Ref()

		// Changes to children are always interesting to their parent
		if owner, ok := inst.Owner(); ok {
			s.queue.Add(owner)
		}

		if ev.Type == store.Removed {
			delete(seen, ref)
			continue
		}

		// Status writes don't change the desired state, so they would only defeat the backoff
		current := observe(inst)
		prev, exists := seen[ref]
		seen[ref] = current
		if exists && prev == current {
			continue
		}
		if current.deleting && !prev.deleting {
			s.cancelPass(ref)
		}
		s.queue.Add(ref)
	}
}

func (s *Scheduler) processNext(ctx context.Context) bool {
	ref, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(ref)

	logger := logr.FromContextOrDiscard(ctx).WithValues("instanceKind", ref.Kind, "instanceName", ref.Name, "instanceNamespace", ref.Namespace)
	ctx = logr.NewContext(ctx, logger)

	result, err := s.Reconcile(ctx, ref)
	if err != nil {
		if errdefs.IsConcurrency(err) || errors.Is(err, context.Canceled) {
			logger.V(1).Info("requeueing interrupted pass", "reason", err.Error())
		} else {
			logger.Error(err, "error while reconciling instance")
		}
		s.queue.AddRateLimited(ref)
		return true
	}
	s.queue.Forget(ref)
	if result.RequeueAfter > 0 {
		s.queue.AddAfter(ref, result.RequeueAfter)
	}
	return true
}

// beginPass registers a cancelable pass for the instance.
// Observing the instance's deletion cancels a pass that started before it.
func (s *Scheduler) beginPass(ctx context.Context, ref apiv1.InstanceRef, deleting bool) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	p := &pass{cancel: cancel, deleting: deleting}

	s.mu.Lock()
	s.inflight[ref] = p
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if s.inflight[ref] == p {
			delete(s.inflight, ref)
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Scheduler) cancelPass(ref apiv1.InstanceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.inflight[ref]; ok && !p.deleting {
		p.cancel()
	}
}
