package scheduler

import (
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	apiv1 "github.com/Azure/strata/api/v1"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute
	DefaultJitter    = 0.2
)

// Backoff computes exponential per-instance retry delays with symmetric jitter.
// It also implements workqueue.TypedRateLimiter so it can drive the work queue directly.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, applied in both directions

	mu       sync.Mutex
	failures map[apiv1.InstanceRef]int
}

var _ workqueue.TypedRateLimiter[apiv1.InstanceRef] = (*Backoff)(nil)

// NewBackoff returns a Backoff. A jitter of zero disables it and values outside of [0, 1) fall back to DefaultJitter.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitter
	}
	return &Backoff{Base: base, Max: max, Jitter: jitter, failures: map[apiv1.InstanceRef]int{}}
}

// Delay returns the delay before the given retry attempt (starting at 1).
// The un-jittered delay doubles with every attempt, starting at Base.
// The jittered delay never exceeds Max.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter == 0 {
		return d
	}
	low := time.Duration(float64(d) * (1 - b.Jitter))
	return min(wait.Jitter(low, 2*b.Jitter/(1-b.Jitter)), b.Max)
}

func (b *Backoff) When(ref apiv1.InstanceRef) time.Duration {
	b.mu.Lock()
	b.failures[ref]++
	n := b.failures[ref]
	b.mu.Unlock()
	return b.Delay(n)
}

func (b *Backoff) Forget(ref apiv1.InstanceRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, ref)
}

func (b *Backoff) NumRequeues(ref apiv1.InstanceRef) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[ref]
}
