package scheduler

import (
	"sync"

	apiv1 "github.com/Azure/strata/api/v1"
)

// keyedLock is a set of non-blocking per-instance locks.
type keyedLock struct {
	mu   sync.Mutex
	held map[apiv1.InstanceRef]struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: map[apiv1.InstanceRef]struct{}{}}
}

func (k *keyedLock) TryLock(ref apiv1.InstanceRef) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[ref]; ok {
		return false
	}
	k.held[ref] = struct{}{}
	return true
}

func (k *keyedLock) Unlock(ref apiv1.InstanceRef) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, ref)
}
