// Package memory implements an in-process store backend ordered by key.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/emirpasic/gods/v2/trees/redblacktree"

	"github.com/Azure/strata/internal/store"
)

// Backend keeps records in a red-black tree so prefix listing is a range scan.
// It's safe for concurrent use.
type Backend struct {
	mut      sync.RWMutex
	tree     *redblacktree.Tree[string, *store.KeyValue]
	revision int64
	watchers map[*watcher]struct{}
	closed   bool
	done     chan struct{}
}

var _ store.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		tree:     redblacktree.New[string, *store.KeyValue](),
		watchers: map[*watcher]struct{}{},
		done:     make(chan struct{}),
	}
}

func (b *Backend) Get(ctx context.Context, key string) (*store.KeyValue, error) {
	b.mut.RLock()
	defer b.mut.RUnlock()

	kv, ok := b.tree.Get(key)
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return clone(kv), nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte, revision int64) (int64, error) {
	b.mut.Lock()
	defer b.mut.Unlock()

	current, exists := b.tree.Get(key)
	switch {
	case revision == store.AnyRevision:
	case revision == 0 && exists:
		return 0, store.ErrRevision
	case revision > 0 && !exists:
		return 0, store.ErrKeyNotFound
	case revision > 0 && current.Revision != revision:
		return 0, store.ErrRevision
	}

	b.revision++
	kv := &store.KeyValue{Key: key, Value: append([]byte(nil), value...), Revision: b.revision}
	b.tree.Put(key, kv)
	b.notify(store.Event{Type: store.EventPut, KeyValue: *clone(kv)})
	return b.revision, nil
}

func (b *Backend) Delete(ctx context.Context, key string, revision int64) error {
	b.mut.Lock()
	defer b.mut.Unlock()

	current, exists := b.tree.Get(key)
	if !exists {
		return store.ErrKeyNotFound
	}
	if revision != store.AnyRevision && current.Revision != revision {
		return store.ErrRevision
	}

	b.revision++
	b.tree.Remove(key)
	prev := clone(current)
	prev.Revision = b.revision
	b.notify(store.Event{Type: store.EventDelete, KeyValue: *prev})
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]*store.KeyValue, error) {
	b.mut.RLock()
	defer b.mut.RUnlock()

	node, ok := b.tree.Ceiling(prefix)
	if !ok {
		return nil, nil
	}

	var out []*store.KeyValue
	for it := b.tree.IteratorAt(node); strings.HasPrefix(it.Key(), prefix); {
		out = append(out, clone(it.Value()))
		if !it.Next() {
			break
		}
	}
	return out, nil
}

func (b *Backend) Watch(ctx context.Context, prefix string) (<-chan store.Event, error) {
	b.mut.Lock()
	defer b.mut.Unlock()

	out := make(chan store.Event)
	if b.closed {
		close(out)
		return out, nil
	}

	w := &watcher{prefix: prefix, notify: make(chan struct{}, 1)}
	b.watchers[w] = struct{}{}
	go func() {
		defer func() {
			b.mut.Lock()
			delete(b.watchers, w)
			b.mut.Unlock()
		}()
		w.run(ctx, b.done, out)
	}()
	return out, nil
}

// Close stops every watcher. Reads and writes keep working.
func (b *Backend) Close() error {
	b.mut.Lock()
	defer b.mut.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// notify must be called while holding the write lock.
func (b *Backend) notify(ev store.Event) {
	for w := range b.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			w.push(ev)
		}
	}
}

// watcher buffers events so writers never wait for slow consumers.
type watcher struct {
	prefix  string
	mut     sync.Mutex
	pending []store.Event
	notify  chan struct{}
}

func (w *watcher) push(ev store.Event) {
	w.mut.Lock()
	w.pending = append(w.pending, ev)
	w.mut.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) run(ctx context.Context, done <-chan struct{}, out chan<- store.Event) {
	defer close(out)
	for {
		w.mut.Lock()
		batch := w.pending
		w.pending = nil
		w.mut.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}

		select {
		case <-w.notify:
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func clone(kv *store.KeyValue) *store.KeyValue {
	return &store.KeyValue{Key: kv.Key, Value: append([]byte(nil), kv.Value...), Revision: kv.Revision}
}
