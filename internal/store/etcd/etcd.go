// Package etcd implements a store backend on top of an etcd v3 cluster.
package etcd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Azure/strata/internal/store"
)

type Options struct {
	Endpoints   []string
	DialTimeout time.Duration

	// Prefix is prepended to every key, allowing several engines to share a cluster.
	Prefix string
}

type Backend struct {
	client *clientv3.Client
	prefix string
}

var _ store.Backend = (*Backend)(nil)

func New(opts Options) (*Backend, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: opts.Endpoints, DialTimeout: opts.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("creating etcd client: %w", err)
	}
	return &Backend{client: cli, prefix: opts.Prefix}, nil
}

func (b *Backend) Get(ctx context.Context, key string) (*store.KeyValue, error) {
	resp, err := b.client.Get(ctx, b.prefix+key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrKeyNotFound
	}
	kv := resp.Kvs[0]
	return &store.KeyValue{Key: key, Value: kv.Value, Revision: kv.ModRevision}, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte, revision int64) (int64, error) {
	k := b.prefix + key
	if revision == store.AnyRevision {
		resp, err := b.client.Put(ctx, k, string(value))
		if err != nil {
			return 0, err
		}
		return resp.Header.Revision, nil
	}

	cmp := clientv3.Compare(clientv3.ModRevision(k), "=", revision)
	if revision == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
	}
	resp, err := b.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(k, string(value))).
		Else(clientv3.OpGet(k, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, failedPrecondition(resp, revision)
	}
	return resp.Header.Revision, nil
}

func (b *Backend) Delete(ctx context.Context, key string, revision int64) error {
	k := b.prefix + key
	if revision == store.AnyRevision {
		resp, err := b.client.Delete(ctx, k)
		if err != nil {
			return err
		}
		if resp.Deleted == 0 {
			return store.ErrKeyNotFound
		}
		return nil
	}

	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", revision)).
		Then(clientv3.OpDelete(k)).
		Else(clientv3.OpGet(k, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return failedPrecondition(resp, revision)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]*store.KeyValue, error) {
	resp, err := b.client.Get(ctx, b.prefix+prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	out := make([]*store.KeyValue, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		out[i] = &store.KeyValue{Key: string(kv.Key)[len(b.prefix):], Value: kv.Value, Revision: kv.ModRevision}
	}
	return out, nil
}

func (b *Backend) Watch(ctx context.Context, prefix string) (<-chan store.Event, error) {
	wc := b.client.Watch(clientv3.WithRequireLeader(ctx), b.prefix+prefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

	out := make(chan store.Event)
	go func() {
		defer close(out)
		logger := logr.FromContextOrDiscard(ctx)
		for resp := range wc {
			if err := resp.Err(); err != nil {
				logger.Error(err, "etcd watch failed")
				return
			}
			for _, ev := range resp.Events {
				sev := store.Event{Type: store.EventPut}
				sev.Key = string(ev.Kv.Key)[len(b.prefix):]
				sev.Revision = ev.Kv.ModRevision
				sev.Value = ev.Kv.Value
				if ev.Type == clientv3.EventTypeDelete {
					sev.Type = store.EventDelete
					if ev.PrevKv != nil {
						sev.Value = ev.PrevKv.Value
					}
				}
				select {
				case out <- sev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) Close() error { return b.client.Close() }

func failedPrecondition(resp *clientv3.TxnResponse, revision int64) error {
	if revision != 0 && len(resp.Responses) > 0 {
		if rng := resp.Responses[0].GetResponseRange(); rng != nil && rng.Count == 0 {
			return store.ErrKeyNotFound
		}
	}
	return store.ErrRevision
}
