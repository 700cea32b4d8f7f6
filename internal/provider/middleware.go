package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every provider call unless overridden.
const DefaultTimeout = 30 * time.Second

// WithTimeout bounds every call to the client. Timeouts are retryable.
func WithTimeout(c Client, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutClient{next: c, timeout: timeout}
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

func (t *timeoutClient) Create(ctx context.Context, res *Resource) (string, error) {
	return withDeadline(ctx, t.timeout, func(ctx context.Context) (string, error) {
		return t.next.Create(ctx, res)
	})
}

func (t *timeoutClient) Read(ctx context.Context, id string) (*Status, error) {
	return withDeadline(ctx, t.timeout, func(ctx context.Context) (*Status, error) {
		return t.next.Read(ctx, id)
	})
}

func (t *timeoutClient) Update(ctx context.Context, id string, res *Resource) (*Status, error) {
	return withDeadline(ctx, t.timeout, func(ctx context.Context) (*Status, error) {
		return t.next.Update(ctx, id, res)
	})
}

func (t *timeoutClient) Delete(ctx context.Context, id string) error {
	_, err := withDeadline(ctx, t.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.Delete(ctx, id)
	})
	return err
}

type callResult[T any] struct {
	val T
	err error
}

// withDeadline returns as soon as the timeout expires, even if fn ignores its context.
// The result of a call that returns late is discarded.
func withDeadline[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		val, err := fn(ctx)
		done <- callResult[T]{val: val, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsTerminal(r.err) {
			return r.val, fmt.Errorf("call timed out after %s: %w", timeout, r.err)
		}
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("call timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return zero, ctx.Err()
	}
}

// WithRateLimit makes every call wait for the limiter.
func WithRateLimit(c Client, limiter *rate.Limiter) Client {
	return &rateLimitedClient{next: c, limiter: limiter}
}

type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

func (r *rateLimitedClient) Create(ctx context.Context, res *Resource) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.Create(ctx, res)
}

func (r *rateLimitedClient) Read(ctx context.Context, id string) (*Status, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Read(ctx, id)
}

func (r *rateLimitedClient) Update(ctx context.Context, id string, res *Resource) (*Status, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Update(ctx, id, res)
}

func (r *rateLimitedClient) Delete(ctx context.Context, id string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.next.Delete(ctx, id)
}

// Instrument records the latency and outcome of every call.
func Instrument(c Client) Client {
	return &instrumentedClient{next: c}
}

type instrumentedClient struct {
	next Client
}

func (i *instrumentedClient) Create(ctx context.Context, res *Resource) (string, error) {
	start := time.Now()
	id, err := i.next.Create(ctx, res)
	observe("Create", start, err)
	return id, err
}

func (i *instrumentedClient) Read(ctx context.Context, id string) (*Status, error) {
	start := time.Now()
	status, err := i.next.Read(ctx, id)
	observe("Read", start, err)
	return status, err
}

func (i *instrumentedClient) Update(ctx context.Context, id string, res *Resource) (*Status, error) {
	start := time.Now()
	status, err := i.next.Update(ctx, id, res)
	observe("Update", start, err)
	return status, err
}

func (i *instrumentedClient) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := i.next.Delete(ctx, id)
	observe("Delete", start, err)
	return err
}

func observe(op string, start time.Time, err error) {
	callLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
	case IsNotFound(err):
		callErrors.WithLabelValues(op, "notfound").Inc()
	case IsTerminal(err):
		callErrors.WithLabelValues(op, "terminal").Inc()
	default:
		callErrors.WithLabelValues(op, "retryable").Inc()
	}
}
