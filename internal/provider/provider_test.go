package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Azure/strata/internal/errdefs"
	"github.com/Azure/strata/internal/provider"
	"github.com/Azure/strata/internal/provider/fake"
	"github.com/Azure/strata/internal/testutil"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, provider.Classify("Create", nil))

	nf := provider.NotFound("abc")
	assert.Same(t, nf, provider.Classify("Read", nf))
	assert.True(t, provider.IsNotFound(fmt.Errorf("wrapped: %w", nf)))

	err := provider.Classify("Create", errors.New("boom"))
	assert.True(t, errdefs.IsProvider(err))
	assert.False(t, errdefs.IsTerminal(err))
	assert.True(t, errdefs.Retryable(err))
	assert.Equal(t, "provider Create failed (retryable): boom", err.Error())

	err = provider.Classify("Delete", fmt.Errorf("outer: %w", provider.Terminal(errors.New("quota exceeded"))))
	assert.True(t, errdefs.IsTerminal(err))
	assert.False(t, errdefs.Retryable(err))

	// Classifying twice doesn't nest
	assert.Same(t, err, provider.Classify("Delete", err))

	assert.Nil(t, provider.Terminal(nil))
}

type blockingClient struct{ provider.Client }

func (blockingClient) Read(ctx context.Context, id string) (*provider.Status, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	ctx := testutil.NewContext(t)
	c := provider.WithTimeout(blockingClient{}, 10*time.Millisecond)

	_, err := c.Read(ctx, "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out after 10ms")

	err = provider.Classify("Read", err)
	assert.True(t, errdefs.Retryable(err))
}

// slowClient ignores its context.
type slowClient struct {
	provider.Client
	delay time.Duration
	calls chan struct{}
}

func (s slowClient) Read(ctx context.Context, id string) (*provider.Status, error) {
	time.Sleep(s.delay)
	return &provider.Status{ID: id, Ready: true}, nil
}

func (s slowClient) Delete(ctx context.Context, id string) error {
	time.Sleep(s.delay)
	s.calls <- struct{}{}
	return nil
}

func TestWithTimeoutIgnoredContext(t *testing.T) {
	ctx := testutil.NewContext(t)
	calls := make(chan struct{}, 1)
	c := provider.WithTimeout(slowClient{delay: 200 * time.Millisecond, calls: calls}, 10*time.Millisecond)

	start := time.Now()
	status, err := c.Read(ctx, "abc")
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Nil(t, status)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errdefs.Retryable(provider.Classify("Read", err)))

	err = c.Delete(ctx, "abc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-calls // the late call still completes in the background
}

func TestWithTimeoutParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.NewContext(t))
	cancel()

	_, err := provider.WithTimeout(blockingClient{}, time.Minute).Read(ctx, "abc")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "timed out")
}

func TestWithTimeoutPassesResults(t *testing.T) {
	ctx := testutil.NewContext(t)
	cloud := fake.New()
	c := provider.WithTimeout(cloud, time.Second)

	id, err := c.Create(ctx, &provider.Resource{Kind: testutil.GVK("XSubnet"), Name: "a"})
	require.NoError(t, err)
	status, err := c.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, status.ID)

	_, err = c.Read(ctx, "missing")
	assert.True(t, provider.IsNotFound(err))
	assert.NotContains(t, err.Error(), "timed out")
}

func TestWithRateLimit(t *testing.T) {
	ctx := testutil.NewContext(t)
	cloud := fake.New()
	c := provider.WithRateLimit(cloud, rate.NewLimiter(rate.Limit(0), 1))

	_, err := c.Read(ctx, "missing")
	assert.True(t, provider.IsNotFound(err))

	// The single token is spent and the limiter never refills
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = c.Read(ctx, "missing")
	assert.Error(t, err)
	assert.False(t, provider.IsNotFound(err))
	assert.Equal(t, 1, cloud.CallCount("Read"))
}
