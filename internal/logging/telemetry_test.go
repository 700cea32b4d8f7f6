package logging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerLog(t *testing.T) {
	var (
		msg  string
		args []any
	)
	logger := NewLogger().WithLogFn(func(ctx context.Context, m string, a ...any) {
		msg, args = m, a
	})

	before := time.Now()
	logger.Log(context.Background(), "current instance status", "eventType", "status_created", "instanceName", "net")

	assert.Equal(t, "current instance status", msg)
	require.Len(t, args, 6)
	assert.Equal(t, "timestamp", args[0])
	ts, ok := args[1].(time.Time)
	require.True(t, ok)
	assert.False(t, ts.Before(before))
	assert.Equal(t, []any{"eventType", "status_created", "instanceName", "net"}, args[2:])
}

func TestLoggerConcurrentUse(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	logger := NewLogger().WithLogFn(func(context.Context, string, ...any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Log(context.Background(), "concurrent", "i", i)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestDefaultLogFnUsesContextLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := logr.NewContext(context.Background(), NewLoggerWithBuild(zap.New(core), ""))

	NewLogger().Log(ctx, "current instance status", "instanceName", "net")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "current instance status", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "net", fields["instanceName"])
	assert.Contains(t, fields, "timestamp")

	// No logger in the context is a no-op
	NewLogger().Log(context.Background(), "dropped")
	assert.Len(t, logs.All(), 1)
}

func TestNewLoggerWithBuild(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	NewLoggerWithBuild(zap.New(core), "v1.2.3").Info("with build")
	NewLoggerWithBuild(zap.New(core), "").Info("without build")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "v1.2.3", entries[0].ContextMap()["serviceBuild"])
	assert.NotContains(t, entries[1].ContextMap(), "serviceBuild")
}

func TestNewZapLogger(t *testing.T) {
	logger, err := NewZapLogger("dev", 0)
	require.NoError(t, err)
	assert.True(t, logger.V(0).Enabled())
	assert.False(t, logger.V(1).Enabled())

	logger, err = NewZapLogger("dev", 2)
	require.NoError(t, err)
	assert.True(t, logger.V(2).Enabled())
	assert.False(t, logger.V(3).Enabled())
}
