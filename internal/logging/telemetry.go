// Package logging holds the engine's production logger and its instance status logger.
package logging

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/store"
)

// Logger writes status entries. Every entry is stamped with the time it was logged,
// which can differ from the time the change was observed when entries are dumped.
type Logger struct {
	logFn func(ctx context.Context, msg string, args ...any)
}

// NewLogger returns a Logger writing to the context's logr logger at V(0).
func NewLogger() *Logger {
	return &Logger{
		logFn: func(ctx context.Context, msg string, args ...any) {
			logr.FromContextOrDiscard(ctx).V(0).Info(msg, args...)
		},
	}
}

// NewZapLogger returns a production logger that enables logr levels up to verbosity.
func NewZapLogger(buildVersion string, verbosity int) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return NewLoggerWithBuild(zl, buildVersion), nil
}

// NewLoggerWithBuild creates a logger with serviceBuild field if buildVersion is provided
func NewLoggerWithBuild(zl *zap.Logger, buildVersion string) logr.Logger {
	logger := zapr.NewLogger(zl)
	if buildVersion != "" {
		logger = logger.WithValues("serviceBuild", buildVersion)
	}
	return logger
}

func (l *Logger) Log(ctx context.Context, msg string, field ...any) {
	enrichedFields := []any{"timestamp", time.Now()}
	enrichedFields = append(enrichedFields, field...)
	l.logFn(ctx, msg, enrichedFields...)
}

// WithLogFn replaces the log function. Used by tests to capture entries.
func (l *Logger) WithLogFn(fn func(ctx context.Context, msg string, args ...any)) *Logger {
	l.logFn = fn
	return l
}

// StatusLoggerConfig configures a StatusLogger
type StatusLoggerConfig struct {
	Store *store.Store

	// Frequency of the periodic dump of every known instance's status. Zero disables it.
	Frequency time.Duration

	// Limiter bounds the rate of status change entries. Defaults to 10/s with a burst of 50.
	Limiter *rate.Limiter

	Logger *Logger
}

// StatusLogger logs instance status changes streamed from the store.
type StatusLogger struct {
	store     *store.Store
	logger    *Logger
	limiter   *rate.Limiter
	frequency time.Duration

	mu    sync.Mutex
	known map[apiv1.InstanceRef]*apiv1.Instance
}

func NewStatusLogger(config StatusLoggerConfig) *StatusLogger {
	s := &StatusLogger{
		store:     config.Store,
		logger:    config.Logger,
		limiter:   config.Limiter,
		frequency: config.Frequency,
		known:     map[apiv1.InstanceRef]*apiv1.Instance{},
	}
	if s.logger == nil {
		s.logger = NewLogger()
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(10), 50)
	}
	return s
}

// Start logs status changes until the context is canceled.
func (s *StatusLogger) Start(ctx context.Context) error {
	ctx = logr.NewContext(ctx, logr.FromContextOrDiscard(ctx).WithName("statusLogger"))

	events, err := s.store.Watch(ctx)
	if err != nil {
		return err
	}

	var tick <-chan time.Time
	if s.frequency > 0 {
		tick = time.After(s.nextDump())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Observe(ctx, ev)
		case <-tick:
			s.Dump(ctx)
			tick = time.After(s.nextDump())
		}
	}
}

func (s *StatusLogger) nextDump() time.Duration {
	jitter := time.Duration(float64(s.frequency) * 0.2 * (0.5 - rand.Float64()))
	return s.frequency + jitter
}

// Observe logs a single watch event if it changed the instance's status.
func (s *StatusLogger) Observe(ctx context.Context, ev store.WatchEvent) {
	inst := ev.Instance
	ref := inst.Ref()

	s.mu.Lock()
	prev, exists := s.known[ref]
	if ev.Type == store.Removed {
		delete(s.known, ref)
	} else {
		s.known[ref] = inst
	}
	s.updateStateGauge()
	s.mu.Unlock()

	if ev.Type == store.Removed {
		s.log(ctx, append([]any{"eventType", "status_deleted"}, extractInstanceFields(inst)...))
		return
	}
	if exists && !statusChanged(prev, inst) {
		return
	}
	s.log(ctx, append([]any{"eventType", instanceEventType(prev, inst)}, extractInstanceFields(inst)...))
}

// Dump logs the current status of every known instance, bypassing the rate limit.
func (s *StatusLogger) Dump(ctx context.Context) {
	s.mu.Lock()
	all := make([]*apiv1.Instance, 0, len(s.known))
	for _, inst := range s.known {
		all = append(all, inst)
	}
	s.mu.Unlock()

	for _, inst := range all {
		s.logger.Log(ctx, "current instance status", append([]any{"eventType", "status_snapshot"}, extractInstanceFields(inst)...)...)
	}
}

func (s *StatusLogger) log(ctx context.Context, fields []any) {
	if !s.limiter.Allow() {
		droppedStatusLogs.Inc()
		return
	}
	s.logger.Log(ctx, "current instance status", fields...)
}

// updateStateGauge must be called while holding the lock.
func (s *StatusLogger) updateStateGauge() {
	counts := map[apiv1.InstanceState]int{}
	for _, inst := range s.known {
		counts[inst.Status.State]++
	}
	for _, state := range allStates {
		instancesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
