// Package enforcer applies I/O priorities to newly started managed threads.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yairfalse/threadprio/internal/host"
	"github.com/yairfalse/threadprio/internal/offsets"
	"github.com/yairfalse/threadprio/internal/priority"
	"github.com/yairfalse/threadprio/internal/resolver"
	"github.com/yairfalse/threadprio/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one thread-start event
type Outcome int

const (
	// OutcomeNoMatch means no rule matched the thread name
	OutcomeNoMatch Outcome = iota
	// OutcomeUnresolved means the OS thread id could not be computed
	OutcomeUnresolved
	// OutcomeFailed means the OS call failed
	OutcomeFailed
	// OutcomeApplied means the priority was set
	OutcomeApplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeFailed:
		return "failed"
	case OutcomeApplied:
		return "applied"
	default:
		return "unknown"
	}
}

// Result describes what happened to one thread
type Result struct {
	Outcome Outcome
	Rule    rules.Rule
	TID     int32
	Err     error
}

// Stats are cumulative outcome counters
type Stats struct {
	Events     int64 `json:"events"`
	NoMatch    int64 `json:"no_match"`
	Unresolved int64 `json:"unresolved"`
	Failed     int64 `json:"failed"`
	Applied    int64 `json:"applied"`
}

// Enforcer matches thread names against the installed rules and applies the
// selected class. It is safe for concurrent use.
type Enforcer struct {
	cache    *offsets.Cache
	resolver *resolver.Resolver
	setter   priority.Setter
	logger   *zap.Logger

	events     atomic.Int64
	noMatch    atomic.Int64
	unresolved atomic.Int64
	failed     atomic.Int64
	applied    atomic.Int64

	eventsCounter metric.Int64Counter
	setDuration   metric.Float64Histogram
}

// New creates an enforcer
func New(cache *offsets.Cache, res *resolver.Resolver, setter priority.Setter, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter("threadprio/enforcer")

	eventsCounter, err := meter.Int64Counter(
		"threadprio_thread_events_total",
		metric.WithDescription("Thread-start events by enforcement outcome"),
	)
	if err != nil {
		logger.Warn("Failed to create thread events counter", zap.Error(err))
	}

	setDuration, err := meter.Float64Histogram(
		"threadprio_ioprio_set_duration_seconds",
		metric.WithDescription("Latency of the ioprio_set call"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.0001, 0.001, 0.01, 0.1),
	)
	if err != nil {
		logger.Warn("Failed to create ioprio_set duration histogram", zap.Error(err))
	}

	return &Enforcer{
		cache:         cache,
		resolver:      res,
		setter:        setter,
		logger:        logger.Named("enforcer"),
		eventsCounter: eventsCounter,
		setDuration:   setDuration,
	}
}

// Enforce runs one thread-start event to completion:
// received -> name matched -> identity resolved -> enforced.
// The last matching rule wins. Nothing is retried.
func (e *Enforcer) Enforce(ctx context.Context, env host.FieldAccessor, t host.Thread) Result {
	rule, ok := e.cache.Select(t.Name)
	if !ok {
		return e.finish(ctx, t, Result{Outcome: OutcomeNoMatch})
	}

	tid, err := e.resolver.Resolve(env, t)
	if err != nil {
		res := Result{Outcome: OutcomeUnresolved, Rule: rule, Err: err}
		if errors.Is(err, resolver.ErrOffsetsUnavailable) {
			e.logger.Debug("Skipping thread, offsets not discovered",
				zap.String("thread", t.Name))
		} else {
			e.logger.Warn("Failed to resolve os thread id",
				zap.String("thread", t.Name),
				zap.Int64("thread_id", t.ID),
				zap.Error(err))
		}
		return e.finish(ctx, t, res)
	}

	start := time.Now()
	err = e.setter.SetThreadIOPriority(int(tid), rule.Class)
	if e.setDuration != nil {
		e.setDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		e.logger.Warn("Failed to set io priority",
			zap.String("thread", t.Name),
			zap.Int32("tid", tid),
			zap.Stringer("class", rule.Class),
			zap.Error(err))
		return e.finish(ctx, t, Result{Outcome: OutcomeFailed, Rule: rule, TID: tid,
			Err: fmt.Errorf("thread %q: %w", t.Name, err)})
	}

	e.logger.Info("Applied io priority",
		zap.String("thread", t.Name),
		zap.Int32("tid", tid),
		zap.Stringer("class", rule.Class),
		zap.String("pattern", rule.Pattern.String()))
	return e.finish(ctx, t, Result{Outcome: OutcomeApplied, Rule: rule, TID: tid})
}

func (e *Enforcer) finish(ctx context.Context, t host.Thread, res Result) Result {
	e.events.Add(1)
	switch res.Outcome {
	case OutcomeNoMatch:
		e.noMatch.Add(1)
	case OutcomeUnresolved:
		e.unresolved.Add(1)
	case OutcomeFailed:
		e.failed.Add(1)
	case OutcomeApplied:
		e.applied.Add(1)
	}

	if e.eventsCounter != nil {
		e.eventsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", res.Outcome.String()),
		))
	}
	return res
}

// Stats returns a snapshot of the outcome counters
func (e *Enforcer) Stats() Stats {
	return Stats{
		Events:     e.events.Load(),
		NoMatch:    e.noMatch.Load(),
		Unresolved: e.unresolved.Load(),
		Failed:     e.failed.Load(),
		Applied:    e.applied.Load(),
	}
}
