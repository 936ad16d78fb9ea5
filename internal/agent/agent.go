// Package agent ties discovery, rule installation and enforcement together
// and feeds thread-start notifications from the registered sources into the
// enforcer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/threadprio/internal/enforcer"
	"github.com/yairfalse/threadprio/internal/host"
	"github.com/yairfalse/threadprio/internal/layout"
	"github.com/yairfalse/threadprio/internal/memory"
	"github.com/yairfalse/threadprio/internal/offsets"
	"github.com/yairfalse/threadprio/internal/priority"
	"github.com/yairfalse/threadprio/internal/resolver"
	"github.com/yairfalse/threadprio/internal/rules"
	"github.com/yairfalse/threadprio/internal/symbols"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds how long Run waits for sources to stop
const DefaultShutdownTimeout = 10 * time.Second

var (
	// ErrAlreadyRunning is returned by a second Run call
	ErrAlreadyRunning = errors.New("agent is already running")

	// ErrNoSources is returned by Run when nothing was registered
	ErrNoSources = errors.New("no notification sources registered")
)

// Config wires the agent to its collaborators
type Config struct {
	// PID of the target process, for reporting only
	PID int

	Loader symbols.Loader
	Memory memory.Reader
	Setter priority.Setter

	// Rules are installed ahead of the rules compiled from the options string
	Rules []rules.Rule

	Library         string
	Symbols         layout.SymbolNames
	ThreadField     string
	MaxRecords      int
	ShutdownTimeout time.Duration

	Logger *zap.Logger
}

// Agent is the attach entry point and the thread-start callback
type Agent struct {
	id        uuid.UUID
	cfg       Config
	logger    *zap.Logger
	startTime time.Time

	cache    *offsets.Cache
	mem      *memory.Accessor
	enforcer *enforcer.Enforcer

	attached atomic.Bool
	running  atomic.Bool
	panics   atomic.Int64

	mu           sync.RWMutex
	sources      []host.Source
	lc           *lifecycle
	report       *layout.Report
	discoverErr  error
	droppedRules []string

	panicCounter metric.Int64Counter
}

// New creates an agent. Nothing touches the target until OnLoad.
func New(cfg Config) (*Agent, error) {
	if cfg.Loader == nil {
		return nil, errors.New("symbol loader is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("memory reader is required")
	}
	if cfg.Setter == nil {
		return nil, errors.New("priority setter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	id := uuid.New()
	logger := cfg.Logger.Named("agent").With(zap.String("session", id.String()))

	cache := offsets.New()
	mem := memory.NewAccessor(cfg.Memory)
	res := resolver.New(cache, mem, cfg.ThreadField)

	panicCounter, err := otel.Meter("threadprio/agent").Int64Counter(
		"threadprio_callback_panics_total",
		metric.WithDescription("Thread-start callbacks that recovered from a panic"),
	)
	if err != nil {
		logger.Warn("Failed to create panic counter", zap.Error(err))
	}

	return &Agent{
		id:           id,
		cfg:          cfg,
		logger:       logger,
		startTime:    time.Now(),
		cache:        cache,
		mem:          mem,
		enforcer:     enforcer.New(cache, res, cfg.Setter, cfg.Logger),
		panicCounter: panicCounter,
	}, nil
}

// ID returns the attach session id
func (a *Agent) ID() string {
	return a.id.String()
}

// OnLoad compiles the options, installs the rules and discovers the field
// offsets. It blocks until both are done and reports failures only through
// the log. Only the first call has any effect.
func (a *Agent) OnLoad(ctx context.Context, options string) {
	if !a.attached.CompareAndSwap(false, true) {
		a.logger.Warn("Ignoring repeated attach")
		return
	}

	compiled, dropped := rules.Compile(options)
	droppedText := make([]string, 0, len(dropped))
	for _, err := range dropped {
		a.logger.Warn("Dropping thread option group", zap.Error(err))
		droppedText = append(droppedText, err.Error())
	}

	all := make([]rules.Rule, 0, len(a.cfg.Rules)+len(compiled))
	all = append(all, a.cfg.Rules...)
	all = append(all, compiled...)
	if err := a.cache.InstallRules(all); err != nil {
		a.logger.Error("Failed to install rules", zap.Error(err))
	}
	for _, r := range all {
		a.logger.Info("Installed rule",
			zap.String("pattern", r.Pattern.String()),
			zap.Stringer("class", r.Class))
	}
	if len(all) == 0 {
		a.logger.Warn("No thread rules configured, nothing will be enforced")
	}

	report, err := layout.Discover(ctx, layout.Options{
		Loader:     a.cfg.Loader,
		Memory:     a.mem,
		Cache:      a.cache,
		Library:    a.cfg.Library,
		Symbols:    a.cfg.Symbols,
		MaxRecords: a.cfg.MaxRecords,
		Logger:     a.cfg.Logger,
	})
	if err != nil {
		a.logger.Error("Failed to discover thread field offsets, priorities will not be applied",
			zap.Error(err))
	}

	a.mu.Lock()
	a.report = report
	a.discoverErr = err
	a.droppedRules = droppedText
	a.mu.Unlock()
}

// ThreadStart handles one thread-start notification. It never panics.
func (a *Agent) ThreadStart(env host.FieldAccessor, t host.Thread) {
	a.threadStart(context.Background(), env, t)
}

func (a *Agent) threadStart(ctx context.Context, env host.FieldAccessor, t host.Thread) {
	defer func() {
		if r := recover(); r != nil {
			a.panics.Add(1)
			if a.panicCounter != nil {
				a.panicCounter.Add(ctx, 1)
			}
			a.logger.Error("Recovered from panic in thread-start callback",
				zap.String("thread", t.Name),
				zap.Any("panic", r))
		}
	}()

	a.enforcer.Enforce(ctx, env, t)
}

// Register adds a notification source. Sources registered after Run
// started are not run.
func (a *Agent) Register(src host.Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = append(a.sources, src)
}

// Run starts every registered source and blocks until ctx is done or a
// source fails, then stops the rest within the shutdown timeout.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	a.mu.RLock()
	sources := append([]host.Source(nil), a.sources...)
	a.mu.RUnlock()
	if len(sources) == 0 {
		return ErrNoSources
	}

	lc := newLifecycle(ctx, a.logger)
	a.mu.Lock()
	a.lc = lc
	a.mu.Unlock()

	failed := make(chan struct{}, len(sources))
	handler := host.HandlerFunc(func(env host.FieldAccessor, t host.Thread) {
		a.threadStart(lc.ctx, env, t)
	})

	for _, src := range sources {
		src := src
		lc.Go(src.Name(), func(ctx context.Context) error {
			err := src.Run(ctx, handler)
			if err != nil && ctx.Err() == nil {
				failed <- struct{}{}
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			return nil
		})
		a.logger.Info("Started notification source", zap.String("source", src.Name()))
	}

	select {
	case <-lc.Done():
	case <-failed:
	}
	return lc.Stop(a.cfg.ShutdownTimeout)
}

// Enforcer exposes the enforcer for direct use by tools
func (a *Agent) Enforcer() *enforcer.Enforcer {
	return a.enforcer
}

// Cache exposes the discovered offsets and installed rules
func (a *Agent) Cache() *offsets.Cache {
	return a.cache
}
