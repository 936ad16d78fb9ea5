package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when sources do not stop in time
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// lifecycle runs named goroutines under one cancellable context
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	running atomic.Int32

	mu   sync.Mutex
	errs []error
}

func newLifecycle(ctx context.Context, logger *zap.Logger) *lifecycle {
	ctx, cancel := context.WithCancel(ctx)
	return &lifecycle{ctx: ctx, cancel: cancel, logger: logger}
}

// Go runs fn until it returns. A non-nil error other than context
// cancellation is logged and kept for Stop.
func (l *lifecycle) Go(name string, fn func(ctx context.Context) error) {
	l.wg.Add(1)
	l.running.Add(1)

	go func() {
		defer l.wg.Done()
		defer l.running.Add(-1)

		l.logger.Debug("Starting goroutine", zap.String("name", name))
		err := fn(l.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("Goroutine failed", zap.String("name", name), zap.Error(err))
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			return
		}
		l.logger.Debug("Goroutine stopped", zap.String("name", name))
	}()
}

// Done is closed once stop has been requested
func (l *lifecycle) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Stop cancels every goroutine and waits up to timeout for them to return
func (l *lifecycle) Stop(timeout time.Duration) error {
	l.logger.Info("Initiating graceful shutdown",
		zap.Int32("running_goroutines", l.running.Load()),
		zap.Duration("timeout", timeout))

	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("Graceful shutdown completed")
		l.mu.Lock()
		defer l.mu.Unlock()
		return errors.Join(l.errs...)
	case <-time.After(timeout):
		l.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", l.running.Load()))
		return ErrShutdownTimeout
	}
}

// Running returns the number of live goroutines
func (l *lifecycle) Running() int32 {
	return l.running.Load()
}
