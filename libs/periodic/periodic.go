// Package periodic runs a function on a fixed interval with a reentrancy guard and a
// graceful drain of the in-flight run.
package periodic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Func func(ctx context.Context) error

type Task struct {
	name           string
	interval       time.Duration
	fn             Func
	logger         *slog.Logger
	runImmediately bool
	runTimeout     time.Duration

	running  atomic.Bool
	inflight sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

type Option func(*Task)

// RunImmediately makes Run execute fn once before the first tick.
func RunImmediately() Option {
	return func(t *Task) { t.runImmediately = true }
}

// WithRunTimeout bounds a single run. Runs are detached from the Run context so a
// shutdown drains them; the timeout keeps a stuck dependency from blocking the drain forever.
func WithRunTimeout(d time.Duration) Option {
	return func(t *Task) { t.runTimeout = d }
}

func New(name string, interval time.Duration, fn Func, logger *slog.Logger, opts ...Option) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With("task", name),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) Name() string { return t.name }

func (t *Task) Interval() time.Duration { return t.interval }

// Run ticks until ctx is cancelled or Stop is called, then waits for the in-flight run.
// Ticks that fire while the previous run is still going are skipped.
func (t *Task) Run(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		t.logger.Warn("periodic task already running")
		return
	}
	defer close(t.done)
	defer t.inflight.Wait()

	if t.runImmediately {
		t.TryRun(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.goRun(ctx)
		}
	}
}

func (t *Task) goRun(ctx context.Context) {
	if t.running.Load() {
		t.logger.Debug("periodic task skipped, previous run in progress")
		return
	}
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		t.TryRun(ctx)
	}()
}

// TryRun executes fn now unless a run is already in progress. It reports whether fn ran.
func (t *Task) TryRun(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		return false
	}
	defer t.running.Store(false)

	runCtx := context.WithoutCancel(ctx)
	if t.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, t.runTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := t.fn(runCtx); err != nil {
		t.logger.Error("periodic task failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return true
	}
	t.logger.Debug("periodic task finished", "duration_ms", time.Since(start).Milliseconds())
	return true
}

// Running reports whether a run is in progress.
func (t *Task) Running() bool { return t.running.Load() }

// Stop ends the tick loop and blocks until the in-flight run has finished.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.started.Load() {
		<-t.done
	}
}
