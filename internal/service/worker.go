package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

// DefaultTaskCapacity bounds a background worker's task queue.
const DefaultTaskCapacity = 256

// Runnable is the work a BackgroundWorker drives: a periodic tick, ad-hoc
// tasks and a final shutdown hook. Task errors are logged and never stop
// the loop.
type Runnable interface {
	OnTick(ctx context.Context) error
	Run(ctx context.Context, task func(context.Context) error) error
	OnShutdown(ctx context.Context)
}

// TickFunc adapts a bare function into a Runnable with no task handling.
type TickFunc func(ctx context.Context) error

func (f TickFunc) OnTick(ctx context.Context) error { return f(ctx) }
func (f TickFunc) Run(ctx context.Context, task func(context.Context) error) error {
	return task(ctx)
}
func (TickFunc) OnShutdown(context.Context) {}

// BackgroundWorker runs a Runnable on a single goroutine: a select over
// the task queue, the tick timer and the stop signal. The first tick is
// consumed at startup so OnTick never fires before any submitted task.
type BackgroundWorker struct {
	name     string
	runnable Runnable
	interval time.Duration
	tasks    chan func(context.Context) error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	logger   *zap.Logger
}

// NewBackgroundWorker builds a worker ticking runnable every interval.
func NewBackgroundWorker(name string, runnable Runnable, interval time.Duration,
	logger *zap.Logger) *BackgroundWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackgroundWorker{
		name:     name,
		runnable: runnable,
		interval: interval,
		tasks:    make(chan func(context.Context) error, DefaultTaskCapacity),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the worker loop.
func (w *BackgroundWorker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *BackgroundWorker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Swallow the tick already pending at startup so the first OnTick
	// happens a full interval in.
	select {
	case <-ticker.C:
	default:
	}

	for {
		select {
		case <-w.stop:
			w.runnable.OnShutdown(ctx)
			return
		case <-ctx.Done():
			w.runnable.OnShutdown(ctx)
			return
		case task := <-w.tasks:
			if err := w.runnable.Run(ctx, task); err != nil {
				w.logger.Error("background task failed",
					zap.String("worker", w.name), zap.Error(err))
			}
		case <-ticker.C:
			if err := w.runnable.OnTick(ctx); err != nil {
				w.logger.Error("background tick failed",
					zap.String("worker", w.name), zap.Error(err))
			}
		}
	}
}

// Submit queues a task without blocking, failing with Overloaded when the
// queue is full.
func (w *BackgroundWorker) Submit(task func(context.Context) error) error {
	select {
	case <-w.stop:
		return griderr.New(griderr.CodeInternal, "worker %s is stopped", w.name)
	default:
	}
	select {
	case w.tasks <- task:
		return nil
	default:
		return griderr.Overloaded()
	}
}

// SubmitTimeout queues a task, giving up after timeout.
func (w *BackgroundWorker) SubmitTimeout(task func(context.Context) error, timeout time.Duration) error {
	select {
	case w.tasks <- task:
		return nil
	case <-w.stop:
		return griderr.New(griderr.CodeInternal, "worker %s is stopped", w.name)
	case <-time.After(timeout):
		return griderr.OperationTimeout(uint64(timeout.Milliseconds()))
	}
}

// Stop signals the loop and waits for it to finish.
func (w *BackgroundWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
