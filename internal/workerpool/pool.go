// Package workerpool provides a bounded goroutine pool with panic
// isolation, used for migration shipping and other background fan-out.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	griderr "github.com/fluxgrid/fluxgrid/internal/errors"
)

// Task is one unit of pooled work.
type Task func()

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int
	Queued    int
	Submitted uint64
	Completed uint64
	Panics    uint64
}

// Pool runs tasks on a fixed set of workers over a bounded queue. A
// panicking task is logged and counted; the worker survives.
type Pool struct {
	workers int
	tasks   chan Task
	logger  *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	panics    atomic.Uint64
}

// New starts a pool of workers draining a queue of queueSize tasks.
func New(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					return
				}
			}
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("pooled task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
		p.completed.Add(1)
	}()
	task()
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stop:
		return griderr.New(griderr.CodeInternal, "worker pool is stopped")
	default:
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-p.stop:
		return griderr.New(griderr.CodeInternal, "worker pool is stopped")
	}
}

// TrySubmit queues a task without blocking, failing with Overloaded when
// the queue is full.
func (p *Pool) TrySubmit(task Task) error {
	select {
	case <-p.stop:
		return griderr.New(griderr.CodeInternal, "worker pool is stopped")
	default:
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return griderr.Overloaded()
	}
}

// SubmitWithContext queues a task, giving up when ctx ends first.
func (p *Pool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-p.stop:
		return griderr.New(griderr.CodeInternal, "worker pool is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the workers and waits up to timeout for queued tasks to
// drain. Returns false on timeout.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.stopOnce.Do(func() { close(p.stop) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stats snapshots pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
