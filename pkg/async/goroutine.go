package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/caseguard/pkg/observability"
)

var (
	// ErrPoolClosed is returned when submitting to a pool after Shutdown
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrQueueFull is returned by TrySubmit when the queue has no free slot
	ErrQueueFull = errors.New("worker pool queue full")
)

// SafeGo runs fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged, never propagated.
//
// The goroutine inherits parentCtx cancellation. Work that must outlive an
// HTTP request should pass context.WithoutCancel(r.Context()).
//
//	async.SafeGo(context.WithoutCancel(ctx), 5*time.Second, "grant rebuild", logger, func(ctx context.Context) error {
//	    return rebuilder.Rebuild(ctx, identity, tenant)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	logger = observability.Default(logger)

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of goroutines fed by a
// bounded queue.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	mu     sync.RWMutex
	closed bool
	workCh chan func(context.Context) error
	doneCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool starts workers goroutines consuming a queue of queueSize tasks.
//
//	pool := async.NewWorkerPool(ctx, 4, 1024, "audit writer", 5*time.Second, logger)
//	defer pool.Shutdown(10 * time.Second)
func NewWorkerPool(ctx context.Context, workers, queueSize int, taskName string, timeout time.Duration, logger *observability.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		logger:   observability.Default(logger),
		workCh:   make(chan func(context.Context) error, queueSize),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(p.doneCh)
	}()

	return p
}

// Submit enqueues fn, blocking while the queue is full
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues fn without blocking
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to drain
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.doneCh
		return nil
	}
	p.closed = true
	close(p.workCh)
	p.mu.Unlock()

	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("%s: shutdown timed out after %v", p.taskName, timeout)
	}
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(map[string]interface{}{
				"task":   p.taskName,
				"worker": id,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			}).Error("panic in worker")
		}
	}()

	if err := fn(ctx); err != nil {
		p.logger.WithField("task", p.taskName).WithError(err).Warn("worker task failed")
	}
}
