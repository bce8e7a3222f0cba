package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

// Submit adds a task to the pool for execution.
// The task will be executed with context.Background().
// Use SubmitWithContext to provide a custom context.
func (p *workerPool) Submit(task Task) error {
	return p.SubmitWithContext(context.Background(), task)
}

// SubmitWithContext adds a task to the pool for execution with the given context.
// The context is passed to the task's Execute method, enabling timeout and
// cancellation propagation. If the pool has a TaskTimeout configured, the
// effective timeout will be the minimum of the context deadline and TaskTimeout.
func (p *workerPool) SubmitWithContext(ctx context.Context, task Task) error {
	if task == nil {
		return gferrors.NewValidationError("workerpool", "task", nil, "cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Holding the read lock keeps Shutdown from closing the queue mid-send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.isShutdown {
		return fmt.Errorf("cannot submit task: %w", gferrors.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cannot submit task: %w", err)
	}

	select {
	case p.taskQueue <- taskWithContext{task: task, ctx: ctx}:
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: %w", ctx.Err())
	}

	p.totalSubmitted.Add(1)
	p.metrics.WorkerPoolQueued.WithLabelValues(p.config.Name).Set(float64(len(p.taskQueue)))
	return nil
}

// Shutdown initiates a graceful shutdown of the pool.
func (p *workerPool) Shutdown() <-chan struct{} {
	p.mu.Lock()
	if !p.isShutdown {
		p.isShutdown = true
		close(p.taskQueue)
	}
	p.mu.Unlock()
	return p.done
}

// Size returns the number of workers in the pool.
func (p *workerPool) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the current number of queued tasks waiting for execution.
func (p *workerPool) QueueSize() int {
	return len(p.taskQueue)
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (p *workerPool) ActiveWorkers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeWorkers
}

// TotalSubmitted returns the total number of tasks submitted to the pool.
func (p *workerPool) TotalSubmitted() int64 {
	return p.totalSubmitted.Load()
}

// TotalCompleted returns the total number of tasks completed by the pool.
func (p *workerPool) TotalCompleted() int64 {
	return p.totalCompleted.Load()
}

// run is the main loop for a worker. It exits once the queue is closed and drained.
func (p *workerPool) run(id int) {
	defer p.workerWg.Done()
	for twc := range p.taskQueue {
		p.executeTask(id, twc)
	}
}

func (p *workerPool) setActive(delta int) {
	p.mu.Lock()
	p.activeWorkers += delta
	active := p.activeWorkers
	p.mu.Unlock()

	p.metrics.WorkerPoolActive.WithLabelValues(p.config.Name).Set(float64(active))
	p.metrics.WorkerPoolQueued.WithLabelValues(p.config.Name).Set(float64(len(p.taskQueue)))
}

// executeTask executes a single task with the provided context.
func (p *workerPool) executeTask(id int, twc taskWithContext) {
	p.setActive(1)
	start := time.Now()
	var err error

	// Handle panics during task execution
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("task panicked",
				zap.Int("worker", id), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}

		p.setActive(-1)
		p.totalCompleted.Add(1)
		if p.config.OnTaskComplete != nil {
			p.config.OnTaskComplete(Result{
				Task:     twc.task,
				Error:    err,
				Duration: time.Since(start),
				WorkerID: id,
			})
		}
	}()

	ctx := twc.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	err = twc.task.Execute(ctx)
}
