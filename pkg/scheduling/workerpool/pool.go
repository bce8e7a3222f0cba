package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
)

// Task represents a unit of work that can be executed by a worker.
type Task interface {
	// Execute runs the task with the given context.
	// It should respect context cancellation and return any error encountered.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Result represents the result of a task execution.
type Result struct {
	// Task is the original task that was executed
	Task Task

	// Error is any error that occurred during task execution, including
	// a recovered panic
	Error error

	// Duration is how long the task took to execute
	Duration time.Duration

	// WorkerID identifies which worker executed the task
	WorkerID int
}

// Pool represents a worker pool that can execute tasks concurrently.
type Pool interface {
	// Submit adds a task to the pool for execution.
	// Returns an error if the pool is shut down.
	Submit(task Task) error

	// SubmitWithContext submits a task whose execution context is ctx.
	// Queuing blocks while the queue is full until ctx is done.
	SubmitWithContext(ctx context.Context, task Task) error

	// Shutdown stops accepting tasks, runs the queued ones and returns a
	// channel that closes when every worker has exited.
	Shutdown() <-chan struct{}

	// Size returns the number of workers in the pool.
	Size() int

	// QueueSize returns the current number of queued tasks waiting for execution.
	QueueSize() int

	// ActiveWorkers returns the number of workers currently executing tasks.
	ActiveWorkers() int

	// TotalSubmitted returns the total number of tasks submitted to the pool.
	TotalSubmitted() int64

	// TotalCompleted returns the total number of tasks completed by the pool.
	TotalCompleted() int64
}

// Config holds configuration options for creating a worker pool.
type Config struct {
	// WorkerCount is the number of workers in the pool.
	// Must be greater than 0.
	WorkerCount int

	// QueueSize is the maximum number of queued tasks. Zero makes Submit
	// hand tasks directly to an idle worker.
	QueueSize int

	// TaskTimeout bounds each task's execution. Zero means no timeout.
	TaskTimeout time.Duration

	// Name labels the pool's metrics.
	Name string

	// OnTaskComplete is called after every task, successful or not.
	OnTaskComplete func(result Result)

	Logger  *zap.Logger
	Metrics *metrics.Registry
}

// workerPool implements the Pool interface.
type workerPool struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Registry

	taskQueue chan taskWithContext
	workerWg  sync.WaitGroup
	done      chan struct{}

	mu            sync.RWMutex
	isShutdown    bool
	activeWorkers int

	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64
}

type taskWithContext struct {
	task Task
	ctx  context.Context
}

// New creates a worker pool with the given number of workers and queue size.
func New(workerCount, queueSize int) (Pool, error) {
	return NewWithConfig(Config{
		WorkerCount: workerCount,
		QueueSize:   queueSize,
	})
}

// NewWithConfig creates a worker pool from config.
func NewWithConfig(config Config) (Pool, error) {
	if config.WorkerCount <= 0 {
		return nil, gferrors.NewValidationError("workerpool", "workerCount", config.WorkerCount, "must be positive")
	}
	if config.QueueSize < 0 {
		return nil, gferrors.NewValidationError("workerpool", "queueSize", config.QueueSize, "cannot be negative")
	}
	if config.Name == "" {
		config.Name = "default"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}

	pool := &workerPool{
		config:    config,
		logger:    config.Logger.Named("workerpool").With(zap.String("pool", config.Name)),
		metrics:   config.Metrics,
		taskQueue: make(chan taskWithContext, config.QueueSize),
		done:      make(chan struct{}),
	}
	pool.metrics.WorkerPoolSize.WithLabelValues(config.Name).Set(float64(config.WorkerCount))

	for i := 0; i < config.WorkerCount; i++ {
		pool.workerWg.Add(1)
		go pool.run(i)
	}
	go func() {
		pool.workerWg.Wait()
		close(pool.done)
	}()

	return pool, nil
}
