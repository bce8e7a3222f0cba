package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/metrics"
)

// DefaultBufferSize is the AsyncSink queue length.
const DefaultBufferSize = 1024

// AsyncConfig configures an AsyncSink.
type AsyncConfig struct {
	BufferSize int
	Logger     *zap.Logger
	Metrics    *metrics.Registry
}

// AsyncSink decouples producers from a slower sink. When the queue is full
// the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	queue   chan queued
	logger  *zap.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type queued struct {
	ctx context.Context
	e   Event
}

// NewAsync starts a delivery goroutine in front of next.
func NewAsync(next Sink, cfg AsyncConfig) *AsyncSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	a := &AsyncSink{
		next:    OrDiscard(next),
		queue:   make(chan queued, cfg.BufferSize),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit enqueues e without blocking.
func (a *AsyncSink) Emit(ctx context.Context, e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), e: e}:
	default:
		a.metrics.AuditDropped.Inc()
		a.logger.Warn("audit event dropped", zap.String("type", e.Type), zap.String("identifier", e.Identifier))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *AsyncSink) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return nil
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for q := range a.queue {
		a.deliver(q)
	}
}

func (a *AsyncSink) deliver(q queued) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("audit sink panicked", zap.Any("panic", r), zap.String("type", q.e.Type))
		}
	}()
	a.next.Emit(q.ctx, q.e)
}
