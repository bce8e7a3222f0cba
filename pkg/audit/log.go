package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/metrics"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger  *zap.Logger
	metrics *metrics.Registry
}

// NewLogSink creates a sink logging to logger. A nil registry disables counting.
func NewLogSink(logger *zap.Logger, m *metrics.Registry) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &LogSink{logger: logger.Named("audit"), metrics: m}
}

// Emit logs e at info level.
func (s *LogSink) Emit(_ context.Context, e Event) {
	s.metrics.AuditEvents.WithLabelValues(e.Type).Inc()

	fields := make([]zap.Field, 0, 4+len(e.Metadata))
	fields = append(fields,
		zap.String("event_id", e.ID),
		zap.String("type", e.Type),
		zap.String("identifier", e.Identifier),
		zap.Time("at", e.Timestamp),
	)
	for k, v := range e.Metadata {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info("audit", fields...)
}
