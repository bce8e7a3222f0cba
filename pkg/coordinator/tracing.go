package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrResource   = attribute.Key("gatekeep.resource")
	AttrIdentifier = attribute.Key("gatekeep.identifier")
	AttrCategory   = attribute.Key("gatekeep.category")
	AttrAllowed    = attribute.Key("gatekeep.allowed")
	AttrLocked     = attribute.Key("gatekeep.locked")
	AttrSnapshotID = attribute.Key("gatekeep.snapshot_id")
	AttrFired      = attribute.Key("gatekeep.rules_fired")
)

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "gatekeep."+name, trace.WithAttributes(attrs...))
}

// recordError marks span failed. The status text stays generic; the error
// itself is kept as a span event.
func recordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
