// Package audit carries security and coordination events out of the
// coordination core. Emission is best-effort: a slow or failing sink never
// blocks or fails the operation that produced the event.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the coordination core.
const (
	TypeLoginFailure   = "login.failure"
	TypeLoginSuccess   = "login.success"
	TypeLoginLocked    = "login.locked"
	TypeLoginUnlocked  = "login.unlocked"
	TypeLockContention = "lock.contention"
	TypeRateLimited    = "ratelimit.denied"
	TypeRuleFired      = "rule.fired"
)

// Event is a single audit record.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Identifier string            `json:"identifier"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(typ, identifier string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Identifier: identifier,
		Timestamp:  at,
	}
}

// With returns a copy of e carrying the additional metadata pair.
func (e Event) With(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event)

// Emit calls f(ctx, e).
func (f SinkFunc) Emit(ctx context.Context, e Event) {
	f(ctx, e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(ctx context.Context, e Event) {
		for _, s := range out {
			s.Emit(ctx, e)
		}
	})
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
