package rules

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the set of metric values one evaluation cycle runs against.
type Snapshot struct {
	ID      string             `json:"id"`
	TakenAt time.Time          `json:"takenAt"`
	Metrics map[string]float64 `json:"metrics"`
}

// NewSnapshot returns a snapshot of values with a fresh id.
func NewSnapshot(values map[string]float64, at time.Time) Snapshot {
	return Snapshot{
		ID:      uuid.NewString(),
		TakenAt: at,
		Metrics: maps.Clone(values),
	}
}

// Clone returns a deep copy, so delayed firings never observe later writes.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Metrics = maps.Clone(s.Metrics)
	if c.Metrics == nil {
		c.Metrics = map[string]float64{}
	}
	return c
}

// Value returns the metric named key.
func (s Snapshot) Value(key string) (float64, bool) {
	v, ok := s.Metrics[key]
	return v, ok
}
