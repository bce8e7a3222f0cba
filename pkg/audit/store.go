package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/pkg/store"
)

// StoreSinkConfig configures a StoreSink.
type StoreSinkConfig struct {
	// Key is the list key holding events (default "gatekeep:audit").
	Key string

	// MaxEvents caps the retained history (default 10000).
	MaxEvents int64

	// Retention is the list ttl, refreshed on every append (default 7 days).
	Retention time.Duration

	Logger *zap.Logger
}

// StoreSink appends JSON-encoded events to a capped list in the shared store
// so every instance contributes to one audit trail.
type StoreSink struct {
	st     store.Store
	cfg    StoreSinkConfig
	logger *zap.Logger
}

// NewStoreSink creates a sink persisting to st.
func NewStoreSink(st store.Store, cfg StoreSinkConfig) *StoreSink {
	if cfg.Key == "" {
		cfg.Key = "gatekeep:audit"
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &StoreSink{st: st, cfg: cfg, logger: cfg.Logger}
}

// Emit persists e. Failures are logged and otherwise ignored.
func (s *StoreSink) Emit(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("audit encode failed", zap.Error(err), zap.String("type", e.Type))
		return
	}
	if _, err := s.st.PushTrim(ctx, s.cfg.Key, string(data), s.cfg.MaxEvents, s.cfg.Retention); err != nil {
		s.logger.Warn("audit persist failed", zap.Error(err), zap.String("type", e.Type))
	}
}

// Recent returns the retained events, oldest first. Undecodable entries are skipped.
func (s *StoreSink) Recent(ctx context.Context) ([]Event, error) {
	raw, err := s.st.Range(ctx, s.cfg.Key)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var e Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.logger.Debug("skipping undecodable audit entry", zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
