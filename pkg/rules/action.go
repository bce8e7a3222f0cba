package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vnykmshr/gatekeep/pkg/audit"
	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

// Firing describes one rule firing handed to its actions.
type Firing struct {
	RuleID   string
	Snapshot Snapshot
	// ChainedFrom is the source rule when the firing came through a chain.
	ChainedFrom string
	Delayed     bool
}

// Action is a side effect run when a rule fires.
type Action interface {
	Execute(ctx context.Context, f Firing) error
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, f Firing) error

// Execute implements Action.
func (fn ActionFunc) Execute(ctx context.Context, f Firing) error {
	return fn(ctx, f)
}

type namedAction struct {
	name string
	Action
}

func (n namedAction) Name() string { return n.name }

// Named attaches a name to a, used in logs and errors.
func Named(name string, a Action) Action {
	return namedAction{name: name, Action: a}
}

func actionName(a Action, i int) string {
	if n, ok := a.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "#" + strconv.Itoa(i)
}

// ActionFactory builds an action from its definition parameters.
type ActionFactory func(params map[string]string) (Action, error)

// ActionRegistry maps action type names to factories.
type ActionRegistry struct {
	mu        sync.RWMutex
	factories map[string]ActionFactory
}

// NewActionRegistry returns a registry holding the built-in "log" and
// "audit" actions.
func NewActionRegistry(logger *zap.Logger, sink audit.Sink, clk clock.Clock) *ActionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ActionRegistry{factories: make(map[string]ActionFactory)}
	r.factories["log"] = logAction(logger.Named("rules"))
	r.factories["audit"] = auditAction(audit.OrDiscard(sink), clock.OrSystem(clk))
	return r
}

// Register adds or replaces the factory for typ.
func (r *ActionRegistry) Register(typ string, factory ActionFactory) error {
	if typ == "" {
		return gferrors.NewValidationError("rules", "actionType", typ, "cannot be empty")
	}
	if factory == nil {
		return gferrors.NewValidationError("rules", "actionFactory", nil, "cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
	return nil
}

// Build creates a named action of type typ.
func (r *ActionRegistry) Build(typ string, params map[string]string) (Action, error) {
	r.mu.RLock()
	factory, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", typ)
	}
	a, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("action %q: %w", typ, err)
	}
	return Named(typ, a), nil
}

// Types lists the registered action types.
func (r *ActionRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// logAction writes one log entry per firing.
// Params: level (debug, info, warn, error; default info), message.
func logAction(logger *zap.Logger) ActionFactory {
	return func(params map[string]string) (Action, error) {
		level := zapcore.InfoLevel
		if s := params["level"]; s != "" {
			var err error
			if level, err = zapcore.ParseLevel(s); err != nil {
				return nil, err
			}
		}
		msg := params["message"]
		if msg == "" {
			msg = "rule fired"
		}
		return ActionFunc(func(_ context.Context, f Firing) error {
			logger.Log(level, msg,
				zap.String("rule_id", f.RuleID),
				zap.String("snapshot_id", f.Snapshot.ID),
				zap.String("chained_from", f.ChainedFrom),
				zap.Bool("delayed", f.Delayed))
			return nil
		}), nil
	}
}

// auditAction emits a rule.fired event. Every param is copied into the
// event metadata.
func auditAction(sink audit.Sink, clk clock.Clock) ActionFactory {
	return func(params map[string]string) (Action, error) {
		return ActionFunc(func(ctx context.Context, f Firing) error {
			e := audit.NewEvent(audit.TypeRuleFired, f.RuleID, clk.Now()).
				With("snapshot_id", f.Snapshot.ID)
			if f.ChainedFrom != "" {
				e = e.With("chained_from", f.ChainedFrom)
			}
			if f.Delayed {
				e = e.With("delayed", "true")
			}
			for k, v := range params {
				e = e.With(k, v)
			}
			sink.Emit(ctx, e)
			return nil
		}), nil
	}
}
