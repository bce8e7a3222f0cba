package rules

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Condition is a pure predicate over a snapshot.
type Condition interface {
	Evaluate(ctx context.Context, s Snapshot) (bool, error)
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(ctx context.Context, s Snapshot) (bool, error)

// Evaluate implements Condition.
func (f ConditionFunc) Evaluate(ctx context.Context, s Snapshot) (bool, error) {
	return f(ctx, s)
}

// PredicateTable holds Go predicates registered by rule id, used for rules
// whose definition carries no expression.
type PredicateTable map[string]Condition

// expressionCostLimit bounds the work a single expression may do.
const expressionCostLimit = 10_000

var exprEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		panic(fmt.Sprintf("rules: building expression environment: %v", err))
	}
	return env
}

// Expression is a compiled CEL condition over the snapshot metrics, for
// example `metrics.cpu > 0.9 && metrics["error_rate"] >= 0.05`.
// Expressions cannot call out of the sandbox; they see only the metric map.
type Expression struct {
	source  string
	program cel.Program
}

// CompileExpression parses and type-checks src. The result must be boolean.
func CompileExpression(src string) (*Expression, error) {
	ast, iss := exprEnv.Compile(src)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", src, iss.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("compile %q: result type is %s, want bool", src, ast.OutputType())
	}
	prg, err := exprEnv.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", src, err)
	}
	return &Expression{source: src, program: prg}, nil
}

// Source returns the expression text.
func (e *Expression) Source() string {
	return e.source
}

// Evaluate runs the expression. A reference to a metric missing from the
// snapshot is an error.
func (e *Expression) Evaluate(ctx context.Context, s Snapshot) (bool, error) {
	values := s.Metrics
	if values == nil {
		values = map[string]float64{}
	}
	out, _, err := e.program.ContextEval(ctx, map[string]any{"metrics": values})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", e.source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: non-boolean result %v", e.source, out.Value())
	}
	return b, nil
}

// Always is a condition that holds for every snapshot.
var Always Condition = ConditionFunc(func(context.Context, Snapshot) (bool, error) {
	return true, nil
})
