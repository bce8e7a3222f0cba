package rules

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

func rule(id string, priority int, deps ...string) Rule {
	return Rule{ID: id, Condition: Always, Priority: priority, DependsOn: deps}
}

func indexOf(order []string, id string) int {
	return slices.Index(order, id)
}

func TestCycleIsolation(t *testing.T) {
	g := NewGraph([]Rule{
		rule("A", 0, "C"),
		rule("B", 0, "A"),
		rule("C", 0, "B"),
		rule("D", 0),
		rule("E", 0, "D"),
	}, nil)

	v := g.Validate()
	require.Len(t, v.Cycles, 1)
	assert.Equal(t, []string{"A", "B", "C"}, v.Cycles[0])
	assert.Equal(t, []string{"D", "E"}, v.Order)
	assert.Equal(t, []string{"A", "B", "C"}, v.Disabled)
	assert.False(t, v.OK())
	assert.False(t, g.Enabled("A"))
	assert.True(t, g.Enabled("D"))

	err := v.Err()
	assert.True(t, errors.Is(err, gferrors.ErrCycleDetected))
	var cerr *gferrors.CycleError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{"A", "B", "C"}, cerr.RuleIDs)
}

func TestChainCycle(t *testing.T) {
	g := NewGraph(
		[]Rule{rule("A", 0), rule("B", 0), rule("C", 0), rule("solo", 0)},
		[]Chain{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "C"},
			{Source: "C", Target: "A"},
		},
	)

	v := g.Validate()
	require.Len(t, v.Cycles, 1)
	assert.Equal(t, []string{"A", "B", "C"}, v.Cycles[0])
	assert.Equal(t, []string{"solo"}, g.ExecutionOrder())
}

func TestCycleReachedThroughCrossEdge(t *testing.T) {
	// C lies on A -> C -> B -> A although depth-first search reaches B
	// before C.
	g := NewGraph(
		[]Rule{rule("A", 0), rule("B", 0), rule("C", 0), rule("D", 0)},
		[]Chain{
			{Source: "A", Target: "B"},
			{Source: "B", Target: "A"},
			{Source: "A", Target: "C"},
			{Source: "C", Target: "B"},
			{Source: "C", Target: "D"},
		},
	)

	v := g.Validate()
	require.Len(t, v.Cycles, 1)
	assert.Equal(t, []string{"A", "B", "C"}, v.Cycles[0])
	assert.Equal(t, []string{"D"}, v.Order)
}

func TestSelfDependency(t *testing.T) {
	g := NewGraph([]Rule{rule("self", 0, "self"), rule("other", 0)}, nil)

	v := g.Validate()
	assert.Equal(t, [][]string{{"self"}}, v.Cycles)
	assert.Equal(t, []string{"other"}, v.Order)
}

func TestMultipleCycles(t *testing.T) {
	g := NewGraph([]Rule{
		rule("x1", 0, "x2"), rule("x2", 0, "x1"),
		rule("y1", 0, "y2"), rule("y2", 0, "y1"),
		rule("z", 0),
	}, nil)

	v := g.Validate()
	assert.Equal(t, [][]string{{"x1", "x2"}, {"y1", "y2"}}, v.Cycles)
	assert.Equal(t, []string{"z"}, v.Order)
}

func TestTopologicalOrderIsStable(t *testing.T) {
	rules := []Rule{
		rule("A", 0),
		rule("B", 100, "A"),
		rule("C", 50),
		rule("D", 50),
		rule("E", 0, "B", "C"),
		rule("F", -5),
	}
	want := []string{"C", "D", "A", "B", "E", "F"}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := slices.Clone(rules)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		order := NewGraph(shuffled, nil).ExecutionOrder()
		require.Equal(t, want, order, "iteration %d", i)
		assert.Less(t, indexOf(order, "A"), indexOf(order, "B"))
	}
}

func TestPriorityBreaksTies(t *testing.T) {
	g := NewGraph([]Rule{rule("low", 1), rule("high", 10), rule("b", 5), rule("a", 5)}, nil)
	assert.Equal(t, []string{"high", "a", "b", "low"}, g.ExecutionOrder())
}

func TestChainsOrderTargetsAfterSources(t *testing.T) {
	g := NewGraph(
		[]Rule{rule("source", 0), rule("target", 10)},
		[]Chain{{Source: "source", Target: "target"}},
	)
	assert.Equal(t, []string{"source", "target"}, g.ExecutionOrder())
}

func TestInvalidDefinitions(t *testing.T) {
	g := NewGraph(
		[]Rule{
			rule("ok", 0),
			{ID: "no-condition"},
			rule("dangling", 0, "missing"),
			rule("ok", 5),
			rule("", 0),
			rule("after-dangling", 0, "dangling"),
		},
		[]Chain{
			{Source: "ok", Target: "ghost"},
			{Source: "ok", Target: "dangling", Delay: -1},
		},
	)

	v := g.Validate()
	assert.Empty(t, v.Cycles)
	assert.Equal(t, []string{"after-dangling", "ok"}, v.Order)
	assert.Equal(t, []string{"dangling", "no-condition"}, v.Disabled)

	reasons := make(map[string]string)
	for _, is := range v.Issues {
		reasons[is.RuleID] = is.Reason
	}
	assert.Equal(t, "missing condition", reasons["no-condition"])
	assert.Contains(t, reasons["dangling"], `unknown rule "missing"`)
	assert.Equal(t, "duplicate rule id", reasons["ok"])
	assert.Equal(t, "rule id is empty", reasons[""])
	assert.Equal(t, "chain references unknown rule", reasons["ok->ghost"])
	assert.Equal(t, "chain delay is negative", reasons["ok->dangling"])

	// The first declaration of a duplicated id wins.
	r, ok := g.Rule("ok")
	require.True(t, ok)
	assert.Equal(t, 0, r.Priority)

	err := v.Err()
	assert.True(t, errors.Is(err, gferrors.ErrInvalidRuleDefinition))
	assert.False(t, errors.Is(err, gferrors.ErrCycleDetected))
}

func TestDeepGraph(t *testing.T) {
	const depth = 20000
	rules := make([]Rule, depth)
	for i := range rules {
		id := fmt.Sprintf("r%05d", i)
		if i == 0 {
			rules[i] = rule(id, 0)
			continue
		}
		rules[i] = rule(id, 0, fmt.Sprintf("r%05d", i-1))
	}
	// Close the loop at the end of the chain.
	rules[0].DependsOn = []string{fmt.Sprintf("r%05d", depth-1)}

	v := NewGraph(rules, nil).Validate()
	require.Len(t, v.Cycles, 1)
	assert.Len(t, v.Cycles[0], depth)
	assert.Empty(t, v.Order)
}

func TestEmptyGraph(t *testing.T) {
	v := NewGraph(nil, nil).Validate()
	assert.True(t, v.OK())
	assert.NoError(t, v.Err())
	assert.Empty(t, v.Order)
}
