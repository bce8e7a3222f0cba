package rules

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"time"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

// Rule is a declared rule. Rules are read-only once handed to a Graph.
type Rule struct {
	ID        string
	Condition Condition
	Actions   []Action
	// Priority breaks ordering ties; higher runs first.
	Priority  int
	DependsOn []string
}

// Chain fires Target after Source fires, when Trigger holds. A zero Delay
// evaluates Target in the same cycle; a positive Delay schedules it.
type Chain struct {
	Source  string
	Target  string
	Trigger Condition // nil always triggers
	Delay   time.Duration
}

// Issue is a definition problem that disabled a rule or dropped a chain.
type Issue struct {
	RuleID string
	Reason string
}

// Validation is the result of validating a rule graph.
type Validation struct {
	// Order is the execution order of the enabled rules.
	Order []string
	// Cycles lists each dependency cycle as the sorted ids of its members.
	Cycles [][]string
	Issues []Issue
	// Disabled lists rules excluded from evaluation, sorted.
	Disabled []string
}

// OK reports whether every rule and chain is usable.
func (v Validation) OK() bool {
	return len(v.Cycles) == 0 && len(v.Issues) == 0
}

// Err joins a CycleError per cycle and a RuleDefinitionError per issue.
func (v Validation) Err() error {
	var errs []error
	for _, c := range v.Cycles {
		errs = append(errs, &gferrors.CycleError{RuleIDs: c})
	}
	for _, is := range v.Issues {
		errs = append(errs, &gferrors.RuleDefinitionError{RuleID: is.RuleID, Reason: is.Reason})
	}
	return errors.Join(errs...)
}

type node struct {
	rule    Rule
	enabled bool
	succ    []int // dependents and chain targets
	chains  []int // outgoing chain edges
}

type chainEdge struct {
	source, target int
	trigger        Condition
	delay          time.Duration
}

// Graph holds rules in a flat table; edges refer to table indices.
type Graph struct {
	nodes  []node
	index  map[string]int
	chains []chainEdge
	order  []int

	validation Validation
}

// NewGraph builds and validates the graph of rules and chains. Invalid rules
// and cycle members are disabled; the rest remain schedulable.
func NewGraph(rules []Rule, chains []Chain) *Graph {
	return buildGraph(rules, chains, nil, nil)
}

// buildGraph takes definition problems found before the graph was built:
// invalid maps rule ids to the reason they cannot run, extra carries
// chain issues.
func buildGraph(rules []Rule, chains []Chain, invalid map[string]string, extra []Issue) *Graph {
	g := &Graph{index: make(map[string]int, len(rules))}
	issues := append([]Issue(nil), extra...)

	for _, r := range rules {
		if r.ID == "" {
			issues = append(issues, Issue{Reason: "rule id is empty"})
			continue
		}
		if _, dup := g.index[r.ID]; dup {
			issues = append(issues, Issue{RuleID: r.ID, Reason: "duplicate rule id"})
			continue
		}
		n := node{rule: r, enabled: true}
		if reason, bad := invalid[r.ID]; bad {
			n.enabled = false
			issues = append(issues, Issue{RuleID: r.ID, Reason: reason})
		} else if r.Condition == nil {
			n.enabled = false
			issues = append(issues, Issue{RuleID: r.ID, Reason: "missing condition"})
		}
		g.index[r.ID] = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}

	for i := range g.nodes {
		n := &g.nodes[i]
		for _, dep := range n.rule.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				n.enabled = false
				issues = append(issues, Issue{RuleID: n.rule.ID, Reason: fmt.Sprintf("depends on unknown rule %q", dep)})
				continue
			}
			g.nodes[j].succ = append(g.nodes[j].succ, i)
		}
	}

	for _, c := range chains {
		src, okSrc := g.index[c.Source]
		dst, okDst := g.index[c.Target]
		id := c.Source + "->" + c.Target
		switch {
		case !okSrc || !okDst:
			issues = append(issues, Issue{RuleID: id, Reason: "chain references unknown rule"})
			continue
		case c.Delay < 0:
			issues = append(issues, Issue{RuleID: id, Reason: "chain delay is negative"})
			continue
		}
		g.nodes[src].succ = append(g.nodes[src].succ, dst)
		g.nodes[src].chains = append(g.nodes[src].chains, len(g.chains))
		g.chains = append(g.chains, chainEdge{source: src, target: dst, trigger: c.Trigger, delay: c.Delay})
	}

	var cycles [][]string
	for _, comp := range g.stronglyConnected() {
		if len(comp) == 1 && !g.selfLoop(comp[0]) {
			continue
		}
		ids := make([]string, 0, len(comp))
		for _, i := range comp {
			g.nodes[i].enabled = false
			ids = append(ids, g.nodes[i].rule.ID)
		}
		sort.Strings(ids)
		cycles = append(cycles, ids)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })

	g.order = g.topologicalOrder()

	v := Validation{Cycles: cycles, Issues: issues}
	for _, i := range g.order {
		v.Order = append(v.Order, g.nodes[i].rule.ID)
	}
	for _, n := range g.nodes {
		if !n.enabled {
			v.Disabled = append(v.Disabled, n.rule.ID)
		}
	}
	sort.Strings(v.Disabled)
	g.validation = v
	return g
}

func (g *Graph) selfLoop(i int) bool {
	for _, s := range g.nodes[i].succ {
		if s == i {
			return true
		}
	}
	return false
}

// stronglyConnected returns the strongly connected components of the whole
// graph. It is Tarjan's algorithm run as a depth-first search with an
// explicit call stack, so deep rule chains cannot overflow the goroutine
// stack.
func (g *Graph) stronglyConnected() [][]int {
	n := len(g.nodes)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	type frame struct{ v, edge int }
	var (
		stack []int
		comps [][]int
		next  int
	)
	visit := func(v int) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
	}

	for root := 0; root < n; root++ {
		if index[root] >= 0 {
			continue
		}
		visit(root)
		calls := []frame{{v: root}}

		for len(calls) > 0 {
			top := &calls[len(calls)-1]
			v := top.v
			if succ := g.nodes[v].succ; top.edge < len(succ) {
				w := succ[top.edge]
				top.edge++
				if index[w] < 0 {
					visit(w)
					calls = append(calls, frame{v: w})
				} else if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
				continue
			}

			calls = calls[:len(calls)-1]
			if len(calls) > 0 {
				if p := calls[len(calls)-1].v; low[v] < low[p] {
					low[p] = low[v]
				}
			}
			if low[v] != index[v] {
				continue
			}
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			comps = append(comps, comp)
		}
	}
	return comps
}

// readyQueue orders rules with no pending predecessors by priority
// descending, then id ascending.
type readyQueue struct {
	nodes []node
	items []int
}

func (q *readyQueue) Len() int { return len(q.items) }
func (q *readyQueue) Less(i, j int) bool {
	a, b := q.nodes[q.items[i]].rule, q.nodes[q.items[j]].rule
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}
func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *readyQueue) Push(x any)    { q.items = append(q.items, x.(int)) }
func (q *readyQueue) Pop() any {
	last := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	return last
}

// topologicalOrder runs Kahn's algorithm over the enabled rules.
func (g *Graph) topologicalOrder() []int {
	indegree := make([]int, len(g.nodes))
	for _, n := range g.nodes {
		if !n.enabled {
			continue
		}
		for _, s := range n.succ {
			if g.nodes[s].enabled {
				indegree[s]++
			}
		}
	}

	q := &readyQueue{nodes: g.nodes}
	for i, n := range g.nodes {
		if n.enabled && indegree[i] == 0 {
			q.items = append(q.items, i)
		}
	}
	heap.Init(q)

	order := make([]int, 0, len(g.nodes))
	for q.Len() > 0 {
		v := heap.Pop(q).(int)
		order = append(order, v)
		for _, s := range g.nodes[v].succ {
			if !g.nodes[s].enabled {
				continue
			}
			indegree[s]--
			if indegree[s] == 0 {
				heap.Push(q, s)
			}
		}
	}
	return order
}

// Validate returns the validation report computed when the graph was built.
func (g *Graph) Validate() Validation {
	v := g.validation
	v.Order = append([]string(nil), v.Order...)
	v.Cycles = append([][]string(nil), v.Cycles...)
	v.Issues = append([]Issue(nil), v.Issues...)
	v.Disabled = append([]string(nil), v.Disabled...)
	return v
}

// ExecutionOrder returns the ids of the enabled rules in evaluation order.
func (g *Graph) ExecutionOrder() []string {
	return append([]string(nil), g.validation.Order...)
}

// Rule returns the rule with the given id.
func (g *Graph) Rule(id string) (Rule, bool) {
	i, ok := g.index[id]
	if !ok {
		return Rule{}, false
	}
	return g.nodes[i].rule, true
}

// Enabled reports whether the rule takes part in evaluation.
func (g *Graph) Enabled(id string) bool {
	i, ok := g.index[id]
	return ok && g.nodes[i].enabled
}

// Len returns the number of distinct rules in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}
