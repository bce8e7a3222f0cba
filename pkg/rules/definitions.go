package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Definitions is the declarative form of a rule set, as read from YAML:
//
//	rules:
//	  - id: high_error_rate
//	    condition: metrics.error_rate > 0.05
//	    priority: 10
//	    actions:
//	      - type: log
//	        params: {level: warn, message: error rate high}
//	  - id: page_oncall
//	    condition: metrics.error_rate > 0.05
//	    dependsOn: [high_error_rate]
//	    actions:
//	      - type: audit
//	chains:
//	  - source: high_error_rate
//	    target: page_oncall
//	    delay: 5m
type Definitions struct {
	Rules  []RuleDefinition  `yaml:"rules"`
	Chains []ChainDefinition `yaml:"chains"`
}

// RuleDefinition declares one rule. A rule without a condition expression
// uses the predicate registered under its id.
type RuleDefinition struct {
	ID        string             `yaml:"id"`
	Condition string             `yaml:"condition"`
	Priority  int                `yaml:"priority"`
	DependsOn []string           `yaml:"dependsOn"`
	Actions   []ActionDefinition `yaml:"actions"`
}

// ActionDefinition names an action type and its parameters.
type ActionDefinition struct {
	Type   string            `yaml:"type"`
	Params map[string]string `yaml:"params"`
}

// ChainDefinition declares a chain edge. An empty trigger always fires.
type ChainDefinition struct {
	Source  string        `yaml:"source"`
	Target  string        `yaml:"target"`
	Trigger string        `yaml:"trigger"`
	Delay   time.Duration `yaml:"delay"`
}

// LoadDefinitions decodes YAML rule definitions. Unknown fields are errors.
func LoadDefinitions(data []byte) (Definitions, error) {
	var defs Definitions
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return Definitions{}, fmt.Errorf("decode rule definitions: %w", err)
	}
	return defs, nil
}

// LoadDefinitionsFile reads and decodes a YAML rule definition file.
func LoadDefinitionsFile(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read rule definitions: %w", err)
	}
	return LoadDefinitions(data)
}

// Compile turns definitions into a validated graph. Expressions are compiled
// once here; a rule whose condition or actions cannot be built is disabled
// and reported, as is a chain whose trigger does not compile.
func Compile(defs Definitions, actions *ActionRegistry, predicates PredicateTable) *Graph {
	if actions == nil {
		actions = NewActionRegistry(nil, nil, nil)
	}

	rules := make([]Rule, 0, len(defs.Rules))
	invalid := make(map[string]string)
	seen := make(map[string]bool, len(defs.Rules))

	for _, d := range defs.Rules {
		r := Rule{ID: d.ID, Priority: d.Priority, DependsOn: d.DependsOn}
		if seen[d.ID] {
			// reported as a duplicate by the graph
			rules = append(rules, r)
			continue
		}
		seen[d.ID] = true

		switch {
		case d.Condition != "":
			expr, err := CompileExpression(d.Condition)
			if err != nil {
				invalid[d.ID] = err.Error()
			} else {
				r.Condition = expr
			}
		case predicates[d.ID] != nil:
			r.Condition = predicates[d.ID]
		default:
			invalid[d.ID] = "no condition expression and no registered predicate"
		}

		for _, ad := range d.Actions {
			a, err := actions.Build(ad.Type, ad.Params)
			if err != nil {
				if _, seen := invalid[d.ID]; !seen {
					invalid[d.ID] = err.Error()
				}
				continue
			}
			r.Actions = append(r.Actions, a)
		}
		rules = append(rules, r)
	}

	chains := make([]Chain, 0, len(defs.Chains))
	var issues []Issue
	for _, d := range defs.Chains {
		c := Chain{Source: d.Source, Target: d.Target, Delay: d.Delay}
		if d.Trigger != "" {
			expr, err := CompileExpression(d.Trigger)
			if err != nil {
				issues = append(issues, Issue{RuleID: d.Source + "->" + d.Target, Reason: err.Error()})
				continue
			}
			c.Trigger = expr
		}
		chains = append(chains, c)
	}

	return buildGraph(rules, chains, invalid, issues)
}
