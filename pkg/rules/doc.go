// Package rules evaluates interdependent monitoring rules against metric
// snapshots.
//
// A Graph holds rules in a flat table with index-based edges. Building it
// validates the rule set: cycle members, rules with unknown dependencies and
// rules without a usable condition are disabled and reported, while every
// other rule keeps running. ExecutionOrder is a topological order of the
// enabled rules, ties broken by priority and then id.
//
// Conditions are CEL expressions over the snapshot's metric map, compiled
// once, or Go predicates registered by rule id. Nothing from configuration
// is ever executed as code.
//
// A Scheduler walks the execution order for each snapshot. Chains with no
// delay are followed in the same cycle; delayed chains become scheduled
// tasks carrying a copy of the snapshot, claimed through a distributed lock
// so one instance runs each delayed firing.
package rules
