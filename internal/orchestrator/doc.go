// Package orchestrator executes a constellation: a DAG of tasks dispatched to
// capable devices.
//
// A Constellation holds the graph and its status bookkeeping. GraphEvolution
// validates and applies structural mutations. The Orchestrator is the single
// goroutine allowed to change a constellation; results, heartbeats and
// mutations reach it through its inbox. A Hub runs one Orchestrator per
// constellation over a shared device registry.
package orchestrator
