package engine

import (
	"context"
	"time"
)

// NodeKind classifies a graph node for validation and observability.
type NodeKind string

const (
	// NodeAgent invokes a driver-backed agent.
	NodeAgent NodeKind = "agent"

	// NodeRouter evaluates state and picks the next node without side
	// effects.
	NodeRouter NodeKind = "router"

	// NodeApproval consumes a human resume command, pausing until one
	// arrives.
	NodeApproval NodeKind = "approval"

	// NodeNoop performs bookkeeping only.
	NodeNoop NodeKind = "noop"
)

// Node is a single executable stage in a workflow graph.
//
// Run receives a deep copy of the current state and returns a delta to
// merge, an optional explicit route, or an error. Implementations must
// not retain or mutate the input state; all updates flow through Delta.
// Returning an error that matches ErrInterrupted blocks the workflow
// instead of failing it.
type Node[S any] interface {
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// NodeResult is the outcome of one node execution.
type NodeResult[S any] struct {
	// Delta holds the state updates to merge via the graph's reducer.
	Delta S

	// Route optionally overrides edge evaluation. The zero value routes
	// through the edges declared for this node.
	Route Next

	// Err marks the execution failed (workflow fails) or interrupted
	// (workflow blocks, when the error matches ErrInterrupted). Delta is
	// still merged for interrupts so partial progress survives.
	Err error
}

// Next declares where control flows after a node.
type Next struct {
	// To names the next node directly.
	To string

	// Terminal ends the workflow successfully.
	Terminal bool
}

// Stop returns a terminal route: the workflow completes.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a direct route to the named node.
func Goto(id string) Next {
	return Next{To: id}
}

// Predicate guards a conditional edge.
type Predicate[S any] func(S) bool

// Edge connects two nodes, optionally guarded by a predicate. Edges from
// the same node are evaluated in declaration order; the first match wins
// and a nil predicate always matches.
type Edge[S any] struct {
	From string
	To   string
	When Predicate[S]
}

// Reducer merges a node's delta into the previous state and returns the
// next state. It must not mutate either argument.
type Reducer[S any] func(prev, delta S) S

// NoTimeout disables the per-node execution bound.
const NoTimeout = time.Duration(-1)

// NodePolicy carries per-node execution settings.
type NodePolicy struct {
	// Timeout bounds this node's execution. Zero uses the engine's
	// NodeTimeout; NoTimeout disables the bound entirely.
	Timeout time.Duration
}
