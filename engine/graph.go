package engine

import (
	"fmt"
	"time"
)

// Graph declares the nodes and edges a workflow executes. Build it with
// Add, StartAt, Connect, and InterruptBefore, then hand it to New; the
// engine validates it once and treats it as immutable afterwards.
//
// Graph construction is not safe for concurrent use. A validated graph
// is read-only and may be shared by any number of workflows.
type Graph[S any] struct {
	nodes      map[string]*graphNode[S]
	edges      []Edge[S]
	entry      string
	interrupts map[string]bool
}

type graphNode[S any] struct {
	id     string
	kind   NodeKind
	impl   Node[S]
	policy NodePolicy
}

// NewGraph returns an empty graph.
func NewGraph[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:      make(map[string]*graphNode[S]),
		interrupts: make(map[string]bool),
	}
}

// Add registers a node under a unique id. An optional policy sets
// per-node execution bounds.
func (g *Graph[S]) Add(id string, kind NodeKind, node Node[S], policy ...NodePolicy) error {
	if id == "" {
		return &EngineError{Code: "INVALID_NODE", Message: "node id cannot be empty"}
	}
	if node == nil {
		return &EngineError{Code: "INVALID_NODE", Message: fmt.Sprintf("node %q has no implementation", id)}
	}
	if _, exists := g.nodes[id]; exists {
		return &EngineError{Code: "DUPLICATE_NODE", Message: fmt.Sprintf("node %q already registered", id)}
	}
	n := &graphNode[S]{id: id, kind: kind, impl: node}
	if len(policy) > 0 {
		n.policy = policy[0]
	}
	g.nodes[id] = n
	return nil
}

// StartAt sets the entry node.
func (g *Graph[S]) StartAt(id string) error {
	if _, exists := g.nodes[id]; !exists {
		return &EngineError{Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("start node %q not registered", id)}
	}
	g.entry = id
	return nil
}

// Connect adds an edge from one node to another. A nil predicate makes
// the edge unconditional. Edges are evaluated in declaration order and
// the first match wins.
func (g *Graph[S]) Connect(from, to string, when Predicate[S]) error {
	if _, exists := g.nodes[from]; !exists {
		return &EngineError{Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("edge source %q not registered", from)}
	}
	if _, exists := g.nodes[to]; !exists {
		return &EngineError{Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("edge target %q not registered", to)}
	}
	g.edges = append(g.edges, Edge[S]{From: from, To: to, When: when})
	return nil
}

// InterruptBefore marks nodes as static interrupt points: the runtime
// pauses the workflow before executing them until a resume command is
// queued.
func (g *Graph[S]) InterruptBefore(ids ...string) error {
	for _, id := range ids {
		if _, exists := g.nodes[id]; !exists {
			return &EngineError{Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("interrupt node %q not registered", id)}
		}
		g.interrupts[id] = true
	}
	return nil
}

// Entry returns the entry node id.
func (g *Graph[S]) Entry() string { return g.entry }

// Validate checks the graph is runnable: it has nodes, an entry, and no
// dangling references.
func (g *Graph[S]) Validate() error {
	if len(g.nodes) == 0 {
		return &EngineError{Code: "INVALID_GRAPH", Message: "graph has no nodes"}
	}
	if g.entry == "" {
		return &EngineError{Code: "INVALID_GRAPH", Message: "no entry node set, call StartAt"}
	}
	if _, exists := g.nodes[g.entry]; !exists {
		return &EngineError{Code: "INVALID_GRAPH", Message: fmt.Sprintf("entry node %q not registered", g.entry)}
	}
	for _, e := range g.edges {
		if _, exists := g.nodes[e.From]; !exists {
			return &EngineError{Code: "INVALID_GRAPH", Message: fmt.Sprintf("edge source %q not registered", e.From)}
		}
		if _, exists := g.nodes[e.To]; !exists {
			return &EngineError{Code: "INVALID_GRAPH", Message: fmt.Sprintf("edge target %q not registered", e.To)}
		}
	}
	for id := range g.interrupts {
		if _, exists := g.nodes[id]; !exists {
			return &EngineError{Code: "INVALID_GRAPH", Message: fmt.Sprintf("interrupt node %q not registered", id)}
		}
	}
	return nil
}

func (g *Graph[S]) node(id string) (*graphNode[S], bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph[S]) isInterrupt(id string) bool {
	return g.interrupts[id]
}

// route resolves where control flows after the given node. An explicit
// route on the result wins; otherwise edges from the node are evaluated
// in order. It returns nil for a terminal route and an error when
// nothing matches.
func (g *Graph[S]) route(from string, result Next, state S) ([]string, error) {
	if result.Terminal {
		return nil, nil
	}
	if result.To != "" {
		if _, exists := g.nodes[result.To]; !exists {
			return nil, &EngineError{Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("route target %q not registered", result.To)}
		}
		return []string{result.To}, nil
	}
	for _, e := range g.edges {
		if e.From != from {
			continue
		}
		if e.When == nil || e.When(state) {
			return []string{e.To}, nil
		}
	}
	return nil, &EngineError{Code: "NO_ROUTE", Message: fmt.Sprintf("no matching edge from node %q", from)}
}

// timeout resolves the execution bound for a node: per-node policy
// first, then the engine default. Zero means unbounded.
func (n *graphNode[S]) timeout(def time.Duration) time.Duration {
	if n.policy.Timeout < 0 {
		return 0
	}
	if n.policy.Timeout > 0 {
		return n.policy.Timeout
	}
	if def < 0 {
		return 0
	}
	return def
}
