// Package pipeline defines the agent workflow Amelia runs for every
// issue: an architect drafts a plan, a validator shape-checks it, a
// human approves it, a developer executes it batch by batch, blockers
// route to a human resolution gate, and a reviewer passes the final
// verdict.
//
// The package owns the graph topology, the execution state with its
// merge rules, and the default prompt templates. The engine supplies
// scheduling, checkpointing, approvals, and the event log. All
// progress lives in State, recorded append-only per step attempt, so a
// workflow interrupted at any gate, or killed and restarted, resumes
// without repeating work already on record.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ameliahq/amelia/engine"
	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
	"github.com/ameliahq/amelia/engine/prompt"
)

// Node ids in the pipeline graph.
const (
	NodeArchitect         = "architect"
	NodePlanValidator     = "plan_validator"
	NodeHumanApproval     = "human_approval"
	NodeDeveloper         = "developer"
	NodeBlockerResolution = "blocker_resolution"
	NodeReviewer          = "reviewer"
)

// SinkFunc supplies the sink driver invocations stream to, usually
// Engine.Sink.
type SinkFunc func(workflowID, agent string) driver.Sink

// PublishFunc appends an event to a workflow's log, usually
// Engine.Publish.
type PublishFunc func(workflowID string, ev event.Event) event.Event

// Config wires the pipeline's dependencies.
type Config struct {
	// Drivers resolves each workflow's driver name. Required.
	Drivers *driver.Registry

	// Prompts resolves and pins prompt templates per workflow. Required.
	Prompts *prompt.Binder

	// Sink provides the stream target for driver invocations. Left nil
	// it is bound by Pipeline.Engine, or falls back to discarding.
	Sink SinkFunc

	// Publish appends artifact events to the workflow log. Left nil it
	// is bound by Pipeline.Engine, or events are dropped.
	Publish PublishFunc

	// Log receives node-level operational logs. The zero value
	// discards them.
	Log zerolog.Logger

	// MaxReviewRounds bounds automatic review revision loops; rounds
	// beyond it need a human continue. Default 3.
	MaxReviewRounds int

	// StepTimeout bounds a developer step whose plan entry carries no
	// timeout_seconds of its own. Default 2 minutes.
	StepTimeout time.Duration
}

// Pipeline builds and holds Amelia's agent graph.
type Pipeline struct {
	drivers *driver.Registry
	prompts *prompt.Binder
	sink    SinkFunc
	publish PublishFunc
	log     zerolog.Logger

	maxReviewRounds int
	stepTimeout     time.Duration

	graph *engine.Graph[State]
}

// New validates the configuration and constructs the pipeline graph.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Drivers == nil {
		return nil, fmt.Errorf("pipeline: driver registry is required")
	}
	if cfg.Prompts == nil {
		return nil, fmt.Errorf("pipeline: prompt binder is required")
	}
	p := &Pipeline{
		drivers:         cfg.Drivers,
		prompts:         cfg.Prompts,
		sink:            cfg.Sink,
		publish:         cfg.Publish,
		log:             cfg.Log,
		maxReviewRounds: cfg.MaxReviewRounds,
		stepTimeout:     cfg.StepTimeout,
	}
	if p.maxReviewRounds <= 0 {
		p.maxReviewRounds = 3
	}
	if p.stepTimeout <= 0 {
		p.stepTimeout = 2 * time.Minute
	}
	g, err := p.buildGraph()
	if err != nil {
		return nil, err
	}
	p.graph = g
	return p, nil
}

// buildGraph declares the six nodes and their edges. Unconditional
// edges cover the straight-line flow; the reviewer and the blocker
// paths route explicitly.
func (p *Pipeline) buildGraph() (*engine.Graph[State], error) {
	g := engine.NewGraph[State]()
	steps := []error{
		g.Add(NodeArchitect, engine.NodeAgent, engine.NodeFunc[State](p.architect)),
		g.Add(NodePlanValidator, engine.NodeRouter, engine.NodeFunc[State](p.planValidator)),
		g.Add(NodeHumanApproval, engine.NodeApproval, engine.NodeFunc[State](p.humanApproval)),
		g.Add(NodeDeveloper, engine.NodeAgent, engine.NodeFunc[State](p.developer), engine.NodePolicy{Timeout: engine.NoTimeout}),
		g.Add(NodeBlockerResolution, engine.NodeApproval, engine.NodeFunc[State](p.blockerResolution)),
		g.Add(NodeReviewer, engine.NodeAgent, engine.NodeFunc[State](p.reviewer)),
		g.StartAt(NodeArchitect),
		g.Connect(NodeArchitect, NodePlanValidator, nil),
		g.Connect(NodePlanValidator, NodeHumanApproval, nil),
		g.Connect(NodeHumanApproval, NodeDeveloper, nil),
		g.Connect(NodeDeveloper, NodeReviewer, nil),
		g.Connect(NodeBlockerResolution, NodeDeveloper, nil),
		g.InterruptBefore(NodeHumanApproval),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Graph returns the validated pipeline graph. It is shared; callers
// must not modify it after the pipeline is in use.
func (p *Pipeline) Graph() *engine.Graph[State] {
	return p.graph
}

// Engine constructs an engine running this pipeline, wiring the
// pipeline's driver registry, reducer, and seed function. When the
// pipeline was configured without a Sink or Publish target they are
// bound to the new engine, so streamed driver activity and artifact
// events land in the engine's event log. Call before Start.
func (p *Pipeline) Engine(opts ...engine.Option) (*engine.Engine[State], error) {
	eng, err := engine.New(p.graph, Merge, Seed,
		append([]engine.Option{engine.WithDrivers(p.drivers)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if p.sink == nil {
		p.sink = eng.Sink
	}
	if p.publish == nil {
		p.publish = eng.Publish
	}
	return eng, nil
}

func (p *Pipeline) sinkFor(workflowID, agent string) driver.Sink {
	if p.sink == nil {
		return driver.NullSink{}
	}
	return p.sink(workflowID, agent)
}

func (p *Pipeline) emit(workflowID string, ev event.Event) {
	if p.publish == nil {
		return
	}
	p.publish(workflowID, ev)
}

// invoke runs one agent turn through the workflow's driver, streaming
// activity to the engine sink. A zero timeout leaves the invocation
// bounded only by ctx.
func (p *Pipeline) invoke(ctx context.Context, s *State, agent, promptText string, tools []driver.ToolSpec, timeout time.Duration) (driver.Result, error) {
	drv, err := p.drivers.Resolve(s.Driver)
	if err != nil {
		return driver.Result{}, err
	}
	snapshot, err := json.Marshal(s)
	if err != nil {
		return driver.Result{}, fmt.Errorf("snapshot state: %w", err)
	}
	req := driver.Request{
		WorkflowID: s.WorkflowID,
		Agent:      agent,
		Prompt:     promptText,
		State:      snapshot,
		Tools:      tools,
		Model:      s.Models[agent],
		Timeout:    timeout,
		TrustLevel: string(s.Trust),
		Worktree:   s.Worktree,
	}
	return drv.Invoke(ctx, req, p.sinkFor(s.WorkflowID, agent))
}

// bindPrompt resolves a prompt template for the workflow, pinning the
// version on first use and recording the pin in the delta.
func (p *Pipeline) bindPrompt(ctx context.Context, s *State, delta *State, promptID string) (string, error) {
	content, versionID, err := p.prompts.Bind(ctx, s.WorkflowID, promptID)
	if err != nil {
		return "", err
	}
	if delta.PromptBindings == nil {
		delta.PromptBindings = make(map[string]string)
	}
	delta.PromptBindings[promptID] = versionID
	return content, nil
}

// recordUsage appends the invocation's token usage to the delta,
// filling identity fields the driver left blank.
func recordUsage(s, delta *State, agent string, res driver.Result, elapsed time.Duration) {
	if res.Usage.IsZero() {
		return
	}
	u := res.Usage
	u.WorkflowID = s.WorkflowID
	u.Agent = agent
	if u.Model == "" {
		u.Model = s.Models[agent]
	}
	if u.DurationMS == 0 {
		u.DurationMS = elapsed.Milliseconds()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	delta.TokenUsage = append(delta.TokenUsage, u)
}
