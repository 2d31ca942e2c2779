// Package engine orchestrates agentic coding workflows.
//
// The Engine runs a declared Graph of nodes over a typed state, one
// workflow at a time per worktree and at most MaxConcurrent workflows at
// once. Every node execution is bracketed by events and made durable
// with a checkpoint before its completion is announced, so a crashed or
// restarted engine resumes exactly where the last checkpoint left off.
// Human-in-the-loop gates pause workflows (static interrupts declared on
// the graph, dynamic ones raised by AwaitResume) until Approve or Reject
// injects a resume command.
//
// The engine persists workflow records, the event log, and token usage
// through a Store; checkpoints through a checkpoint.Store; and streams
// observability through an event.Bus. Agent execution is delegated to
// drivers resolved per workflow profile.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ameliahq/amelia/engine/checkpoint"
	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
	"github.com/ameliahq/amelia/engine/tracker"
)

// SeedFunc builds the initial execution state for a newly submitted
// workflow from its record, its resolved profile, and the issue fetched
// at submit time.
type SeedFunc[S any] func(w Workflow, p Profile, issue tracker.Issue) S

// settings collects optional dependencies before New wires them in.
type settings struct {
	cfg      Config
	cfgSet   bool
	log      zerolog.Logger
	bus      *event.Bus
	cps      checkpoint.Store
	store    Store
	drivers  *driver.Registry
	trackers []tracker.Tracker
	profiles ProfileStore
	metrics  *Metrics
	costs    *CostTracker
}

// Option configures an Engine.
type Option func(*settings)

// WithConfig sets engine tuning. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg; s.cfgSet = true }
}

// WithLogger sets the engine logger. Default is a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithBus sets the event bus. By default the engine creates its own,
// applying Config.SubscriberIdleTimeout.
func WithBus(b *event.Bus) Option {
	return func(s *settings) { s.bus = b }
}

// WithCheckpoints sets the checkpoint store. Default is in-memory.
func WithCheckpoints(cs checkpoint.Store) Option {
	return func(s *settings) { s.cps = cs }
}

// WithStore sets the workflow store. Default is in-memory.
func WithStore(st Store) Option {
	return func(s *settings) { s.store = st }
}

// WithDrivers sets the driver registry profiles are resolved against.
func WithDrivers(r *driver.Registry) Option {
	return func(s *settings) { s.drivers = r }
}

// WithTrackers registers issue trackers by their Name(). An in-memory
// tracker is always available under "memory" unless overridden.
func WithTrackers(ts ...tracker.Tracker) Option {
	return func(s *settings) { s.trackers = append(s.trackers, ts...) }
}

// WithProfiles sets the profile store. Default holds DefaultProfile.
func WithProfiles(ps ProfileStore) Option {
	return func(s *settings) { s.profiles = ps }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithMetricsRegistry is shorthand for WithMetrics(NewMetrics(registry)).
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(s *settings) { s.metrics = NewMetrics(registry) }
}

// WithCostTracker sets the pricing table used by Cost.
func WithCostTracker(t *CostTracker) Option {
	return func(s *settings) { s.costs = t }
}

// Engine schedules and executes workflows over a Graph.
//
// Construct with New, call Start once, then drive it through Submit,
// Approve, Reject, Cancel, UpdateState, and Replan. Close stops the
// scheduler; running workflows persist their last checkpoint and resume
// on the next Start.
type Engine[S any] struct {
	cfg      Config
	log      zerolog.Logger
	bus      *event.Bus
	cps      checkpoint.Store
	store    Store
	drivers  *driver.Registry
	trackers map[string]tracker.Tracker
	profiles ProfileStore
	metrics  *Metrics
	costs    *CostTracker

	graph   *Graph[S]
	reducer Reducer[S]
	seed    SeedFunc[S]

	ownsBus   bool
	ownsCps   bool
	ownsStore bool

	sem  *semaphore.Weighted
	wake chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
	pendingQ []queueItem
	resumeQ  []string
	worktree map[string]string // worktree path -> reserving workflow id
	active   int
	started  bool
	closed   bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an engine around a validated graph. The reducer merges node
// deltas into state; seed builds the initial state at submit time.
func New[S any](g *Graph[S], reducer Reducer[S], seed SeedFunc[S], opts ...Option) (*Engine[S], error) {
	if g == nil {
		return nil, &EngineError{Code: "INVALID_GRAPH", Message: "graph cannot be nil"}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if reducer == nil {
		return nil, &EngineError{Code: "INVALID_CONFIG", Message: "reducer cannot be nil"}
	}
	if seed == nil {
		return nil, &EngineError{Code: "INVALID_CONFIG", Message: "seed function cannot be nil"}
	}

	s := settings{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&s)
	}
	cfg := s.cfg
	if !s.cfgSet {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()

	e := &Engine[S]{
		cfg:      cfg,
		log:      s.log,
		bus:      s.bus,
		cps:      s.cps,
		store:    s.store,
		drivers:  s.drivers,
		profiles: s.profiles,
		metrics:  s.metrics,
		costs:    s.costs,
		graph:    g,
		reducer:  reducer,
		seed:     seed,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
		sessions: make(map[string]*session),
		worktree: make(map[string]string),
	}
	if e.bus == nil {
		e.bus = event.NewBus(event.WithIdleTimeout(cfg.SubscriberIdleTimeout))
		e.ownsBus = true
	}
	if e.cps == nil {
		e.cps = checkpoint.NewMemStore()
		e.ownsCps = true
	}
	if e.store == nil {
		e.store = NewMemStore()
		e.ownsStore = true
	}
	if e.drivers == nil {
		e.drivers = driver.NewRegistry()
	}
	if e.profiles == nil {
		e.profiles = NewMemProfileStore()
	}
	if e.costs == nil {
		e.costs = NewCostTracker()
	}
	e.trackers = map[string]tracker.Tracker{"memory": tracker.NewMemTracker()}
	for _, t := range s.trackers {
		e.trackers[t.Name()] = t
	}
	return e, nil
}

// Start reconciles persisted workflows and launches the scheduler.
//
// Reconciliation re-enqueues in_progress workflows from their latest
// checkpoint, re-admits pending ones in submission order, and leaves
// blocked ones waiting for a resume. The context bounds reconciliation
// queries only; engine lifetime is governed by Close.
func (e *Engine[S]) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return &EngineError{Code: "ALREADY_STARTED", Message: "engine already started"}
	}
	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile persisted workflows: %w", err)
	}
	e.rootCtx, e.cancel = context.WithCancel(context.Background())
	e.started = true
	e.wg.Add(2)
	go e.dispatchLoop()
	go e.retentionLoop()
	e.wakeDispatcher()
	return nil
}

// Close stops the scheduler and waits for running workflow tasks to
// yield. In-flight drivers see their contexts cancelled; workflows keep
// their in_progress status and resume from their latest checkpoint on
// the next Start. Resources the engine created itself are closed.
func (e *Engine[S]) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if e.ownsBus {
		e.bus.Close()
	}
	if e.ownsCps {
		_ = e.cps.Close()
	}
	if e.ownsStore {
		_ = e.store.Close()
	}
	return nil
}

// Submit validates the request, fetches and caches the tracker issue,
// seeds the initial state and checkpoint, and enqueues the workflow for
// admission. The issue fetch and seed persistence are bounded by
// Config.StartTimeout.
//
// It returns ErrWorktreeBusy without creating a record when another
// workflow is active on the worktree.
func (e *Engine[S]) Submit(ctx context.Context, req SubmitRequest) (*Workflow, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if req.IssueID == "" {
		return nil, &EngineError{Code: "INVALID_REQUEST", Message: "issue id is required"}
	}
	if req.Worktree == "" || !filepath.IsAbs(req.Worktree) {
		return nil, &EngineError{Code: "INVALID_REQUEST", Message: fmt.Sprintf("worktree must be an absolute path, got %q", req.Worktree)}
	}
	profileID := req.ProfileID
	if profileID == "" {
		profileID = DefaultProfileID
	}
	profile, err := e.profiles.Get(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if req.Trust != "" {
		profile.Trust = req.Trust
	}
	if !profile.Trust.Valid() {
		return nil, &EngineError{Code: "INVALID_REQUEST", Message: fmt.Sprintf("unknown trust level %q", profile.Trust)}
	}
	if _, err := e.drivers.Resolve(profile.Driver); err != nil {
		return nil, fmt.Errorf("profile %q: %w", profile.ID, err)
	}
	trk, ok := e.trackers[profile.Tracker]
	if !ok {
		return nil, &EngineError{Code: "UNKNOWN_TRACKER", Message: fmt.Sprintf("profile %q names tracker %q, which is not registered", profile.ID, profile.Tracker)}
	}

	e.mu.Lock()
	if holder, held := e.worktree[req.Worktree]; held {
		e.mu.Unlock()
		return nil, fmt.Errorf("worktree %s held by workflow %s: %w", req.Worktree, holder, ErrWorktreeBusy)
	}
	e.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StartTimeout)
	defer cancel()

	issue, err := trk.Fetch(sctx, req.IssueID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue %q: %w", req.IssueID, err)
	}
	issueCache, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("failed to cache issue: %w", err)
	}

	id := req.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	w := Workflow{
		ID:         id,
		IssueID:    req.IssueID,
		Worktree:   req.Worktree,
		Status:     StatusPending,
		ProfileID:  profile.ID,
		CreatedAt:  time.Now().UTC(),
		IssueCache: issueCache,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if holder, held := e.worktree[req.Worktree]; held {
		return nil, fmt.Errorf("worktree %s held by workflow %s: %w", req.Worktree, holder, ErrWorktreeBusy)
	}
	if err := e.store.CreateWorkflow(sctx, w); err != nil {
		return nil, err
	}

	state := e.seed(w, profile, issue)
	payload, err := encodeState(state, envelope{})
	if err == nil {
		err = e.cps.Put(sctx, checkpoint.Checkpoint{
			ThreadID:  id,
			ID:        uuid.NewString(),
			CreatedAt: time.Now().UTC(),
			Payload:   payload,
			NextNodes: []string{e.graph.Entry()},
		})
	}
	if err != nil {
		// The record exists but has no runnable seed; mark it failed
		// rather than leaving a pending workflow that can never start.
		w.Status = StatusFailed
		w.FailureReason = fmt.Sprintf("failed to seed workflow: %v", err)
		w.CompletedAt = time.Now().UTC()
		if uerr := e.store.UpdateWorkflow(context.WithoutCancel(ctx), w); uerr != nil {
			e.log.Error().Err(uerr).Str("workflow_id", id).Msg("failed to mark unseeded workflow failed")
		}
		return nil, fmt.Errorf("failed to seed workflow: %w", err)
	}

	e.sessions[id] = &session{}
	e.enqueuePending(w)
	e.metrics.WorkflowSubmitted()
	e.metrics.SetPending(len(e.pendingQ))
	e.log.Info().
		Str("workflow_id", id).
		Str("issue_id", req.IssueID).
		Str("worktree", req.Worktree).
		Str("profile", profile.ID).
		Msg("workflow submitted")
	e.wakeDispatcher()
	return w.Clone(), nil
}

// Approve injects an approving resume command into a blocked workflow.
// The optional payload (a resolution action, edited parameters) is
// carried to the paused node. Approving a workflow that is not blocked
// is a structured no-op matching ErrNotApplicable.
func (e *Engine[S]) Approve(ctx context.Context, id string, payload any) error {
	cmd := ResumeCommand{Approved: true}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal approval payload: %w", err)
		}
		cmd.Payload = raw
	}
	return e.resume(ctx, "approve", id, cmd)
}

// Reject injects a rejecting resume command with the human's feedback.
// The paused node decides what rejection means (typically looping back
// to planning). Rejecting a workflow that is not blocked is a structured
// no-op matching ErrNotApplicable.
func (e *Engine[S]) Reject(ctx context.Context, id, feedback string) error {
	return e.resume(ctx, "reject", id, ResumeCommand{Approved: false, Feedback: feedback})
}

// resume records a resume command for a blocked workflow. The command
// is persisted into a new checkpoint before anything is announced, so an
// accepted approval survives a crash.
func (e *Engine[S]) resume(ctx context.Context, op, id string, cmd ResumeCommand) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	if w.Status != StatusBlocked {
		return &NotApplicableError{Op: op, WorkflowID: id, Status: w.Status}
	}
	cp, err := e.cps.Latest(ctx, id)
	if err != nil {
		return err
	}
	if cp == nil {
		return &EngineError{Code: "NO_CHECKPOINT", Message: fmt.Sprintf("workflow %q has no checkpoint", id)}
	}
	state, env, err := decodeState[S](cp.Payload)
	if err != nil {
		return err
	}
	env.Pending = append(env.Pending, cmd)
	payload, err := encodeState(state, envelope{Resumes: env.Resumes, Pending: env.Pending})
	if err != nil {
		return err
	}
	if err := e.cps.Put(ctx, checkpoint.Checkpoint{
		ThreadID:  id,
		ID:        uuid.NewString(),
		ParentID:  cp.ID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
		NextNodes: cp.NextNodes,
	}); err != nil {
		return fmt.Errorf("failed to record resume: %w", err)
	}

	ev := event.Event{Type: event.TypeApprovalGranted, Message: "approval granted"}
	if !cmd.Approved {
		ev.Type = event.TypeApprovalRejected
		ev.Message = "approval rejected"
		ev.Data = map[string]any{"feedback": cmd.Feedback}
	} else if len(cmd.Payload) > 0 {
		ev.Data = map[string]any{"payload": json.RawMessage(cmd.Payload)}
	}
	e.publish(id, ev)

	ses := e.session(id)
	switch {
	case ses.running:
		// The paused task is still unwinding; runTask re-enqueues when
		// it parks.
		ses.resumeArrived = true
	case !ses.enqueued:
		e.resumeQ = append(e.resumeQ, id)
		ses.enqueued = true
	}
	e.wakeDispatcher()
	return nil
}

// Cancel requests cancellation. Pending workflows are finalized
// immediately; blocked ones are finalized from their pause checkpoint;
// running ones have their context cancelled and are finalized by the
// runtime after the in-flight node returns. Cancelling an already
// terminal workflow is a structured no-op matching ErrNotApplicable.
func (e *Engine[S]) Cancel(ctx context.Context, id string) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	switch {
	case w.Status.Terminal():
		return &NotApplicableError{Op: "cancel", WorkflowID: id, Status: w.Status}
	case w.Status == StatusPending:
		e.dropPending(id)
		e.dropResume(id)
		e.metrics.SetPending(len(e.pendingQ))
		return e.finalizeCancelledLocked(ctx, w)
	default:
		ses := e.session(id)
		if ses.running {
			ses.cancelRequested = true
			if ses.cancel != nil {
				ses.cancel()
			}
			return nil
		}
		// Blocked, or in_progress awaiting re-admission after restart:
		// no live task, finalize directly.
		e.dropResume(id)
		return e.finalizeCancelledLocked(ctx, w)
	}
}

// UpdateState merges a patch into a blocked workflow's state through the
// graph reducer and persists it as a new checkpoint. Identity fields are
// protected by the reducer; status cannot be changed this way. Only
// blocked workflows may be edited.
func (e *Engine[S]) UpdateState(ctx context.Context, id string, patch S) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	if w.Status != StatusBlocked {
		return &NotApplicableError{Op: "update_state", WorkflowID: id, Status: w.Status}
	}
	cp, err := e.cps.Latest(ctx, id)
	if err != nil {
		return err
	}
	if cp == nil {
		return &EngineError{Code: "NO_CHECKPOINT", Message: fmt.Sprintf("workflow %q has no checkpoint", id)}
	}
	state, env, err := decodeState[S](cp.Payload)
	if err != nil {
		return err
	}
	merged := e.reducer(state, patch)
	payload, err := encodeState(merged, envelope{Resumes: env.Resumes, Pending: env.Pending})
	if err != nil {
		return err
	}
	if err := e.cps.Put(ctx, checkpoint.Checkpoint{
		ThreadID:  id,
		ID:        uuid.NewString(),
		ParentID:  cp.ID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
		NextNodes: cp.NextNodes,
	}); err != nil {
		return err
	}
	e.refreshPlanCache(w, any(merged))
	if err := e.store.UpdateWorkflow(ctx, *w); err != nil {
		e.log.Warn().Err(err).Str("workflow_id", id).Msg("failed to refresh workflow record after state update")
	}
	return nil
}

// Replan rewinds a blocked or failed workflow to the graph entry so the
// pipeline produces a fresh plan from the already-merged state. Queued
// resume commands are discarded. The workflow re-enters the admission
// queue; for failed workflows the worktree must still be free.
func (e *Engine[S]) Replan(ctx context.Context, id string) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	if w.Status != StatusBlocked && w.Status != StatusFailed {
		return &NotApplicableError{Op: "replan", WorkflowID: id, Status: w.Status}
	}
	if holder, held := e.worktree[w.Worktree]; held && holder != id {
		return fmt.Errorf("worktree %s held by workflow %s: %w", w.Worktree, holder, ErrWorktreeBusy)
	}
	cp, err := e.cps.Latest(ctx, id)
	if err != nil {
		return err
	}
	if cp == nil {
		return &EngineError{Code: "NO_CHECKPOINT", Message: fmt.Sprintf("workflow %q has no checkpoint", id)}
	}
	state, _, err := decodeState[S](cp.Payload)
	if err != nil {
		return err
	}
	payload, err := encodeState(state, envelope{})
	if err != nil {
		return err
	}
	if err := e.cps.Put(ctx, checkpoint.Checkpoint{
		ThreadID:  id,
		ID:        uuid.NewString(),
		ParentID:  cp.ID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
		NextNodes: []string{e.graph.Entry()},
	}); err != nil {
		return err
	}

	w.Status = StatusPending
	w.FailureReason = ""
	w.CompletedAt = time.Time{}
	if err := e.store.UpdateWorkflow(ctx, *w); err != nil {
		return err
	}
	e.worktree[w.Worktree] = id
	ses := e.session(id)
	ses.cancelRequested = false
	if !ses.running && !ses.enqueued {
		e.resumeQ = append(e.resumeQ, id)
		ses.enqueued = true
	}
	e.log.Info().Str("workflow_id", id).Msg("workflow rewound to planning")
	e.wakeDispatcher()
	return nil
}

// Snapshot returns the workflow's current state decoded from its latest
// checkpoint.
func (e *Engine[S]) Snapshot(ctx context.Context, id string) (S, error) {
	var zero S
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return zero, err
	}
	if w == nil {
		return zero, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	cp, err := e.cps.Latest(ctx, id)
	if err != nil {
		return zero, err
	}
	if cp == nil {
		return zero, fmt.Errorf("workflow %q has no checkpoint: %w", id, ErrNotFound)
	}
	state, _, err := decodeState[S](cp.Payload)
	if err != nil {
		return zero, err
	}
	return state, nil
}

// History returns the workflow's checkpoints, newest first.
func (e *Engine[S]) History(ctx context.Context, id string) ([]checkpoint.Checkpoint, error) {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	return e.cps.List(ctx, id)
}

// Workflow returns the workflow record.
func (e *Engine[S]) Workflow(ctx context.Context, id string) (*Workflow, error) {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	return w, nil
}

// Log returns the persisted event log for a workflow with sequence
// greater than since, oldest first.
func (e *Engine[S]) Log(ctx context.Context, id string, since int64) ([]event.Event, error) {
	return e.store.Events(ctx, id, since)
}

// Cost aggregates the workflow's recorded token usage into a priced
// summary.
func (e *Engine[S]) Cost(ctx context.Context, id string) (CostSummary, error) {
	usages, err := e.store.Usage(ctx, id)
	if err != nil {
		return CostSummary{}, err
	}
	return e.costs.Summarize(usages), nil
}

// Subscribe returns a live event feed for the given workflow ids (none,
// or event.AllWorkflows, for everything).
func (e *Engine[S]) Subscribe(workflowIDs ...string) *event.Subscription {
	return e.bus.Subscribe(workflowIDs...)
}

// Backfill returns recent retained events for a workflow with sequence
// greater than since. expired reports that older events have been
// evicted from memory; Log still has them if retention allows.
func (e *Engine[S]) Backfill(workflowID string, since int64) (events []event.Event, expired bool) {
	return e.bus.Backfill(workflowID, since)
}

// Bus exposes the engine's event bus.
func (e *Engine[S]) Bus() *event.Bus { return e.bus }

// Sink returns a driver.Sink that publishes streamed agent activity as
// events attributed to the workflow and agent, persisting token usage as
// it arrives. Pipeline nodes pass it to driver.Invoke.
func (e *Engine[S]) Sink(workflowID, agent string) driver.Sink {
	return &busSink{
		workflowID: workflowID,
		agent:      agent,
		publish:    e.publish,
		store:      e.store,
		metrics:    e.metrics,
		log:        e.log,
	}
}

// Publish appends a custom event to the workflow's ordered log,
// assigning the next sequence. Pipeline nodes use it for artifact
// events; callers must publish for a given workflow from a single
// goroutine to keep its log ordered.
func (e *Engine[S]) Publish(workflowID string, ev event.Event) event.Event {
	return e.publish(workflowID, ev)
}

// publish sequences the event on the bus, counts it, and tees it to the
// persisted workflow log.
func (e *Engine[S]) publish(workflowID string, ev event.Event) event.Event {
	ev = e.bus.Publish(workflowID, ev)
	e.metrics.EventPublished(string(ev.Type))
	if err := e.store.AppendEvent(context.Background(), ev); err != nil {
		e.log.Warn().Err(err).
			Str("workflow_id", workflowID).
			Str("type", string(ev.Type)).
			Msg("failed to persist event")
	}
	return ev
}

// guard rejects operations before Start or after Close.
func (e *Engine[S]) guard() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.started {
		return &EngineError{Code: "NOT_STARTED", Message: "engine not started, call Start first"}
	}
	return nil
}
