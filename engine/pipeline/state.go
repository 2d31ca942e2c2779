package pipeline

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/ameliahq/amelia/engine"
	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/tracker"
)

// State is the execution context flowing through the pipeline graph.
//
// Nodes receive a copy and return a delta; Merge folds the delta in
// field by field. Scalars replace the previous value when the delta
// carries a non-zero one, list fields append, PromptBindings keeps the
// first write per prompt, and NodeVisits keeps the maximum per node.
// One coupling is deliberate: a delta carrying a new Plan also takes
// the delta's BatchIndex, Blocker, ValidationError, and ReviewRounds
// verbatim, because a fresh plan restarts execution progress.
type State struct {
	WorkflowID string        `json:"workflow_id"`
	Issue      tracker.Issue `json:"issue"`

	// Run settings copied from the effective profile at seed time so
	// nodes never need a profile lookup.
	Worktree     string            `json:"worktree,omitempty"`
	Trust        engine.TrustLevel `json:"trust,omitempty"`
	Driver       string            `json:"driver,omitempty"`
	Models       map[string]string `json:"models,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`

	Plan        *Plan  `json:"plan,omitempty"`
	CurrentNode string `json:"current_node,omitempty"`

	// BatchIndex is the first batch the next developer visit runs. It
	// advances only when a visit completes, so a visit re-entered after
	// an approval pause walks the same batches and re-offers the same
	// gate sequence, which is what keeps replayed resume commands
	// aligned with the gates that consumed them.
	BatchIndex int `json:"batch_index"`

	StepResults  []StepResult        `json:"step_results,omitempty"`
	BatchResults []BatchResult       `json:"batch_results,omitempty"`
	Blocker      *Blocker            `json:"blocker,omitempty"`
	Approvals    []Approval          `json:"approvals,omitempty"`
	TokenUsage   []driver.TokenUsage `json:"token_usage,omitempty"`
	Messages     []Message           `json:"messages,omitempty"`

	// PromptBindings records the prompt version each agent resolved,
	// first write wins, mirroring the binder's persisted pins.
	PromptBindings map[string]string `json:"prompt_bindings,omitempty"`

	// ToolLedger records the tool calls fired per step attempt. An
	// attempt with ledger entries but no result is never re-executed
	// silently; the developer raises an unexpected_state blocker.
	ToolLedger []ToolRecord `json:"tool_ledger,omitempty"`

	// NodeVisits counts completed visits per node. Approvals carry the
	// visit that consumed them, which lets a re-entered visit tell
	// replayed resume commands from fresh ones.
	NodeVisits map[string]int `json:"node_visits,omitempty"`

	Review          *ReviewResult `json:"review,omitempty"`
	Feedback        string        `json:"feedback,omitempty"`
	ValidationError string        `json:"validation_error,omitempty"`
	PlanRetries     int           `json:"plan_retries,omitempty"`
	ReviewRounds    int           `json:"review_rounds,omitempty"`
}

// Message is a whole agent output kept in state for later prompts and
// for operators inspecting a snapshot.
type Message struct {
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// StepStatus is the disposition of a step attempt.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one step attempt. The latest record for a step id
// is authoritative; earlier failed attempts stay in the list as
// history.
type StepResult struct {
	PlanID     string     `json:"plan_id,omitempty"`
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Attempt    int        `json:"attempt,omitempty"`
	Output     string     `json:"output,omitempty"`
	ExitCode   int        `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

// Terminal reports whether the step needs no further work.
func (r StepResult) Terminal() bool {
	return r.Status == StepCompleted || r.Status == StepSkipped
}

// BatchResult summarizes one finished batch, or one review revision
// pass when Revision is set.
type BatchResult struct {
	PlanID      string   `json:"plan_id,omitempty"`
	BatchNumber int      `json:"batch_number,omitempty"`
	Revision    int      `json:"revision,omitempty"`
	Description string   `json:"description,omitempty"`
	Completed   []string `json:"completed,omitempty"`
	Failed      []string `json:"failed,omitempty"`
	Skipped     []string `json:"skipped,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

// Approval records one consumed resume command, or an automatic grant
// under autonomous trust (Auto set).
type Approval struct {
	PlanID   string          `json:"plan_id,omitempty"`
	Node     string          `json:"node"`
	Gate     string          `json:"gate"`
	Visit    int             `json:"visit"`
	Approved bool            `json:"approved"`
	Auto     bool            `json:"auto,omitempty"`
	Feedback string          `json:"feedback,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ToolRecord is one ledger entry: a tool call the named step attempt
// already fired.
type ToolRecord struct {
	PlanID  string `json:"plan_id,omitempty"`
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
	CallID  string `json:"call_id,omitempty"`
	Tool    string `json:"tool"`
}

// Seed builds the initial state for a submitted workflow, copying the
// effective profile settings alongside the issue snapshot.
func Seed(w engine.Workflow, p engine.Profile, issue tracker.Issue) State {
	return State{
		WorkflowID:   w.ID,
		Issue:        issue,
		Worktree:     w.Worktree,
		Trust:        p.Trust,
		Driver:       p.Driver,
		Models:       maps.Clone(p.Models),
		AllowedTools: slices.Clone(p.AllowedTools),
	}
}

// Merge folds a node delta into the previous state. It is the
// pipeline's reducer: pure, mutating neither argument.
func Merge(prev, delta State) State {
	next := prev

	if delta.WorkflowID != "" {
		next.WorkflowID = delta.WorkflowID
	}
	if delta.Issue.ID != "" {
		next.Issue = delta.Issue
	}
	if delta.Worktree != "" {
		next.Worktree = delta.Worktree
	}
	if delta.Trust != "" {
		next.Trust = delta.Trust
	}
	if delta.Driver != "" {
		next.Driver = delta.Driver
	}
	if delta.Models != nil {
		next.Models = delta.Models
	}
	if delta.AllowedTools != nil {
		next.AllowedTools = delta.AllowedTools
	}
	if delta.CurrentNode != "" {
		next.CurrentNode = delta.CurrentNode
	}

	// A new plan restarts batch progress, supersedes any blocker raised
	// against the old plan, and resets the review loop. The validator
	// retry budget survives replanning on purpose: it bounds automatic
	// architect retries across the whole workflow.
	if delta.Plan != nil {
		next.Plan = delta.Plan
		next.BatchIndex = delta.BatchIndex
		next.Blocker = delta.Blocker
		next.ValidationError = delta.ValidationError
		next.ReviewRounds = delta.ReviewRounds
	} else {
		if delta.BatchIndex > next.BatchIndex {
			next.BatchIndex = delta.BatchIndex
		}
		if delta.Blocker != nil {
			next.Blocker = delta.Blocker
		}
		if delta.ValidationError != "" {
			next.ValidationError = delta.ValidationError
		}
		if delta.ReviewRounds > next.ReviewRounds {
			next.ReviewRounds = delta.ReviewRounds
		}
	}

	next.StepResults = appendList(prev.StepResults, delta.StepResults)
	next.BatchResults = appendList(prev.BatchResults, delta.BatchResults)
	next.Approvals = appendList(prev.Approvals, delta.Approvals)
	next.TokenUsage = appendList(prev.TokenUsage, delta.TokenUsage)
	next.Messages = appendList(prev.Messages, delta.Messages)
	next.ToolLedger = appendList(prev.ToolLedger, delta.ToolLedger)

	next.PromptBindings = mergeFirstWrite(prev.PromptBindings, delta.PromptBindings)
	next.NodeVisits = mergeCounters(prev.NodeVisits, delta.NodeVisits)

	if delta.Review != nil {
		next.Review = delta.Review
	}
	if delta.Feedback != "" {
		next.Feedback = delta.Feedback
	}
	if delta.PlanRetries > next.PlanRetries {
		next.PlanRetries = delta.PlanRetries
	}

	return next
}

// appendList concatenates without aliasing either input's backing
// array.
func appendList[T any](prev, delta []T) []T {
	if len(delta) == 0 {
		return prev
	}
	out := make([]T, 0, len(prev)+len(delta))
	out = append(out, prev...)
	return append(out, delta...)
}

func mergeFirstWrite(prev, delta map[string]string) map[string]string {
	if len(delta) == 0 {
		return prev
	}
	out := make(map[string]string, len(prev)+len(delta))
	maps.Copy(out, prev)
	for k, v := range delta {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

func mergeCounters(prev, delta map[string]int) map[string]int {
	if len(delta) == 0 {
		return prev
	}
	out := make(map[string]int, len(prev)+len(delta))
	maps.Copy(out, prev)
	for k, v := range delta {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// PlanJSON serializes the current plan for the workflow record's plan
// cache. Nil when no plan exists yet.
func (s State) PlanJSON() []byte {
	if s.Plan == nil {
		return nil
	}
	b, err := json.Marshal(s.Plan)
	if err != nil {
		return nil
	}
	return b
}

// bump records a completed visit for the node in the delta.
func (d *State) bump(s State, node string) {
	if d.NodeVisits == nil {
		d.NodeVisits = make(map[string]int)
	}
	d.NodeVisits[node] = s.NodeVisits[node] + 1
}

// planID returns the current plan's identity, empty when no plan is
// set. Progress records are scoped to it so a replanned workflow never
// mistakes old-plan progress for its own.
func (s *State) planID() string {
	if s.Plan == nil {
		return ""
	}
	return s.Plan.ID
}

// stepOutcome returns the latest recorded result for a step of the
// current plan, checking the in-flight delta first.
func stepOutcome(s, delta *State, stepID string) (StepResult, bool) {
	pid := s.planID()
	for i := len(delta.StepResults) - 1; i >= 0; i-- {
		if r := delta.StepResults[i]; r.StepID == stepID && r.PlanID == pid {
			return r, true
		}
	}
	for i := len(s.StepResults) - 1; i >= 0; i-- {
		if r := s.StepResults[i]; r.StepID == stepID && r.PlanID == pid {
			return r, true
		}
	}
	return StepResult{}, false
}

// nextAttempt numbers the upcoming attempt for a step, starting at 1.
func nextAttempt(s, delta *State, stepID string) int {
	if r, ok := stepOutcome(s, delta, stepID); ok {
		return r.Attempt + 1
	}
	return 1
}

// ledgerHas reports whether tool calls are on record for the given
// step attempt of the current plan.
func ledgerHas(s, delta *State, stepID string, attempt int) bool {
	pid := s.planID()
	match := func(recs []ToolRecord) bool {
		for _, r := range recs {
			if r.PlanID == pid && r.StepID == stepID && r.Attempt == attempt {
				return true
			}
		}
		return false
	}
	return match(s.ToolLedger) || match(delta.ToolLedger)
}

// hasBatchResult reports whether the batch (or revision pass, when
// number is zero) is already summarized for the current plan.
func hasBatchResult(s, delta *State, number, revision int) bool {
	pid := s.planID()
	match := func(recs []BatchResult) bool {
		for _, r := range recs {
			if r.PlanID == pid && r.BatchNumber == number && r.Revision == revision {
				return true
			}
		}
		return false
	}
	return match(s.BatchResults) || match(delta.BatchResults)
}

// resolvedContinue reports whether the state's blocker is a continue
// resolution authorizing the given attempt of the step.
func resolvedContinue(s *State, stepID string, attempt int) bool {
	b := s.Blocker
	return b != nil && b.StepID == stepID && b.Attempt == attempt &&
		b.Resolution != nil && b.Resolution.Action == ResolveContinue
}
