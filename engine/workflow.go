package engine

import "time"

// Status is the lifecycle state of a workflow.
//
// Transitions:
//
//	pending ──admit──► in_progress ──interrupt──► blocked ──resume──► in_progress
//	in_progress ──► completed | failed | cancelled
//	blocked ──cancel──► cancelled
//	blocked ──replan──► in_progress
//
// Terminal statuses are absorbing: once a workflow is completed, failed,
// or cancelled, no lifecycle operation except Replan (failed only),
// Snapshot, and History succeeds, and no further events are emitted.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the workflow holds its worktree. At most one
// active workflow may exist per worktree path.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusBlocked
}

// Workflow is the persistent record of one orchestration run.
type Workflow struct {
	// ID uniquely identifies the workflow. Generated at submit when the
	// request does not supply one.
	ID string

	// IssueID is the tracker issue reference the workflow was submitted
	// against.
	IssueID string

	// Worktree is the absolute path of the working directory the
	// workflow operates in. Active workflows hold it exclusively.
	Worktree string

	// Status is the current lifecycle state.
	Status Status

	// ProfileID names the workflow profile (driver, trust level, model
	// overrides) the run was submitted with.
	ProfileID string

	CreatedAt   time.Time
	StartedAt   time.Time // zero until first admitted for execution
	CompletedAt time.Time // zero until a terminal status is reached

	// FailureReason holds the error message for failed workflows.
	FailureReason string

	// IssueCache is the JSON snapshot of the tracker issue fetched once
	// at submit time. Downstream stages work from this snapshot.
	IssueCache []byte

	// PlanCache is the JSON snapshot of the current plan, refreshed as
	// the workflow progresses so dashboards can read it without decoding
	// checkpoints.
	PlanCache []byte
}

// Clone returns a deep copy.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	if w.IssueCache != nil {
		c.IssueCache = append([]byte(nil), w.IssueCache...)
	}
	if w.PlanCache != nil {
		c.PlanCache = append([]byte(nil), w.PlanCache...)
	}
	return &c
}

// SubmitRequest describes a workflow submission.
type SubmitRequest struct {
	// WorkflowID optionally fixes the workflow id. Useful for idempotent
	// submission; a random id is generated when empty.
	WorkflowID string

	// IssueID is the tracker issue reference to work on. Required.
	IssueID string

	// Worktree is the absolute path of the working directory. Required.
	Worktree string

	// ProfileID selects the workflow profile. Empty means "default".
	ProfileID string

	// Trust overrides the profile's trust level for this run when set.
	Trust TrustLevel
}
