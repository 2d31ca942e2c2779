package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by engine operations. Callers branch on these
// with errors.Is.
var (
	// ErrNotFound is returned when a workflow, profile, or checkpoint id
	// is unknown.
	ErrNotFound = errors.New("not found")

	// ErrWorktreeBusy is returned by Submit when another workflow is
	// in_progress or blocked on the requested worktree. No workflow
	// record is created.
	ErrWorktreeBusy = errors.New("worktree busy")

	// ErrNotApplicable marks a structured no-op: the operation does not
	// apply to the workflow's current status (approve on a running
	// workflow, cancel on a cancelled one). The workflow is unchanged.
	ErrNotApplicable = errors.New("operation not applicable")

	// ErrInterrupted is the match target for interrupt signals raised by
	// AwaitResume. The runtime converts it into a blocked workflow; it is
	// not a failure.
	ErrInterrupted = errors.New("interrupted awaiting resume")

	// ErrClosed is returned by operations on a closed engine or store.
	ErrClosed = errors.New("closed")
)

// EngineError describes a configuration or wiring problem: an invalid
// graph, a malformed request, an unknown node id. These indicate caller
// bugs rather than runtime conditions.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotApplicableError reports why a lifecycle operation was a no-op. It
// matches ErrNotApplicable.
type NotApplicableError struct {
	Op         string
	WorkflowID string
	Status     Status
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("%s not applicable: workflow %s is %s", e.Op, e.WorkflowID, e.Status)
}

func (e *NotApplicableError) Is(target error) bool {
	return target == ErrNotApplicable
}

// NodeError wraps a failure inside a node execution with the node id for
// diagnostics. It unwraps to the underlying cause.
type NodeError struct {
	NodeID string
	Cause  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Cause)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}
