package engine

import (
	"context"
	"time"

	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
)

// Store persists workflow records, the append-only workflow log, and
// token usage rows. Checkpoints live in their own store
// (checkpoint.Store); the two may share a database file.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateWorkflow inserts a new workflow record. It returns an error
	// wrapping ErrWorktreeBusy when another workflow is active
	// (in_progress or blocked) on the same worktree.
	CreateWorkflow(ctx context.Context, w Workflow) error

	// GetWorkflow returns the workflow, nil when unknown.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// UpdateWorkflow replaces the stored record. It returns an error
	// wrapping ErrNotFound when the id is unknown and one wrapping
	// ErrWorktreeBusy when the update would activate a second workflow
	// on a held worktree.
	UpdateWorkflow(ctx context.Context, w Workflow) error

	// ListWorkflows returns workflows ordered by creation time, oldest
	// first. With statuses given, only matching workflows are returned.
	ListWorkflows(ctx context.Context, statuses ...Status) ([]Workflow, error)

	// ActiveOnWorktree returns the in_progress or blocked workflow
	// holding the worktree, nil when it is free.
	ActiveOnWorktree(ctx context.Context, worktree string) (*Workflow, error)

	// AppendEvent persists one event to the workflow log.
	// (WorkflowID, Sequence) must be unique.
	AppendEvent(ctx context.Context, e event.Event) error

	// Events returns the persisted log for a workflow with sequence
	// greater than since, oldest first.
	Events(ctx context.Context, workflowID string, since int64) ([]event.Event, error)

	// LastEvent returns the highest-sequence persisted event for the
	// workflow, nil when the log is empty.
	LastEvent(ctx context.Context, workflowID string) (*event.Event, error)

	// PurgeEvents deletes log rows older than the cutoff and reports how
	// many were removed.
	PurgeEvents(ctx context.Context, olderThan time.Time) (int, error)

	// AppendUsage persists one token usage record.
	AppendUsage(ctx context.Context, u driver.TokenUsage) error

	// Usage returns the usage records for a workflow, oldest first.
	Usage(ctx context.Context, workflowID string) ([]driver.TokenUsage, error)

	// Close releases store resources.
	Close() error
}
