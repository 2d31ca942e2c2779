// Package checkpoint provides durable snapshots of workflow execution state.
//
// A checkpoint captures the serialized ExecutionState after a node
// completes, plus the set of nodes to run next. Checkpoints are keyed by
// (thread id, checkpoint id), where the thread id is the workflow id.
// The state payload is opaque bytes to the store; serialization and the
// payload schema belong to the runtime.
//
// Three implementations are provided: MemStore for tests and short-lived
// runs, SQLiteStore for local single-process persistence, and MySQLStore
// for shared production databases.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("checkpoint store is closed")

	// ErrDuplicate is returned when a (thread id, checkpoint id) pair
	// already exists. Checkpoint ids are never reused.
	ErrDuplicate = errors.New("checkpoint already exists")
)

// Checkpoint is one persisted snapshot of workflow state.
//
// Checkpoints form a linear-with-branching history per thread: ParentID
// links a checkpoint to its predecessor, advisory only. NextNodes is
// non-empty when the workflow is paused at an interrupt and names the
// nodes to run on resumption.
type Checkpoint struct {
	// ThreadID groups checkpoints; equal to the workflow id.
	ThreadID string `json:"thread_id"`

	// ID uniquely identifies the checkpoint within its thread.
	ID string `json:"checkpoint_id"`

	// ParentID links to the preceding checkpoint, empty for the first.
	ParentID string `json:"parent_id,omitempty"`

	// CreatedAt is the write time; assigned by the store when zero.
	CreatedAt time.Time `json:"created_at"`

	// Payload is the serialized execution state. Opaque to the store.
	Payload []byte `json:"payload"`

	// NextNodes are the node ids to execute next. Empty for terminal
	// checkpoints.
	NextNodes []string `json:"next_nodes"`
}

// Store persists and retrieves checkpoints.
//
// Implementations must be safe for concurrent use. Put is atomic: a
// checkpoint is either fully written or absent. Missing checkpoints are
// reported as (nil, nil), not as errors.
type Store interface {
	// Put writes a new checkpoint. The (ThreadID, ID) pair must be
	// unused; ErrDuplicate otherwise.
	Put(ctx context.Context, cp Checkpoint) error

	// Latest returns the most recently written checkpoint for the
	// thread, or nil when the thread has none.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Get returns the identified checkpoint, or nil when absent.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns all checkpoints for the thread, newest first.
	List(ctx context.Context, threadID string) ([]Checkpoint, error)

	// Purge deletes checkpoints older than the cutoff belonging to the
	// given threads, returning the number removed. The caller restricts
	// the thread set to terminal workflows; an empty set is a no-op.
	Purge(ctx context.Context, olderThan time.Time, threadIDs []string) (int, error)

	// Close releases store resources. Subsequent operations return
	// ErrClosed.
	Close() error
}

func cloneCheckpoint(cp Checkpoint) Checkpoint {
	out := cp
	if cp.Payload != nil {
		out.Payload = make([]byte, len(cp.Payload))
		copy(out.Payload, cp.Payload)
	}
	if cp.NextNodes != nil {
		out.NextNodes = make([]string, len(cp.NextNodes))
		copy(out.NextNodes, cp.NextNodes)
	}
	return out
}
