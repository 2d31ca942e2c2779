// Package event provides the in-process event bus for workflow observability.
//
// Every workflow emits an ordered stream of events: lifecycle transitions,
// stage boundaries, approval requests, artifact changes, and driver telemetry
// (agent messages, tool calls, token usage). The Bus assigns each event a
// per-workflow monotonic sequence, retains a bounded ring of recent events
// for backfill, and fans events out to live subscribers and attached
// emitters (logging, tracing, persistence).
package event

import "time"

// Level classifies event verbosity.
//
// Subscribers and emitters may filter on level:
//   - LevelInfo: lifecycle, stage, approval, and artifact events
//   - LevelDebug: driver telemetry (agent messages, tool calls, token usage)
//   - LevelTrace: raw, untruncated driver output chunks
type Level string

const (
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
)

// Type identifies what an event describes.
//
// Types fall into five families plus one subscription control sentinel.
type Type string

const (
	// Lifecycle events. Exactly one terminal lifecycle event is emitted
	// per workflow.
	TypeWorkflowStarted   Type = "workflow_started"
	TypeWorkflowCompleted Type = "workflow_completed"
	TypeWorkflowFailed    Type = "workflow_failed"
	TypeWorkflowCancelled Type = "workflow_cancelled"

	// Stage events bracket each node execution.
	TypeStageStarted   Type = "stage_started"
	TypeStageCompleted Type = "stage_completed"

	// Approval events mark human-in-the-loop gates.
	TypeApprovalRequired Type = "approval_required"
	TypeApprovalGranted  Type = "approval_granted"
	TypeApprovalRejected Type = "approval_rejected"

	// Artifact events describe worktree file changes reported by agents.
	TypeFileCreated  Type = "file_created"
	TypeFileModified Type = "file_modified"
	TypeFileDeleted  Type = "file_deleted"

	// Driver telemetry events stream incremental agent activity.
	TypeAgentMessage Type = "agent_message"
	TypeToolCall     Type = "tool_call"
	TypeToolResult   Type = "tool_result"
	TypeTokenUsage   Type = "token_usage"

	// TypeSubscriptionLagged is delivered as the final event on a
	// subscription that fell too far behind and is being disconnected.
	// It carries no sequence number and is never stored in the ring.
	TypeSubscriptionLagged Type = "subscription_lagged"
)

// Terminal reports whether the type is a terminal lifecycle event.
func (t Type) Terminal() bool {
	switch t {
	case TypeWorkflowCompleted, TypeWorkflowFailed, TypeWorkflowCancelled:
		return true
	}
	return false
}

// Event is a single observability record for a workflow.
//
// Events are insert-only. Within a workflow, Sequence is strictly
// increasing and gapless in emission order; (WorkflowID, Sequence) is
// unique. There is no ordering across workflows.
type Event struct {
	// ID is a globally unique event identifier.
	ID string `json:"id"`

	// WorkflowID identifies the workflow this event belongs to.
	WorkflowID string `json:"workflow_id"`

	// Sequence is the per-workflow monotonic position, assigned by the
	// Bus at publish time. Zero for the subscription_lagged sentinel.
	Sequence int64 `json:"sequence"`

	// Timestamp is the publish time.
	Timestamp time.Time `json:"timestamp"`

	// Level is the verbosity class.
	Level Level `json:"level"`

	// Agent names the pipeline agent that produced the event, when any
	// (architect, developer, reviewer, ...). Empty for engine-level events.
	Agent string `json:"agent,omitempty"`

	// Type identifies the event family member.
	Type Type `json:"type"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Data carries structured payload specific to the type. Common keys:
	//   - "node": node id for stage events
	//   - "payload": interrupt payload for approval_required
	//   - "tool", "input", "output": tool call telemetry
	//   - "input_tokens", "output_tokens", "cost_usd": usage telemetry
	//   - "error": failure details
	Data map[string]any `json:"data,omitempty"`

	// TraceID and ParentID optionally correlate the event with a
	// distributed trace.
	TraceID  string `json:"trace_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}
