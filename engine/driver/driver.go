// Package driver defines the agent driver abstraction.
//
// A Driver executes one agent invocation: it delivers a prompt to a
// coding agent (a child CLI process or a direct model API call), streams
// intermediate activity to a Sink, and returns a final Result. The
// engine talks only to this contract; which driver runs is chosen per
// workflow profile through the Registry.
package driver

import (
	"context"
	"time"
)

// Standard driver names. The engine validates profile driver names
// against the registry at submit time, so this set is closed from the
// scheduler's point of view.
const (
	// NameSubprocess runs the agent as a child CLI process.
	NameSubprocess = "subprocess"

	// NameAPI calls a model API directly.
	NameAPI = "api"
)

// Driver executes agent invocations.
//
// Implementations must:
// - Respect ctx cancellation between streamed frames and return the
//   partial output gathered so far.
// - Deliver streamed activity to the Sink as it happens.
// - Return a Result with a terminal Reason even when returning an error.
type Driver interface {
	// Name returns the registry name of this driver.
	Name() string

	// Invoke runs one agent turn set to completion.
	//
	// On error the Result is still meaningful: Output holds any partial
	// output, Usage holds tokens consumed so far, and Reason records how
	// the invocation ended.
	Invoke(ctx context.Context, req Request, sink Sink) (Result, error)
}

// Request describes one agent invocation.
type Request struct {
	// WorkflowID identifies the owning workflow.
	WorkflowID string

	// Agent is the pipeline role being invoked (architect, developer, ...).
	Agent string

	// Prompt is the full rendered prompt text.
	Prompt string

	// SystemPrompt optionally overrides the driver's default system
	// prompt. Empty means the driver's own default.
	SystemPrompt string

	// State is a JSON snapshot of the execution state the agent may
	// consult. Opaque to the driver.
	State []byte

	// Tools lists the tools the agent may call. Drivers that manage
	// their own toolset (subprocess CLIs) treat these as an allowlist.
	Tools []ToolSpec

	// Model is the model hint (provider-specific identifier). Empty
	// means the driver default.
	Model string

	// Timeout bounds the invocation. Zero means no driver-side bound
	// beyond ctx.
	Timeout time.Duration

	// TrustLevel is the profile trust level, advisory to the driver
	// (subprocess drivers map it to sandbox flags).
	TrustLevel string

	// Worktree is the working directory for the invocation. Subprocess
	// drivers chdir the child here; it must not change mid-run.
	Worktree string
}

// ToolSpec describes a tool available to the agent. Schema follows JSON
// Schema, matching what model providers expect.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ToolCall is a tool invocation the agent requested.
type ToolCall struct {
	// ID correlates the call with its result. Drivers that do not
	// receive ids from the underlying transport synthesize them.
	ID string `json:"id"`

	// Name is the tool being called.
	Name string `json:"name"`

	// Input holds the call parameters.
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is the outcome of a single tool call.
type ToolResult struct {
	// CallID matches the ToolCall.ID this result answers.
	CallID string `json:"call_id"`

	// Name is the tool that ran.
	Name string `json:"name"`

	// Output is the tool's raw output. Drivers stream it untruncated;
	// consumers that store or display it apply TruncateOutput.
	Output string `json:"output"`

	// IsError marks a failed call.
	IsError bool `json:"is_error,omitempty"`
}

// Sink receives streamed activity during an invocation.
//
// Sink methods never return errors: a failing sink must not abort the
// agent. Implementations must be safe for calls from the driver's
// streaming goroutine.
type Sink interface {
	// AgentMessage delivers a chunk of assistant text.
	AgentMessage(text string)

	// ToolCall reports a tool invocation the agent started.
	ToolCall(call ToolCall)

	// ToolResult reports a finished tool call.
	ToolResult(res ToolResult)

	// TokenUsage reports incremental token consumption.
	TokenUsage(u TokenUsage)
}

// NullSink discards all notifications.
type NullSink struct{}

func (NullSink) AgentMessage(string)   {}
func (NullSink) ToolCall(ToolCall)     {}
func (NullSink) ToolResult(ToolResult) {}
func (NullSink) TokenUsage(TokenUsage) {}

// TerminalReason records how an invocation ended.
type TerminalReason string

const (
	ReasonCompleted TerminalReason = "completed"
	ReasonCancelled TerminalReason = "cancelled"
	ReasonTimedOut  TerminalReason = "timed_out"
	ReasonError     TerminalReason = "error"
)

// Result is the final outcome of an invocation.
type Result struct {
	// Output is the agent's final (or partial, on cancellation) text.
	Output string

	// Usage totals the tokens consumed across the invocation.
	Usage TokenUsage

	// ToolCalls lists the tool calls made, in order.
	ToolCalls []ToolCall

	// Reason records how the invocation ended.
	Reason TerminalReason

	// ExitCode is the child process exit code for subprocess drivers,
	// zero otherwise.
	ExitCode int
}
