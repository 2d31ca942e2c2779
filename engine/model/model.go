// Package model provides LLM integration adapters.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatModel is the interface for LLM chat providers.
//
// It abstracts the differences between providers (Anthropic, OpenAI,
// Google) behind a single call. Implementations should:
// - Handle provider-specific authentication and message encoding.
// - Parse provider responses back to the standard ChatOut format,
//   including token usage.
// - Respect context cancellation and timeouts.
// - Classify provider errors (wrap rate limits in RateLimitError and
//   transient failures with ErrTransient) and leave retries to the
//   caller.
//
// Example usage:
//
//	m := anthropic.NewChatModel(apiKey, "")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "Summarize the failing test."},
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.Text)
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response.
	//
	// messages is the conversation history (system, user, assistant);
	// tools optionally lists tools the LLM may call (nil for none).
	// The response may contain text, tool calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single message in an LLM conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard role constants, aligned with the conventions of the major
// providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool the LLM can call. Schema follows JSON
// Schema and describes the expected input parameters.
type ToolSpec struct {
	// Name uniquely identifies the tool.
	Name string

	// Description explains what the tool does; the LLM uses it to
	// decide when to call the tool.
	Description string

	// Schema defines the input parameters. Optional for tools with no
	// parameters.
	Schema map[string]any
}

// ChatOut is the output of one chat completion.
type ChatOut struct {
	// Text is the generated response. May be empty when the LLM only
	// calls tools.
	Text string

	// ToolCalls are the tools the LLM wants to invoke, in order.
	ToolCalls []ToolCall

	// Usage reports the tokens consumed by this completion.
	Usage Usage

	// StopReason is the provider's stop reason, verbatim.
	StopReason string
}

// ToolCall is a request from the LLM to invoke a tool.
type ToolCall struct {
	// ID correlates the call with later results. Providers that do not
	// assign ids leave it empty.
	ID string

	// Name matches a ToolSpec.Name from the request.
	Name string

	// Input holds the call parameters per the tool's schema.
	Input map[string]any
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// Total returns the sum of all token counters.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// ErrRateLimited marks a rate-limit rejection. Check with errors.Is;
// use errors.As with *RateLimitError to read a server-provided
// Retry-After.
var ErrRateLimited = errors.New("rate limited")

// ErrTransient marks a retryable provider failure (5xx, connection
// reset). Non-wrapped errors are permanent.
var ErrTransient = errors.New("transient provider error")

// RateLimitError carries the server's Retry-After hint alongside the
// underlying provider error.
type RateLimitError struct {
	// RetryAfter is the server-requested wait, zero when the server
	// did not send one.
	RetryAfter time.Duration

	// Err is the underlying provider error.
	Err error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is reports true for ErrRateLimited so callers can classify without
// the concrete type.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
