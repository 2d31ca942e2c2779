package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
)

// publishFunc is the engine's publish entry point: sequence assignment,
// log persistence, and metrics in one place.
type publishFunc func(workflowID string, e event.Event) event.Event

// busSink bridges driver streaming to the event bus. Agent messages and
// tool calls surface at debug level. Tool results surface at debug with
// output truncated for storage; when truncation dropped anything, the
// raw output is published first at trace level. Token usage is persisted
// and counted as it streams.
type busSink struct {
	workflowID string
	agent      string
	publish    publishFunc
	store      Store
	metrics    *Metrics
	log        zerolog.Logger
}

func (s *busSink) AgentMessage(text string) {
	s.publish(s.workflowID, event.Event{
		Level:   event.LevelDebug,
		Type:    event.TypeAgentMessage,
		Agent:   s.agent,
		Message: text,
	})
}

func (s *busSink) ToolCall(call driver.ToolCall) {
	s.publish(s.workflowID, event.Event{
		Level:   event.LevelDebug,
		Type:    event.TypeToolCall,
		Agent:   s.agent,
		Message: fmt.Sprintf("tool call: %s", call.Name),
		Data: map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
			"input":   call.Input,
		},
	})
}

func (s *busSink) ToolResult(res driver.ToolResult) {
	out, truncated := driver.TruncateOutput(res.Output)
	if truncated {
		s.publish(s.workflowID, event.Event{
			Level:   event.LevelTrace,
			Type:    event.TypeToolResult,
			Agent:   s.agent,
			Message: fmt.Sprintf("raw tool output: %s", res.Name),
			Data: map[string]any{
				"tool":     res.Name,
				"call_id":  res.CallID,
				"output":   res.Output,
				"is_error": res.IsError,
			},
		})
	}
	s.publish(s.workflowID, event.Event{
		Level:   event.LevelDebug,
		Type:    event.TypeToolResult,
		Agent:   s.agent,
		Message: fmt.Sprintf("tool result: %s", res.Name),
		Data: map[string]any{
			"tool":      res.Name,
			"call_id":   res.CallID,
			"output":    out,
			"is_error":  res.IsError,
			"truncated": truncated,
		},
	})
}

func (s *busSink) TokenUsage(u driver.TokenUsage) {
	if u.WorkflowID == "" {
		u.WorkflowID = s.workflowID
	}
	if u.Agent == "" {
		u.Agent = s.agent
	}
	if err := s.store.AppendUsage(context.Background(), u); err != nil {
		s.log.Warn().Err(err).
			Str("workflow_id", s.workflowID).
			Str("agent", s.agent).
			Msg("failed to persist token usage")
	}
	s.metrics.AddUsage(u)
	s.publish(s.workflowID, event.Event{
		Level:   event.LevelDebug,
		Type:    event.TypeTokenUsage,
		Agent:   s.agent,
		Message: fmt.Sprintf("tokens in=%d out=%d", u.InputTokens, u.OutputTokens),
		Data: map[string]any{
			"model":                 u.Model,
			"input_tokens":          u.InputTokens,
			"output_tokens":         u.OutputTokens,
			"cache_read_tokens":     u.CacheReadTokens,
			"cache_creation_tokens": u.CacheCreationTokens,
			"cost_usd":              u.CostUSD,
		},
	})
}
