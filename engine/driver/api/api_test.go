package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/model"
)

// stubModel returns scripted outputs and errors, one pair per call.
type stubModel struct {
	outs  []model.ChatOut
	errs  []error
	calls int

	lastMessages []model.Message
	lastTools    []model.ToolSpec

	// block makes Chat wait for ctx and return its error.
	block bool
	// onChat runs before each scripted return.
	onChat func()
}

func (s *stubModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	i := s.calls
	s.calls++
	s.lastMessages = messages
	s.lastTools = tools
	if s.onChat != nil {
		s.onChat()
	}
	if s.block {
		<-ctx.Done()
		return model.ChatOut{}, ctx.Err()
	}
	var out model.ChatOut
	if i < len(s.outs) {
		out = s.outs[i]
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return out, err
}

type recordingSink struct {
	messages []string
	calls    []driver.ToolCall
	usage    []driver.TokenUsage
}

func (s *recordingSink) AgentMessage(text string)       { s.messages = append(s.messages, text) }
func (s *recordingSink) ToolCall(call driver.ToolCall)  { s.calls = append(s.calls, call) }
func (s *recordingSink) ToolResult(driver.ToolResult)   {}
func (s *recordingSink) TokenUsage(u driver.TokenUsage) { s.usage = append(s.usage, u) }

func testRequest() driver.Request {
	return driver.Request{
		WorkflowID:   "wf-1",
		Agent:        "architect",
		Prompt:       "draft a plan",
		SystemPrompt: "you are the architect",
		Model:        "sonnet",
	}
}

func TestInvokeSuccess(t *testing.T) {
	stub := &stubModel{
		outs: []model.ChatOut{{
			Text: "here is the plan",
			ToolCalls: []model.ToolCall{
				{ID: "c1", Name: "read_file", Input: map[string]any{"path": "go.mod"}},
				{Name: "run_command", Input: map[string]any{"command": "ls"}},
			},
			Usage: model.Usage{InputTokens: 120, OutputTokens: 30, CacheReadTokens: 10},
		}},
	}
	drv := New(stub)
	sink := &recordingSink{}

	req := testRequest()
	req.State = []byte(`{"stage":"planning"}`)
	req.Tools = []driver.ToolSpec{{Name: "read_file", Description: "reads a file"}}

	res, err := drv.Invoke(context.Background(), req, sink)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if res.Reason != driver.ReasonCompleted {
		t.Errorf("Reason = %q, want %q", res.Reason, driver.ReasonCompleted)
	}
	if res.Output != "here is the plan" {
		t.Errorf("Output = %q", res.Output)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("len(ToolCalls) = %d, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].ID != "c1" {
		t.Errorf("ToolCalls[0].ID = %q, want c1", res.ToolCalls[0].ID)
	}
	if res.ToolCalls[1].ID != "call-2" {
		t.Errorf("missing ID should be synthesized, got %q", res.ToolCalls[1].ID)
	}
	if res.Usage.InputTokens != 120 || res.Usage.OutputTokens != 30 || res.Usage.CacheReadTokens != 10 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if res.Usage.NumTurns != 1 {
		t.Errorf("NumTurns = %d, want 1", res.Usage.NumTurns)
	}
	if res.Usage.WorkflowID != "wf-1" || res.Usage.Agent != "architect" || res.Usage.Model != "sonnet" {
		t.Errorf("usage identity = %s/%s/%s", res.Usage.WorkflowID, res.Usage.Agent, res.Usage.Model)
	}

	if len(sink.messages) != 1 || sink.messages[0] != "here is the plan" {
		t.Errorf("sink messages = %q", sink.messages)
	}
	if len(sink.calls) != 2 {
		t.Errorf("len(sink.calls) = %d, want 2", len(sink.calls))
	}
	if len(sink.usage) != 1 {
		t.Errorf("len(sink.usage) = %d, want 1", len(sink.usage))
	}

	// Conversation shape: system prompt, state context, then prompt.
	if len(stub.lastMessages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(stub.lastMessages))
	}
	if stub.lastMessages[0].Role != model.RoleSystem || stub.lastMessages[0].Content != "you are the architect" {
		t.Errorf("messages[0] = %+v", stub.lastMessages[0])
	}
	if stub.lastMessages[1].Role != model.RoleSystem {
		t.Errorf("messages[1].Role = %q, want system state block", stub.lastMessages[1].Role)
	}
	if stub.lastMessages[2] != (model.Message{Role: model.RoleUser, Content: "draft a plan"}) {
		t.Errorf("messages[2] = %+v", stub.lastMessages[2])
	}
	if len(stub.lastTools) != 1 || stub.lastTools[0].Name != "read_file" {
		t.Errorf("tools = %+v", stub.lastTools)
	}
}

func TestInvokeRetriesTransient(t *testing.T) {
	stub := &stubModel{
		errs: []error{fmt.Errorf("messages: %w", model.ErrTransient), nil},
		outs: []model.ChatOut{{}, {Text: "recovered"}},
	}
	drv := New(stub, WithBackoff(time.Millisecond, 5*time.Millisecond))

	res, err := drv.Invoke(context.Background(), testRequest(), driver.NullSink{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
	if res.Output != "recovered" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestInvokeHonorsRetryAfter(t *testing.T) {
	retryAfter := 50 * time.Millisecond
	stub := &stubModel{
		errs: []error{&model.RateLimitError{RetryAfter: retryAfter, Err: errors.New("429")}, nil},
		outs: []model.ChatOut{{}, {Text: "ok"}},
	}
	drv := New(stub, WithBackoff(time.Millisecond, 5*time.Millisecond))

	start := time.Now()
	if _, err := drv.Invoke(context.Background(), testRequest(), driver.NullSink{}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < retryAfter {
		t.Errorf("retried after %s, want at least %s", elapsed, retryAfter)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
}

func TestInvokeNoRetryOnPermanentError(t *testing.T) {
	stub := &stubModel{errs: []error{errors.New("invalid request")}}
	drv := New(stub, WithBackoff(time.Millisecond, 5*time.Millisecond))

	res, err := drv.Invoke(context.Background(), testRequest(), driver.NullSink{})
	if err == nil {
		t.Fatal("Invoke() error = nil, want permanent failure")
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent errors)", stub.calls)
	}
	if res.Reason != driver.ReasonError {
		t.Errorf("Reason = %q, want %q", res.Reason, driver.ReasonError)
	}
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	transient := fmt.Errorf("upstream: %w", model.ErrTransient)
	stub := &stubModel{errs: []error{transient, transient, transient}}
	drv := New(stub, WithBackoff(time.Millisecond, 5*time.Millisecond))

	res, err := drv.Invoke(context.Background(), testRequest(), driver.NullSink{})
	if err == nil {
		t.Fatal("Invoke() error = nil, want exhaustion")
	}
	if stub.calls != maxAttempts {
		t.Errorf("calls = %d, want %d", stub.calls, maxAttempts)
	}
	if !errors.Is(err, model.ErrTransient) {
		t.Errorf("error chain lost the cause: %v", err)
	}
	if res.Reason != driver.ReasonError {
		t.Errorf("Reason = %q, want %q", res.Reason, driver.ReasonError)
	}
}

func TestInvokeCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubModel{
		errs:   []error{fmt.Errorf("blip: %w", model.ErrTransient)},
		onChat: cancel,
	}
	drv := New(stub, WithBackoff(time.Hour, time.Hour))

	res, err := drv.Invoke(ctx, testRequest(), driver.NullSink{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if res.Reason != driver.ReasonCancelled {
		t.Errorf("Reason = %q, want %q", res.Reason, driver.ReasonCancelled)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1", stub.calls)
	}
}

func TestInvokeTimeout(t *testing.T) {
	stub := &stubModel{block: true}
	drv := New(stub)

	req := testRequest()
	req.Timeout = 20 * time.Millisecond

	res, err := drv.Invoke(context.Background(), req, driver.NullSink{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if res.Reason != driver.ReasonTimedOut {
		t.Errorf("Reason = %q, want %q", res.Reason, driver.ReasonTimedOut)
	}
}

func TestInvokeRatePacing(t *testing.T) {
	interval := 50 * time.Millisecond
	stub := &stubModel{
		outs: []model.ChatOut{{Text: "a"}, {Text: "b"}},
	}
	drv := New(stub, WithRateLimit(rate.Every(interval), 1))

	start := time.Now()
	if _, err := drv.Invoke(context.Background(), testRequest(), driver.NullSink{}); err != nil {
		t.Fatalf("first Invoke() error = %v", err)
	}
	if _, err := drv.Invoke(context.Background(), testRequest(), driver.NullSink{}); err != nil {
		t.Fatalf("second Invoke() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < interval-10*time.Millisecond {
		t.Errorf("two paced calls took %s, want about %s apart", elapsed, interval)
	}
}

func TestInvokeModelHint(t *testing.T) {
	def := &stubModel{outs: []model.ChatOut{{Text: "default"}}}
	fast := &stubModel{outs: []model.ChatOut{{Text: "fast"}}}
	drv := New(def, WithModelFor("haiku", fast))

	req := testRequest()
	req.Model = "haiku"

	res, err := drv.Invoke(context.Background(), req, driver.NullSink{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Output != "fast" {
		t.Errorf("Output = %q, want the hinted model's answer", res.Output)
	}
	if def.calls != 0 {
		t.Errorf("default model called %d times, want 0", def.calls)
	}

	// Unknown hints fall back to the default model.
	req.Model = "unknown"
	res, err = drv.Invoke(context.Background(), req, driver.NullSink{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Output != "default" {
		t.Errorf("Output = %q, want default model's answer", res.Output)
	}
}

func TestDriverName(t *testing.T) {
	if got := New(&stubModel{}).Name(); got != driver.NameAPI {
		t.Errorf("Name() = %q, want %q", got, driver.NameAPI)
	}
}
