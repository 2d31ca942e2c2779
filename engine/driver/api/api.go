// Package api drives agents through a direct model API exchange.
//
// There is no child process here: each invocation is a single chat
// exchange with a model.ChatModel. The driver owns the retry policy.
// Transient failures (rate limits, 5xx, network resets) are retried up
// to three attempts with exponential backoff and jitter; a rate-limit
// error carrying Retry-After overrides the computed delay. 4xx and
// other permanent errors are never retried.
//
// Tool calls returned by the model are surfaced through the Sink and
// in the Result but are not executed; the pipeline decides what to do
// with them. Because notifications fire only after a successful
// exchange, no tool call can ever precede a retry.
package api

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/model"
)

const (
	maxAttempts = 3

	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Driver executes agent invocations against a model API.
type Driver struct {
	model     model.ChatModel
	models    map[string]model.ChatModel
	limiter   *rate.Limiter
	baseDelay time.Duration
	maxDelay  time.Duration
	log       zerolog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithModelFor routes requests whose Model hint equals name to m
// instead of the default model.
func WithModelFor(name string, m model.ChatModel) Option {
	return func(d *Driver) { d.models[name] = m }
}

// WithRateLimit paces model calls. Every attempt, including retries,
// waits for the limiter. The default is unlimited.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(d *Driver) { d.limiter = rate.NewLimiter(limit, burst) }
}

// WithBackoff overrides the retry backoff window. Defaults: 1s base,
// 30s cap.
func WithBackoff(base, max time.Duration) Option {
	return func(d *Driver) {
		d.baseDelay = base
		d.maxDelay = max
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// New returns a Driver backed by m.
func New(m model.ChatModel, opts ...Option) *Driver {
	d := &Driver{
		model:     m,
		models:    make(map[string]model.ChatModel),
		limiter:   rate.NewLimiter(rate.Inf, 0),
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return driver.NameAPI }

// Invoke runs one chat exchange, retrying transient failures.
func (d *Driver) Invoke(ctx context.Context, req driver.Request, sink driver.Sink) (driver.Result, error) {
	if sink == nil {
		sink = driver.NullSink{}
	}
	start := time.Now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	m := d.resolve(req.Model)
	messages := buildMessages(req)
	tools := buildTools(req.Tools)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return d.abort(req, start, ctx, err)
		}

		out, err := m.Chat(ctx, messages, tools)
		if err == nil {
			return d.finish(req, sink, out, start), nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff(attempt, d.baseDelay, d.maxDelay)
		var rl *model.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}
		d.log.Warn().
			Err(err).
			Str("workflow_id", req.WorkflowID).
			Str("agent", req.Agent).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying model call")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return d.abort(req, start, ctx, ctx.Err())
		}
	}

	if ctx.Err() != nil {
		return d.abort(req, start, ctx, lastErr)
	}
	res := driver.Result{
		Usage:  d.baseUsage(req, start),
		Reason: driver.ReasonError,
	}
	return res, fmt.Errorf("api: %s failed after %d attempts: %w", req.Agent, maxAttempts, lastErr)
}

// finish emits the sink notifications for a successful exchange and
// assembles the Result.
func (d *Driver) finish(req driver.Request, sink driver.Sink, out model.ChatOut, start time.Time) driver.Result {
	if out.Text != "" {
		sink.AgentMessage(out.Text)
	}

	calls := make([]driver.ToolCall, 0, len(out.ToolCalls))
	for i, tc := range out.ToolCalls {
		call := driver.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call-%d", i+1)
		}
		calls = append(calls, call)
		sink.ToolCall(call)
	}

	usage := d.baseUsage(req, start)
	usage.InputTokens = out.Usage.InputTokens
	usage.OutputTokens = out.Usage.OutputTokens
	usage.CacheReadTokens = out.Usage.CacheReadTokens
	usage.CacheCreationTokens = out.Usage.CacheCreationTokens
	usage.NumTurns = 1
	sink.TokenUsage(usage)

	return driver.Result{
		Output:    out.Text,
		Usage:     usage,
		ToolCalls: calls,
		Reason:    driver.ReasonCompleted,
	}
}

// abort maps context termination onto the terminal reason.
func (d *Driver) abort(req driver.Request, start time.Time, ctx context.Context, cause error) (driver.Result, error) {
	res := driver.Result{Usage: d.baseUsage(req, start)}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Reason = driver.ReasonTimedOut
		return res, fmt.Errorf("api: %s timed out after %s: %w", req.Agent, req.Timeout, context.DeadlineExceeded)
	}
	res.Reason = driver.ReasonCancelled
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return res, fmt.Errorf("api: %s cancelled (last error: %v): %w", req.Agent, cause, context.Canceled)
	}
	return res, fmt.Errorf("api: %s cancelled: %w", req.Agent, context.Canceled)
}

func (d *Driver) baseUsage(req driver.Request, start time.Time) driver.TokenUsage {
	return driver.TokenUsage{
		WorkflowID: req.WorkflowID,
		Agent:      req.Agent,
		Model:      req.Model,
		DurationMS: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
}

// resolve picks the ChatModel for a model hint. Unknown hints fall
// back to the default model.
func (d *Driver) resolve(hint string) model.ChatModel {
	if hint == "" {
		return d.model
	}
	if m, ok := d.models[hint]; ok {
		return m
	}
	d.log.Debug().Str("model", hint).Msg("no dedicated model for hint, using default")
	return d.model
}

// buildMessages renders the request as a chat conversation: system
// prompt first, then the state snapshot as context, then the prompt.
func buildMessages(req driver.Request) []model.Message {
	messages := make([]model.Message, 0, 3)
	if req.SystemPrompt != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: req.SystemPrompt})
	}
	if len(req.State) > 0 {
		messages = append(messages, model.Message{
			Role:    model.RoleSystem,
			Content: "Current workflow state:\n" + string(req.State),
		})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: req.Prompt})
	return messages
}

func buildTools(specs []driver.ToolSpec) []model.ToolSpec {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]model.ToolSpec, len(specs))
	for i, s := range specs {
		tools[i] = model.ToolSpec{
			Name:        s.Name,
			Description: s.Description,
			Schema:      s.Schema,
		}
	}
	return tools
}

// retryable reports whether an error class is worth another attempt.
// Providers classify rate limits and 5xx; the string probe catches
// transport errors that arrive unclassified.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) || errors.Is(err, model.ErrTransient) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection reset", "connection refused", "temporary"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// backoff computes min(base * 2^attempt, maxDelay) plus jitter in
// [0, base) so concurrent workflows do not retry in lockstep.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	return delay + jitter
}
