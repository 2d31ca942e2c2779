// Package subprocess runs agents as supervised child CLI processes.
//
// One child is spawned per invocation with the workflow worktree as its
// working directory. The prompt is written to the child's stdin and the
// child reports activity as newline-delimited JSON frames on stdout:
//
//	{"type":"message","text":"Looking at the failing test..."}
//	{"type":"tool_call","id":"c1","name":"run_command","input":{"command":"go test ./..."}}
//	{"type":"tool_result","call_id":"c1","name":"run_command","output":"ok","is_error":false}
//	{"type":"usage","input_tokens":812,"output_tokens":94,"cost_usd":0.0041,"num_turns":2}
//	{"type":"result","output":"All tests pass."}
//
// Unparseable lines and unknown frame types are skipped. On context
// cancellation or request timeout the child's process group receives
// SIGTERM, then SIGKILL after a grace period; everything gathered up to
// that point is still returned in the Result.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ameliahq/amelia/engine/driver"
)

const (
	defaultGracePeriod = 5 * time.Second

	// maxFrameBytes bounds a single stdout line. Larger frames abort
	// the scan with bufio.ErrTooLong.
	maxFrameBytes = 4 * 1024 * 1024
)

// Driver supervises one child CLI process per invocation.
type Driver struct {
	command string
	args    []string
	env     []string
	grace   time.Duration
	log     zerolog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithArgs sets base arguments passed on every invocation, before the
// per-request flags.
func WithArgs(args ...string) Option {
	return func(d *Driver) { d.args = args }
}

// WithEnv appends KEY=VALUE pairs to the child's environment.
func WithEnv(env ...string) Option {
	return func(d *Driver) { d.env = env }
}

// WithGracePeriod sets how long the child has to exit after SIGTERM
// before the process group is killed. Default 5s.
func WithGracePeriod(grace time.Duration) Option {
	return func(d *Driver) { d.grace = grace }
}

// WithLogger sets the logger for child diagnostics. Raw tool output is
// logged at trace level.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// New returns a Driver that runs command for each invocation.
func New(command string, opts ...Option) *Driver {
	d := &Driver{
		command: command,
		grace:   defaultGracePeriod,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return driver.NameSubprocess }

// Invoke spawns the CLI, feeds it the prompt, and translates its stdout
// frames into sink notifications until the child exits.
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

	cmd := exec.Command(d.command, d.buildArgs(req)...)
	cmd.Dir = req.Worktree
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Children get their own process group so the kill ladder reaches
	// anything the CLI itself spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := append(os.Environ(), d.env...)
	env = append(env,
		"AMELIA_WORKFLOW_ID="+req.WorkflowID,
		"AMELIA_AGENT="+req.Agent,
	)
	if len(req.State) > 0 {
		stateFile, err := writeStateFile(req.State)
		if err != nil {
			return driver.Result{Reason: driver.ReasonError, ExitCode: -1}, fmt.Errorf("subprocess: write state file: %w", err)
		}
		defer os.Remove(stateFile)
		env = append(env, "AMELIA_STATE_FILE="+stateFile)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return driver.Result{Reason: driver.ReasonError, ExitCode: -1}, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return driver.Result{Reason: driver.ReasonError, ExitCode: -1}, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return driver.Result{Reason: driver.ReasonError, ExitCode: -1}, fmt.Errorf("subprocess: start %s: %w", d.command, err)
	}
	d.log.Debug().
		Str("workflow_id", req.WorkflowID).
		Str("agent", req.Agent).
		Int("pid", cmd.Process.Pid).
		Str("worktree", req.Worktree).
		Msg("agent process started")

	col := newCollector(req, sink, d.log)
	var stderrBuf bytes.Buffer

	var g errgroup.Group
	g.Go(func() error { return col.consume(stdout) })
	g.Go(func() error {
		_, err := io.Copy(&stderrBuf, stderr)
		return err
	})

	// Kill ladder: SIGTERM on cancellation, SIGKILL after the grace
	// period if the group is still alive.
	waitDone := make(chan struct{})
	pgid := cmd.Process.Pid
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
			select {
			case <-time.After(d.grace):
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			case <-waitDone:
			}
		case <-waitDone:
		}
	}()

	pumpErr := g.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	res := col.result()
	res.Usage.DurationMS = time.Since(start).Milliseconds()
	res.ExitCode = exitCode(cmd, waitErr)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Reason = driver.ReasonTimedOut
		return res, fmt.Errorf("subprocess: %s timed out after %s: %w", req.Agent, req.Timeout, context.DeadlineExceeded)
	case ctx.Err() != nil:
		res.Reason = driver.ReasonCancelled
		return res, fmt.Errorf("subprocess: %s cancelled: %w", req.Agent, context.Canceled)
	case waitErr != nil:
		res.Reason = driver.ReasonError
		return res, exitError(req.Agent, res.ExitCode, stderrBuf.String(), waitErr)
	case pumpErr != nil:
		res.Reason = driver.ReasonError
		return res, fmt.Errorf("subprocess: read agent output: %w", pumpErr)
	default:
		res.Reason = driver.ReasonCompleted
		return res, nil
	}
}

// buildArgs appends per-request flags after the configured base args.
func (d *Driver) buildArgs(req driver.Request) []string {
	args := append([]string(nil), d.args...)
	args = append(args, "--agent", req.Agent)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.TrustLevel != "" {
		args = append(args, "--trust", req.TrustLevel)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	for _, t := range req.Tools {
		args = append(args, "--allow-tool", t.Name)
	}
	return args
}

// writeStateFile persists the state snapshot to a temp file the child
// can read through AMELIA_STATE_FILE. The caller removes it.
func writeStateFile(state []byte) (string, error) {
	f, err := os.CreateTemp("", "amelia-state-*.json")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(state); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if state := cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	var exit *exec.ExitError
	if errors.As(waitErr, &exit) {
		return exit.ExitCode()
	}
	return -1
}

func exitError(agent string, code int, stderr string, waitErr error) error {
	tail, _ := driver.TruncateOutput(strings.TrimSpace(stderr))
	if tail == "" {
		return fmt.Errorf("subprocess: %s exited with code %d: %w", agent, code, waitErr)
	}
	return fmt.Errorf("subprocess: %s exited with code %d: %w; stderr: %s", agent, code, waitErr, tail)
}

// collector translates stdout frames into sink notifications and
// accumulates the final Result. It runs on the single stdout pump
// goroutine; result is read only after the pump finishes.
type collector struct {
	req  driver.Request
	sink driver.Sink
	log  zerolog.Logger

	text      strings.Builder
	finalOut  string
	sawResult bool
	calls     []driver.ToolCall
	usage     driver.TokenUsage
	callSeq   int
}

func newCollector(req driver.Request, sink driver.Sink, log zerolog.Logger) *collector {
	return &collector{
		req:  req,
		sink: sink,
		log:  log,
		usage: driver.TokenUsage{
			WorkflowID: req.WorkflowID,
			Agent:      req.Agent,
			Model:      req.Model,
			Timestamp:  time.Now().UTC(),
		},
	}
}

func (c *collector) consume(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		f, err := parseFrame(line)
		if err != nil {
			c.log.Debug().Err(err).Int("bytes", len(line)).Msg("skipping unparseable frame")
			continue
		}
		c.dispatch(f)
	}
	if err := sc.Err(); err != nil {
		// Keep draining so the child is never blocked on a full pipe
		// and Wait can return.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func (c *collector) dispatch(f frame) {
	switch f.Type {
	case frameMessage:
		c.text.WriteString(f.Text)
		c.sink.AgentMessage(f.Text)
	case frameToolCall:
		call := driver.ToolCall{ID: f.ID, Name: f.Name, Input: f.Input}
		if call.ID == "" {
			c.callSeq++
			call.ID = fmt.Sprintf("call-%d", c.callSeq)
		}
		c.calls = append(c.calls, call)
		c.sink.ToolCall(call)
	case frameToolResult:
		c.log.Trace().
			Str("workflow_id", c.req.WorkflowID).
			Str("tool", f.Name).
			Str("output", f.Output).
			Msg("raw tool output")
		c.sink.ToolResult(driver.ToolResult{
			CallID:  f.CallID,
			Name:    f.Name,
			Output:  f.Output,
			IsError: f.IsError,
		})
	case frameUsage:
		u := driver.TokenUsage{
			WorkflowID:          c.req.WorkflowID,
			Agent:               c.req.Agent,
			Model:               c.req.Model,
			InputTokens:         f.InputTokens,
			OutputTokens:        f.OutputTokens,
			CacheReadTokens:     f.CacheReadTokens,
			CacheCreationTokens: f.CacheCreationTokens,
			CostUSD:             f.CostUSD,
			NumTurns:            f.NumTurns,
			Timestamp:           time.Now().UTC(),
		}
		c.usage = c.usage.Add(u)
		c.sink.TokenUsage(u)
	case frameResult:
		c.finalOut = f.Output
		c.sawResult = true
	default:
		c.log.Debug().Str("type", f.Type).Msg("skipping unknown frame type")
	}
}

// result snapshots what the child produced. Falls back to accumulated
// message text when no result frame arrived, which is how partial
// output survives cancellation.
func (c *collector) result() driver.Result {
	out := c.text.String()
	if c.sawResult {
		out = c.finalOut
	}
	return driver.Result{
		Output:    out,
		Usage:     c.usage,
		ToolCalls: c.calls,
	}
}
