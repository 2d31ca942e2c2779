package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// ResumeCommand is the value injected by Approve or Reject and consumed
// by a paused node through AwaitResume.
type ResumeCommand struct {
	// Approved is true for Approve, false for Reject.
	Approved bool `json:"approved"`

	// Feedback carries the human's rejection rationale.
	Feedback string `json:"feedback,omitempty"`

	// Payload carries arbitrary structured data supplied with the
	// approval, such as a blocker resolution action.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the command payload into v.
func (c ResumeCommand) Decode(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("failed to decode resume payload: %w", err)
	}
	return nil
}

// InterruptError signals that a node paused awaiting a resume command.
// The runtime converts it into a blocked workflow; the payload is
// surfaced on the approval_required event. It matches ErrInterrupted.
type InterruptError struct {
	Payload any
}

func (e *InterruptError) Error() string {
	return "interrupted awaiting resume"
}

func (e *InterruptError) Is(target error) bool {
	return target == ErrInterrupted
}

// AwaitResume pauses the node until a human resume command arrives.
//
// On the first call with no command queued it returns an error matching
// ErrInterrupted; the node must propagate it (together with any partial
// delta) so the runtime can persist state and block the workflow. After
// a resume the node is re-run from the start and the i-th AwaitResume
// call returns the i-th queued command, so work performed before an
// earlier pause must be recorded in state and skipped on re-entry.
//
// The payload describes what the human is being asked to approve and is
// attached to the approval_required event.
func AwaitResume(ctx context.Context, payload any) (ResumeCommand, error) {
	rs := resumeSessionFrom(ctx)
	if rs == nil {
		return ResumeCommand{}, &EngineError{
			Code:    "NO_RESUME_SESSION",
			Message: "AwaitResume called outside a workflow runtime; wrap the context with WithResumes to run nodes standalone",
		}
	}
	if cmd, ok := rs.take(); ok {
		return cmd, nil
	}
	return ResumeCommand{}, &InterruptError{Payload: payload}
}

// WithResumes returns a context carrying queued resume commands, letting
// a node that calls AwaitResume be executed outside the engine (tests,
// embedding).
func WithResumes(ctx context.Context, cmds ...ResumeCommand) context.Context {
	return context.WithValue(ctx, resumeSessionKey{}, &resumeSession{resumes: cmds})
}

type resumeSessionKey struct{}

// resumeSession tracks resume consumption across one node execution.
// The runtime seeds it with the commands already consumed during the
// current node visit plus any newly queued ones; take hands them out in
// order.
type resumeSession struct {
	resumes []ResumeCommand
	index   int
}

func (rs *resumeSession) take() (ResumeCommand, bool) {
	if rs.index < len(rs.resumes) {
		cmd := rs.resumes[rs.index]
		rs.index++
		return cmd, true
	}
	return ResumeCommand{}, false
}

// consumed returns the commands handed out so far.
func (rs *resumeSession) consumed() []ResumeCommand {
	return rs.resumes[:rs.index]
}

// remaining returns the commands not yet handed out.
func (rs *resumeSession) remaining() []ResumeCommand {
	return rs.resumes[rs.index:]
}

func withResumeSession(ctx context.Context, rs *resumeSession) context.Context {
	return context.WithValue(ctx, resumeSessionKey{}, rs)
}

func resumeSessionFrom(ctx context.Context) *resumeSession {
	rs, _ := ctx.Value(resumeSessionKey{}).(*resumeSession)
	return rs
}
