package pipeline

import (
	"context"
	"fmt"

	"github.com/ameliahq/amelia/engine"
)

// blockerResolution pauses until a human answers the open blocker,
// then applies the action. Continue hands the blocked attempt back to
// the developer authorized, skip marks the step and every transitive
// dependent skipped, abort fails the workflow. The answered blocker is
// kept in state with its resolution attached, both as the audit record
// and as the developer's authorization to proceed.
func (p *Pipeline) blockerResolution(ctx context.Context, s State) engine.NodeResult[State] {
	delta := State{CurrentNode: NodeBlockerResolution}
	if !s.Blocker.Open() {
		delta.bump(s, NodeBlockerResolution)
		return engine.NodeResult[State]{Delta: delta}
	}
	b := s.Blocker
	g := newGateTaker(&s, NodeBlockerResolution)
	gate := blockerGateID(b)

	message := fmt.Sprintf("blocked: %s", b.ErrorMessage)
	if b.StepID != "" {
		message = fmt.Sprintf("step %s blocked: %s", b.StepID, b.ErrorMessage)
	}
	payload := GatePayload{
		Node:        NodeBlockerResolution,
		Gate:        gate,
		Message:     message,
		StepID:      b.StepID,
		BatchNumber: b.BatchNumber,
		Blocker:     b,
	}

	var res Resolution
	for {
		cmd, err := g.take(ctx, &delta, gate, payload)
		if err != nil {
			return engine.NodeResult[State]{Delta: delta, Err: err}
		}
		if !cmd.Approved {
			// A plain rejection answers nothing; surface the feedback
			// and ask again.
			payload.RejectionFeedback = cmd.Feedback
			continue
		}
		if err := cmd.Decode(&res); err != nil {
			payload.Warning = fmt.Sprintf("unreadable resolution payload: %v", err)
			continue
		}
		if res.Feedback == "" {
			res.Feedback = cmd.Feedback
		}
		switch res.Action {
		case ResolveContinue, ResolveSkip, ResolveAbort:
		case "":
			// A bare approve means continue.
			res.Action = ResolveContinue
		default:
			payload.Warning = fmt.Sprintf("unknown resolution action %q", res.Action)
			res = Resolution{}
			continue
		}
		break
	}

	delta.Blocker = b.resolved(res)
	p.log.Info().
		Str("workflow_id", s.WorkflowID).
		Str("step", b.StepID).
		Str("action", string(res.Action)).
		Msg("blocker resolved")

	switch res.Action {
	case ResolveSkip:
		skipCascade(&s, &delta, b)
	case ResolveAbort:
		delta.bump(s, NodeBlockerResolution)
		reason := fmt.Errorf("aborted by operator: %s", b.ErrorMessage)
		if b.StepID != "" {
			reason = fmt.Errorf("aborted by operator at step %s: %s", b.StepID, b.ErrorMessage)
		}
		return engine.NodeResult[State]{Delta: delta, Err: reason}
	}
	delta.bump(s, NodeBlockerResolution)
	return engine.NodeResult[State]{Delta: delta}
}

// skipCascade marks the blocked step skipped together with every step
// whose dependency chain reaches it. Steps already terminal keep their
// status.
func skipCascade(s, delta *State, b *Blocker) {
	if b.StepID == "" || s.Plan == nil {
		return
	}
	mark := func(id, why string) {
		attempt := 0
		if out, ok := stepOutcome(s, delta, id); ok {
			if out.Terminal() {
				return
			}
			attempt = out.Attempt
		}
		delta.StepResults = append(delta.StepResults, StepResult{
			PlanID:  s.planID(),
			StepID:  id,
			Status:  StepSkipped,
			Attempt: attempt,
			Error:   why,
		})
	}
	mark(b.StepID, fmt.Sprintf("skipped by operator: %s", b.Type))
	for _, id := range dependents(s.Plan, b.StepID) {
		mark(id, fmt.Sprintf("dependency %s was skipped", b.StepID))
	}
}
