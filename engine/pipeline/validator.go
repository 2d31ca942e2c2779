package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ameliahq/amelia/engine"
)

// planValidator shape-checks the architect's plan without invoking a
// driver. An invalid plan gets one automatic retry through the
// architect per workflow; after that the plan goes to the human gate
// anyway, with the problems attached, so a person decides whether to
// reject it. A workflow that still has no plan at all after the retry
// fails, since there is nothing a human could approve.
func (p *Pipeline) planValidator(ctx context.Context, s State) engine.NodeResult[State] {
	delta := State{CurrentNode: NodePlanValidator}

	var verr error
	switch {
	case s.ValidationError != "":
		// A successful architect run clears this field, so a value here
		// means the latest attempt produced no usable plan.
		verr = errors.New(s.ValidationError)
	case s.Plan == nil:
		verr = &PlanError{Problems: []string{"no plan produced"}}
	default:
		verr = s.Plan.Validate()
	}

	if verr == nil {
		p.log.Debug().
			Str("workflow_id", s.WorkflowID).
			Int("batches", len(s.Plan.Batches)).
			Msg("plan validated")
		delta.bump(s, NodePlanValidator)
		return engine.NodeResult[State]{Delta: delta}
	}

	if s.PlanRetries < 1 {
		p.log.Info().
			Str("workflow_id", s.WorkflowID).
			Err(verr).
			Msg("plan invalid, retrying architect")
		delta.PlanRetries = s.PlanRetries + 1
		if msg := verr.Error(); msg != s.ValidationError {
			delta.ValidationError = msg
		}
		delta.bump(s, NodePlanValidator)
		return engine.NodeResult[State]{Delta: delta, Route: engine.Goto(NodeArchitect)}
	}

	if s.Plan == nil {
		return engine.NodeResult[State]{Delta: delta, Err: fmt.Errorf("no executable plan after retry: %w", verr)}
	}

	// Retry budget spent. Surface the problems at the approval gate
	// rather than looping the architect.
	p.log.Warn().
		Str("workflow_id", s.WorkflowID).
		Err(verr).
		Msg("plan still invalid after retry, deferring to human gate")
	delta.Messages = append(delta.Messages, Message{
		Agent:   NodePlanValidator,
		Content: "plan validation failed: " + verr.Error(),
	})
	if msg := verr.Error(); msg != s.ValidationError {
		delta.ValidationError = msg
	}
	delta.bump(s, NodePlanValidator)
	return engine.NodeResult[State]{Delta: delta}
}
