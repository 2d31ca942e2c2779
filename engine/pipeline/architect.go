package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ameliahq/amelia/engine"
	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
)

// architect produces the plan. It renders the architect prompt with
// the issue plus any human feedback or validation problems from a
// previous attempt, invokes the driver, and parses the returned JSON
// into a normalized Plan. A parse failure is not fatal here: the
// validator gives the architect one corrective retry before a human
// sees the result.
func (p *Pipeline) architect(ctx context.Context, s State) engine.NodeResult[State] {
	delta := State{CurrentNode: NodeArchitect}

	tmpl, err := p.bindPrompt(ctx, &s, &delta, PromptArchitect)
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: err}
	}
	promptText, err := render(PromptArchitect, tmpl, architectData{
		Issue:           s.Issue,
		Feedback:        s.Feedback,
		ValidationError: s.ValidationError,
	})
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: err}
	}

	started := time.Now()
	res, err := p.invoke(ctx, &s, NodeArchitect, promptText, agentTools(NodeArchitect, s.AllowedTools), 0)
	recordUsage(&s, &delta, NodeArchitect, res, time.Since(started))
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: fmt.Errorf("architect invocation: %w", err)}
	}
	if res.Reason != driver.ReasonCompleted {
		return engine.NodeResult[State]{Delta: delta, Err: fmt.Errorf("architect invocation ended %s", res.Reason)}
	}

	output, _ := driver.TruncateOutput(res.Output)
	delta.Messages = append(delta.Messages, Message{Agent: NodeArchitect, Content: output})

	plan, perr := ParsePlan(res.Output)
	if perr != nil {
		p.log.Warn().
			Str("workflow_id", s.WorkflowID).
			Err(perr).
			Msg("architect output did not parse")
		delta.ValidationError = perr.Error()
		delta.bump(s, NodeArchitect)
		return engine.NodeResult[State]{Delta: delta}
	}
	plan.Normalize()

	delta.Plan = plan
	delta.BatchIndex = 0
	delta.bump(s, NodeArchitect)

	p.log.Info().
		Str("workflow_id", s.WorkflowID).
		Int("batches", len(plan.Batches)).
		Int("steps", len(plan.Steps())).
		Msg("plan drafted")
	p.emit(s.WorkflowID, event.Event{
		Level:   event.LevelInfo,
		Agent:   NodeArchitect,
		Type:    event.TypeFileCreated,
		Message: "plan drafted: " + plan.Goal,
		Data: map[string]any{
			"path":     "amelia-plan.md",
			"markdown": plan.Markdown(),
			"batches":  len(plan.Batches),
		},
	})
	return engine.NodeResult[State]{Delta: delta}
}
