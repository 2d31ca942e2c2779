package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ameliahq/amelia/engine"
	"github.com/ameliahq/amelia/engine/driver"
)

// developer executes the approved plan batch by batch.
//
// Progress is recorded per step attempt, so a visit interrupted at an
// approval gate, killed mid-run, or re-entered after a blocker detour
// replays deterministically: steps with a terminal result are never
// re-executed, gates approved in an earlier visit are never re-asked,
// and the batch cursor advances only when the whole visit completes.
// Anything needing a human lands in state.Blocker and routes to the
// resolution gate.
func (p *Pipeline) developer(ctx context.Context, s State) engine.NodeResult[State] {
	delta := State{CurrentNode: NodeDeveloper}
	if s.Plan == nil {
		return engine.NodeResult[State]{Delta: delta, Err: errors.New("developer has no plan to execute")}
	}
	if s.Blocker.Open() {
		// Open blockers belong to the resolution gate. Reaching the
		// developer with one happens after state surgery; hand it back.
		return engine.NodeResult[State]{Delta: delta, Route: engine.Goto(NodeBlockerResolution)}
	}
	g := newGateTaker(&s, NodeDeveloper)

	if res := p.revisionPass(ctx, &s, &delta); res != nil {
		return *res
	}

	for bi := s.BatchIndex; bi < len(s.Plan.Batches); bi++ {
		batch := s.Plan.Batches[bi]
		for _, step := range batch.Steps {
			if res := p.runStep(ctx, &s, &delta, g, batch, step); res != nil {
				return *res
			}
		}
		p.sealBatch(&s, &delta, batch)
		if last := bi == len(s.Plan.Batches)-1; !last {
			if res := p.batchGate(ctx, &s, &delta, g, batch); res != nil {
				return *res
			}
		}
	}

	delta.BatchIndex = len(s.Plan.Batches)
	delta.bump(s, NodeDeveloper)
	p.log.Info().
		Str("workflow_id", s.WorkflowID).
		Int("batches", len(s.Plan.Batches)).
		Msg("plan executed")
	return engine.NodeResult[State]{Delta: delta}
}

// runStep brings one step to a terminal status, or returns early with
// an interrupt, a blocker route, or a failure. A nil return means the
// step needs no further work this visit.
func (p *Pipeline) runStep(ctx context.Context, s, delta *State, g *gateTaker, batch Batch, step Step) *engine.NodeResult[State] {
	out, recorded := stepOutcome(s, delta, step.ID)
	if recorded && out.Terminal() {
		// Completed work still owes its paranoid gate when the pause
		// never got an answer before the last interrupt.
		if s.Trust == engine.TrustParanoid && out.Status == StepCompleted && step.ActionType != ActionManual {
			return p.stepGate(ctx, s, delta, g, batch, step)
		}
		return nil
	}

	// Dependencies must have completed. The skip cascade marks
	// dependents of skipped steps, so a miss here means recorded
	// progress no longer matches the plan.
	for _, dep := range step.DependsOn {
		if d, ok := stepOutcome(s, delta, dep); !ok || d.Status != StepCompleted {
			status := "missing"
			if ok {
				status = string(d.Status)
			}
			return p.raiseBlocker(s, delta, Blocker{
				StepID:          step.ID,
				StepDescription: step.Description,
				Type:            BlockerDependencySkipped,
				ErrorMessage:    fmt.Sprintf("dependency %s is %s", dep, status),
				Attempt:         nextAttempt(s, delta, step.ID),
				BatchNumber:     batch.BatchNumber,
				SuggestedResolutions: []string{
					"skip: mark this step and its dependents skipped",
					"abort: fail the workflow",
				},
			})
		}
	}

	// A failed attempt is retried only under a continue resolution for
	// exactly that attempt.
	if recorded && out.Status == StepFailed && !resolvedContinue(s, step.ID, out.Attempt) {
		return p.raiseBlocker(s, delta, Blocker{
			StepID:          step.ID,
			StepDescription: step.Description,
			Type:            BlockerUnexpectedState,
			ErrorMessage:    fmt.Sprintf("attempt %d failed with no resolution authorizing a retry", out.Attempt),
			Attempt:         out.Attempt,
			BatchNumber:     batch.BatchNumber,
			SuggestedResolutions: []string{
				"continue: retry the step",
				"skip: mark this step and its dependents skipped",
				"abort: fail the workflow",
			},
		})
	}

	attempt := nextAttempt(s, delta, step.ID)

	// Manual steps and steps flagged for judgment never run without an
	// explicit continue for this attempt.
	if step.ActionType == ActionManual || step.RequiresHumanJudgment {
		if !resolvedContinue(s, step.ID, attempt) {
			reason := "step requires human judgment before it can run"
			if step.ActionType == ActionManual {
				reason = "manual step: a human must perform this work"
			}
			return p.raiseBlocker(s, delta, Blocker{
				StepID:          step.ID,
				StepDescription: step.Description,
				Type:            BlockerNeedsJudgment,
				ErrorMessage:    reason,
				Attempt:         attempt,
				BatchNumber:     batch.BatchNumber,
				SuggestedResolutions: []string{
					"continue: the work is done or may proceed",
					"skip: mark this step and its dependents skipped",
					"abort: fail the workflow",
				},
			})
		}
		if step.ActionType == ActionManual {
			delta.StepResults = append(delta.StepResults, StepResult{
				PlanID:  s.planID(),
				StepID:  step.ID,
				Status:  StepCompleted,
				Attempt: attempt,
				Output:  "confirmed by operator",
			})
			return nil
		}
	}

	// Tool calls on record for an attempt that has no result mean the
	// attempt was cut off mid-flight. Refuse to replay it silently.
	if ledgerHas(s, delta, step.ID, attempt) {
		return p.raiseBlocker(s, delta, Blocker{
			StepID:          step.ID,
			StepDescription: step.Description,
			Type:            BlockerUnexpectedState,
			ErrorMessage:    fmt.Sprintf("attempt %d already fired tool calls but recorded no result", attempt),
			Attempt:         attempt,
			BatchNumber:     batch.BatchNumber,
			SuggestedResolutions: []string{
				"continue: run the attempt again anyway",
				"skip: mark this step and its dependents skipped",
				"abort: fail the workflow",
			},
		})
	}

	result, blocker, err := p.executeStep(ctx, s, delta, batch, step, attempt)
	if err != nil {
		r := engine.NodeResult[State]{Delta: *delta, Err: err}
		return &r
	}
	result.PlanID = s.planID()
	delta.StepResults = append(delta.StepResults, result)
	if blocker != nil {
		blocker.BatchNumber = batch.BatchNumber
		return p.raiseBlocker(s, delta, *blocker)
	}
	if s.Trust == engine.TrustParanoid {
		return p.stepGate(ctx, s, delta, g, batch, step)
	}
	return nil
}

// executeStep performs one attempt: the step's command, then any
// fallbacks, each as its own driver invocation, classified against the
// step's expected exit code and output pattern. Tool calls and token
// usage land in the delta even when the attempt fails or is cut short,
// so recovery sees exactly what ran.
func (p *Pipeline) executeStep(ctx context.Context, s, delta *State, batch Batch, step Step, attempt int) (StepResult, *Blocker, error) {
	tmpl, err := p.bindPrompt(ctx, s, delta, PromptDeveloper)
	if err != nil {
		return StepResult{}, nil, err
	}
	timeout := p.stepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}

	var attempted []string
	var last StepResult
	for _, cmd := range commandCandidates(step) {
		promptText, rerr := render(PromptDeveloper, tmpl, developerData{
			Goal:    s.Plan.Goal,
			Batch:   batch,
			Step:    step,
			Command: cmd,
		})
		if rerr != nil {
			return StepResult{}, nil, rerr
		}

		started := time.Now()
		res, ierr := p.invoke(ctx, s, NodeDeveloper, promptText, stepTools(step, s.AllowedTools), timeout)
		for _, call := range res.ToolCalls {
			delta.ToolLedger = append(delta.ToolLedger, ToolRecord{
				PlanID:  s.planID(),
				StepID:  step.ID,
				Attempt: attempt,
				CallID:  call.ID,
				Tool:    call.Name,
			})
		}
		recordUsage(s, delta, NodeDeveloper, res, time.Since(started))

		if ctx.Err() != nil {
			return StepResult{}, nil, fmt.Errorf("step %s: %w", step.ID, ctx.Err())
		}
		output, _ := driver.TruncateOutput(res.Output)

		var failure string
		switch {
		case res.Reason == driver.ReasonTimedOut:
			failure = fmt.Sprintf("timed out after %s", timeout)
		case ierr != nil:
			// The driver already retried transient faults. Whatever is
			// left is fatal to the workflow, not a step failure.
			return StepResult{}, nil, fmt.Errorf("step %s: %w", step.ID, ierr)
		case res.Reason != driver.ReasonCompleted:
			return StepResult{}, nil, fmt.Errorf("step %s: invocation ended %s", step.ID, res.Reason)
		default:
			failure = stepFailure(step, res)
		}

		if failure == "" {
			return StepResult{
				StepID:     step.ID,
				Status:     StepCompleted,
				Attempt:    attempt,
				Output:     output,
				ExitCode:   res.ExitCode,
				DurationMS: time.Since(started).Milliseconds(),
			}, nil, nil
		}

		attempted = append(attempted, describeAttempt(cmd, failure))
		last = StepResult{
			StepID:     step.ID,
			Status:     StepFailed,
			Attempt:    attempt,
			Output:     output,
			ExitCode:   res.ExitCode,
			Error:      failure,
			DurationMS: time.Since(started).Milliseconds(),
		}
		p.log.Info().
			Str("workflow_id", s.WorkflowID).
			Str("step", step.ID).
			Str("failure", failure).
			Msg("step attempt failed")
	}

	btype := BlockerCommandFailed
	if step.ActionType == ActionValidation {
		btype = BlockerValidationFailed
	}
	return last, &Blocker{
		StepID:           step.ID,
		StepDescription:  step.Description,
		Type:             btype,
		ErrorMessage:     last.Error,
		AttemptedActions: attempted,
		Attempt:          attempt,
		SuggestedResolutions: []string{
			"continue: retry the step",
			"skip: mark this step and its dependents skipped",
			"abort: fail the workflow",
		},
	}, nil
}

// commandCandidates returns the commands to try in order: the primary,
// then the fallbacks. Code steps run a single commandless invocation.
func commandCandidates(step Step) []string {
	switch step.ActionType {
	case ActionCommand, ActionValidation:
		return append([]string{step.Command}, step.FallbackCommands...)
	}
	return []string{""}
}

// stepFailure checks a completed invocation against the step's
// expectations. Empty means the attempt passed.
func stepFailure(step Step, res driver.Result) string {
	if res.ExitCode != step.ExpectExitCode {
		return fmt.Sprintf("exit code %d, expected %d", res.ExitCode, step.ExpectExitCode)
	}
	if step.ExpectedOutputPattern != "" {
		re, err := regexp.Compile(step.ExpectedOutputPattern)
		if err != nil {
			return fmt.Sprintf("bad output pattern: %v", err)
		}
		if !re.MatchString(res.Output) {
			return fmt.Sprintf("output does not match %q", step.ExpectedOutputPattern)
		}
	}
	return ""
}

func describeAttempt(cmd, failure string) string {
	if cmd == "" {
		return failure
	}
	return fmt.Sprintf("%s: %s", cmd, failure)
}

// stepGate offers the paranoid per-step pause.
func (p *Pipeline) stepGate(ctx context.Context, s, delta *State, g *gateTaker, batch Batch, step Step) *engine.NodeResult[State] {
	gate := stepGateID(step.ID)
	return p.ensureGate(ctx, s, delta, g, gate, GatePayload{
		Node:        NodeDeveloper,
		Gate:        gate,
		Message:     fmt.Sprintf("step %s finished, approve to continue", step.ID),
		StepID:      step.ID,
		BatchNumber: batch.BatchNumber,
		Risk:        step.RiskLevel,
	})
}

// batchGate offers the between-batches pause the trust level calls
// for. Standard trust pauses after every batch, autonomous only after
// high risk ones, recording an automatic grant otherwise for the audit
// trail. Paranoid already gated every step.
func (p *Pipeline) batchGate(ctx context.Context, s, delta *State, g *gateTaker, batch Batch) *engine.NodeResult[State] {
	gate := batchGateID(batch.BatchNumber)
	switch {
	case s.Trust == engine.TrustStandard,
		s.Trust == engine.TrustAutonomous && batch.RiskSummary == RiskHigh:
		return p.ensureGate(ctx, s, delta, g, gate, GatePayload{
			Node:        NodeDeveloper,
			Gate:        gate,
			Message:     fmt.Sprintf("batch %d finished, approve to continue", batch.BatchNumber),
			BatchNumber: batch.BatchNumber,
			Risk:        batch.RiskSummary,
		})
	case s.Trust == engine.TrustAutonomous:
		if !gateRecorded(s, delta, NodeDeveloper, gate) {
			delta.Approvals = append(delta.Approvals, Approval{
				PlanID:   s.planID(),
				Node:     NodeDeveloper,
				Gate:     gate,
				Visit:    g.visit,
				Approved: true,
				Auto:     true,
			})
		}
		return nil
	default:
		return nil
	}
}

// sealBatch records the batch summary once every step is terminal.
func (p *Pipeline) sealBatch(s, delta *State, batch Batch) {
	if hasBatchResult(s, delta, batch.BatchNumber, 0) {
		return
	}
	br := BatchResult{
		PlanID:      s.planID(),
		BatchNumber: batch.BatchNumber,
		Description: batch.Description,
	}
	for _, st := range batch.Steps {
		out, _ := stepOutcome(s, delta, st.ID)
		switch out.Status {
		case StepCompleted:
			br.Completed = append(br.Completed, st.ID)
		case StepFailed:
			br.Failed = append(br.Failed, st.ID)
		case StepSkipped:
			br.Skipped = append(br.Skipped, st.ID)
		}
	}
	delta.BatchResults = append(delta.BatchResults, br)
}

// raiseBlocker records the blocker and hands control to the resolution
// gate. The blocker rides the delta so the checkpoint, the approval
// payload, and the workflow snapshot all show the same picture.
func (p *Pipeline) raiseBlocker(s, delta *State, b Blocker) *engine.NodeResult[State] {
	delta.Blocker = &b
	delta.bump(*s, NodeDeveloper)
	p.log.Info().
		Str("workflow_id", s.WorkflowID).
		Str("step", b.StepID).
		Str("type", string(b.Type)).
		Str("error", b.ErrorMessage).
		Msg("developer blocked")
	r := engine.NodeResult[State]{Delta: *delta, Route: engine.Goto(NodeBlockerResolution)}
	return &r
}

// revisionPass runs one corrective invocation when the reviewer has
// requested changes. Each review round produces exactly one revision
// record, so an interrupted or restarted visit never repeats a pass.
func (p *Pipeline) revisionPass(ctx context.Context, s, delta *State) *engine.NodeResult[State] {
	if s.ReviewRounds == 0 || hasBatchResult(s, delta, 0, s.ReviewRounds) {
		return nil
	}
	fail := func(err error) *engine.NodeResult[State] {
		r := engine.NodeResult[State]{Delta: *delta, Err: err}
		return &r
	}

	tmpl, err := p.bindPrompt(ctx, s, delta, PromptRevision)
	if err != nil {
		return fail(err)
	}
	promptText, err := render(PromptRevision, tmpl, revisionData{
		Goal:     s.Plan.Goal,
		Round:    s.ReviewRounds,
		Feedback: s.Feedback,
		Issues:   reviewIssueLines(s.Review),
	})
	if err != nil {
		return fail(err)
	}

	started := time.Now()
	res, err := p.invoke(ctx, s, NodeDeveloper, promptText, agentTools(NodeDeveloper, s.AllowedTools), 0)
	recordUsage(s, delta, NodeDeveloper, res, time.Since(started))
	if ctx.Err() != nil {
		return fail(fmt.Errorf("revision pass: %w", ctx.Err()))
	}
	if err != nil {
		return fail(fmt.Errorf("revision pass: %w", err))
	}
	if res.Reason != driver.ReasonCompleted {
		return fail(fmt.Errorf("revision pass ended %s", res.Reason))
	}

	summary, _ := driver.TruncateOutput(res.Output)
	delta.BatchResults = append(delta.BatchResults, BatchResult{
		PlanID:   s.planID(),
		Revision: s.ReviewRounds,
		Summary:  summary,
	})
	p.log.Info().
		Str("workflow_id", s.WorkflowID).
		Int("round", s.ReviewRounds).
		Msg("revision pass complete")
	return nil
}
