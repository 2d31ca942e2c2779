package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ameliahq/amelia/engine"
	"github.com/ameliahq/amelia/engine/driver"
)

// ReviewStatus is the reviewer's verdict.
type ReviewStatus string

const (
	ReviewApproved          ReviewStatus = "approved"
	ReviewRevisionRequested ReviewStatus = "revision_requested"
)

// ReviewResult is the parsed reviewer output.
type ReviewResult struct {
	Status  ReviewStatus  `json:"status"`
	Summary string        `json:"summary,omitempty"`
	Issues  []ReviewIssue `json:"issues,omitempty"`
}

// ReviewIssue is one problem the reviewer wants addressed.
type ReviewIssue struct {
	StepID      string `json:"step_id,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description"`
}

// parseReview extracts the verdict JSON from reviewer output.
func parseReview(output string) (*ReviewResult, error) {
	raw, err := extractJSON(output)
	if err != nil {
		return nil, fmt.Errorf("review verdict: %w", err)
	}
	var r ReviewResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("review verdict: %w", err)
	}
	switch r.Status {
	case ReviewApproved, ReviewRevisionRequested:
		return &r, nil
	}
	return nil, fmt.Errorf("review verdict: unknown status %q", r.Status)
}

// reviewer judges the executed plan. Approval completes the workflow;
// a revision request routes back to the developer with the feedback
// and a bumped round counter. Rounds beyond the configured limit raise
// a judgment blocker so a human decides whether the loop goes on. A
// verdict that does not parse fails the node: unlike a plan, there is
// no cheap automatic retry that would make the same model answer
// differently.
func (p *Pipeline) reviewer(ctx context.Context, s State) engine.NodeResult[State] {
	delta := State{CurrentNode: NodeReviewer}

	tmpl, err := p.bindPrompt(ctx, &s, &delta, PromptReviewer)
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: err}
	}
	goal := ""
	if s.Plan != nil {
		goal = s.Plan.Goal
	}
	promptText, err := render(PromptReviewer, tmpl, reviewerData{
		Issue:   s.Issue,
		Goal:    goal,
		Results: resultsDigest(&s),
	})
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: err}
	}

	started := time.Now()
	res, err := p.invoke(ctx, &s, NodeReviewer, promptText, agentTools(NodeReviewer, s.AllowedTools), 0)
	recordUsage(&s, &delta, NodeReviewer, res, time.Since(started))
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: fmt.Errorf("reviewer invocation: %w", err)}
	}
	if res.Reason != driver.ReasonCompleted {
		return engine.NodeResult[State]{Delta: delta, Err: fmt.Errorf("reviewer invocation ended %s", res.Reason)}
	}

	verdict, err := parseReview(res.Output)
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: err}
	}
	delta.Review = verdict
	delta.Messages = append(delta.Messages, Message{Agent: NodeReviewer, Content: verdict.Summary})
	delta.bump(s, NodeReviewer)

	if verdict.Status == ReviewApproved {
		p.log.Info().
			Str("workflow_id", s.WorkflowID).
			Str("summary", verdict.Summary).
			Msg("review approved")
		return engine.NodeResult[State]{Delta: delta, Route: engine.Stop()}
	}

	round := s.ReviewRounds + 1
	delta.ReviewRounds = round
	delta.Feedback = reviewFeedback(verdict)
	p.log.Info().
		Str("workflow_id", s.WorkflowID).
		Int("round", round).
		Msg("review requested changes")

	if round > p.maxReviewRounds {
		delta.Blocker = &Blocker{
			Type:            BlockerNeedsJudgment,
			StepDescription: "review revision loop",
			ErrorMessage: fmt.Sprintf("reviewer requested revision %d, past the limit of %d",
				round, p.maxReviewRounds),
			SuggestedResolutions: []string{
				"continue: run another revision round",
				"abort: fail the workflow",
			},
		}
		return engine.NodeResult[State]{Delta: delta, Route: engine.Goto(NodeBlockerResolution)}
	}
	return engine.NodeResult[State]{Delta: delta, Route: engine.Goto(NodeDeveloper)}
}

// resultsDigest renders the execution record for the reviewer prompt:
// batch summaries, step outcomes, and revision passes for the current
// plan.
func resultsDigest(s *State) string {
	pid := s.planID()
	var b strings.Builder
	for _, br := range s.BatchResults {
		if br.PlanID != pid {
			continue
		}
		if br.Revision > 0 {
			fmt.Fprintf(&b, "revision %d: %s\n", br.Revision, br.Summary)
			continue
		}
		fmt.Fprintf(&b, "batch %d: %d completed, %d skipped\n",
			br.BatchNumber, len(br.Completed), len(br.Skipped))
	}
	if s.Plan != nil {
		for _, st := range s.Plan.Steps() {
			out, ok := stepOutcome(s, &State{}, st.ID)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s [%s]", st.ID, out.Status)
			if out.Error != "" {
				fmt.Fprintf(&b, " (%s)", out.Error)
			}
			if out.Output != "" {
				fmt.Fprintf(&b, ": %s", out.Output)
			}
			b.WriteString("\n")
		}
	}
	digest, _ := driver.TruncateOutput(b.String())
	return digest
}

// reviewFeedback flattens a verdict into the feedback text the
// revision pass receives.
func reviewFeedback(v *ReviewResult) string {
	parts := []string{v.Summary}
	for _, is := range v.Issues {
		parts = append(parts, issueLine(is))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// reviewIssueLines renders the verdict's issue list for the revision
// prompt.
func reviewIssueLines(v *ReviewResult) string {
	if v == nil {
		return ""
	}
	var lines []string
	for _, is := range v.Issues {
		lines = append(lines, issueLine(is))
	}
	return strings.Join(lines, "\n")
}

func issueLine(is ReviewIssue) string {
	var b strings.Builder
	b.WriteString("- ")
	if is.StepID != "" {
		fmt.Fprintf(&b, "[%s] ", is.StepID)
	}
	if is.Severity != "" {
		fmt.Fprintf(&b, "(%s) ", is.Severity)
	}
	b.WriteString(is.Description)
	return b.String()
}
