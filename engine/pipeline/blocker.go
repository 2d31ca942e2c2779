package pipeline

// BlockerType classifies why the developer stopped.
type BlockerType string

const (
	// BlockerCommandFailed means a step command and all its fallbacks
	// exited wrong.
	BlockerCommandFailed BlockerType = "command_failed"

	// BlockerValidationFailed means a validation step's exit code or
	// output pattern check did not hold.
	BlockerValidationFailed BlockerType = "validation_failed"

	// BlockerNeedsJudgment means the work needs a human decision before
	// it can proceed: manual steps, steps flagged for judgment, or a
	// review loop past its round limit.
	BlockerNeedsJudgment BlockerType = "needs_judgment"

	// BlockerUnexpectedState means recorded progress contradicts the
	// plan, such as tool calls on record for an attempt that has no
	// result, or a failed attempt with no resolution authorizing a
	// retry.
	BlockerUnexpectedState BlockerType = "unexpected_state"

	// BlockerDependencySkipped means a step's dependency never
	// completed, so the step cannot run.
	BlockerDependencySkipped BlockerType = "dependency_skipped"
)

// ResolutionAction is the human's answer to a blocker.
type ResolutionAction string

const (
	// ResolveContinue retries the blocked attempt, or for judgment
	// blockers authorizes it.
	ResolveContinue ResolutionAction = "continue"

	// ResolveSkip marks the step skipped along with every transitive
	// dependent.
	ResolveSkip ResolutionAction = "skip"

	// ResolveAbort fails the workflow.
	ResolveAbort ResolutionAction = "abort"
)

// Blocker describes a situation needing human input. It is not an
// error: the workflow pauses with the blocker on record and resumes
// once a resolution arrives.
type Blocker struct {
	StepID               string      `json:"step_id,omitempty"`
	StepDescription      string      `json:"step_description,omitempty"`
	Type                 BlockerType `json:"blocker_type"`
	ErrorMessage         string      `json:"error_message,omitempty"`
	AttemptedActions     []string    `json:"attempted_actions,omitempty"`
	SuggestedResolutions []string    `json:"suggested_resolutions,omitempty"`

	// Attempt is the step attempt the blocker refers to. A continue
	// resolution authorizes exactly that attempt.
	Attempt int `json:"attempt,omitempty"`

	// BatchNumber locates the step's batch.
	BatchNumber int `json:"batch_number,omitempty"`

	// Resolution is filled once a human answers. A blocker carrying a
	// resolution no longer blocks the pipeline.
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolution is the recorded human answer to a blocker.
type Resolution struct {
	Action   ResolutionAction `json:"action"`
	Feedback string           `json:"feedback,omitempty"`
}

// Open reports whether b demands a resolution.
func (b *Blocker) Open() bool {
	return b != nil && b.Resolution == nil
}

// resolved returns a copy of b carrying the resolution.
func (b *Blocker) resolved(r Resolution) *Blocker {
	c := *b
	c.Resolution = &r
	return &c
}

// dependents returns the ids of every step whose depends_on chain
// reaches root, in plan order. A single forward pass suffices because
// validated plans only reference earlier steps.
func dependents(p *Plan, root string) []string {
	hit := map[string]bool{root: true}
	var out []string
	for _, st := range p.Steps() {
		if hit[st.ID] {
			continue
		}
		for _, dep := range st.DependsOn {
			if hit[dep] {
				hit[st.ID] = true
				out = append(out, st.ID)
				break
			}
		}
	}
	return out
}
