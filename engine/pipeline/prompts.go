package pipeline

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/ameliahq/amelia/engine/tracker"
)

// Prompt ids the pipeline binds. A store created over Defaults accepts
// exactly these.
const (
	PromptArchitect = "architect"
	PromptDeveloper = "developer"
	PromptReviewer  = "reviewer"
	PromptRevision  = "revision"
)

// Defaults returns the built-in prompt templates keyed by prompt id,
// ready for prompt.NewMemStore or prompt.NewSQLiteStore.
func Defaults() map[string]string {
	return map[string]string{
		PromptArchitect: architectPrompt,
		PromptDeveloper: developerPrompt,
		PromptReviewer:  reviewerPrompt,
		PromptRevision:  revisionPrompt,
	}
}

// render executes a prompt template against its data.
func render(promptID, content string, data any) (string, error) {
	t, err := template.New(promptID).Parse(content)
	if err != nil {
		return "", fmt.Errorf("prompt %q: parse: %w", promptID, err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("prompt %q: render: %w", promptID, err)
	}
	return b.String(), nil
}

type architectData struct {
	Issue           tracker.Issue
	Feedback        string
	ValidationError string
}

type developerData struct {
	Goal    string
	Batch   Batch
	Step    Step
	Command string
}

type revisionData struct {
	Goal     string
	Round    int
	Feedback string
	Issues   string
}

type reviewerData struct {
	Issue   tracker.Issue
	Goal    string
	Results string
}

const architectPrompt = `You are the architect. Produce an implementation plan for the issue below.

Issue {{.Issue.ID}}: {{.Issue.Title}}

{{.Issue.Body}}
{{- if .Feedback}}

The previous plan was rejected with this feedback:
{{.Feedback}}
{{- end}}
{{- if .ValidationError}}

The previous attempt was rejected:
{{.ValidationError}}
{{- end}}

Respond with a single JSON object and nothing else:
{"goal": "...", "tdd_approach": "...", "total_estimated_minutes": 0, "batches": [{"batch_number": 1, "risk_summary": "low|medium|high", "description": "...", "steps": [{"id": "s1", "description": "...", "action_type": "code|command|validation|manual", "file_path": "", "code_change": "", "command": "", "cwd": "", "fallback_commands": [], "expect_exit_code": 0, "expected_output_pattern": "", "risk_level": "low|medium|high", "depends_on": [], "is_test_step": false, "validates_step": "", "requires_human_judgment": false}]}]}

Keep batches small: at most 5 low risk, 3 medium risk, or 1 high risk step per batch. Step ids must be unique and depends_on may only reference earlier steps. Prefer validation steps after risky changes.`

const developerPrompt = `You are the developer executing one step of an approved plan. Perform exactly this step and nothing else, then report what you did.

Goal: {{.Goal}}
Batch {{.Batch.BatchNumber}} ({{.Batch.RiskSummary}} risk){{if .Batch.Description}}: {{.Batch.Description}}{{end}}

Step {{.Step.ID}}: {{.Step.Description}}
Action: {{.Step.ActionType}}
{{- if .Step.FilePath}}
File: {{.Step.FilePath}}
{{- end}}
{{- if .Step.CodeChange}}
Change: {{.Step.CodeChange}}
{{- end}}
{{- if .Command}}
Command: {{.Command}}
{{- if .Step.Cwd}}
Working directory: {{.Step.Cwd}}
{{- end}}
Expected exit code: {{.Step.ExpectExitCode}}
{{- end}}
{{- if .Step.ExpectedOutputPattern}}
Expected output pattern: {{.Step.ExpectedOutputPattern}}
{{- end}}`

const revisionPrompt = `You are the developer addressing review feedback on work you already completed.

Goal: {{.Goal}}
Review round {{.Round}} requested changes:
{{.Feedback}}
{{- if .Issues}}

Specific issues:
{{.Issues}}
{{- end}}

Address the feedback in the worktree, then report what you changed.`

const reviewerPrompt = `You are the reviewer. Judge whether the executed work satisfies the issue.

Issue {{.Issue.ID}}: {{.Issue.Title}}
Goal: {{.Goal}}

Execution results:
{{.Results}}

Respond with a single JSON object and nothing else:
{"status": "approved" or "revision_requested", "summary": "...", "issues": [{"step_id": "", "severity": "low|medium|high", "description": "..."}]}`
