package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// RiskLevel classifies how dangerous a step or batch is to run without
// a human watching.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// batchLimits caps how many steps a batch may carry per risk level.
var batchLimits = map[RiskLevel]int{
	RiskLow:    5,
	RiskMedium: 3,
	RiskHigh:   1,
}

// BatchLimit returns the maximum step count for a batch at the given
// risk level. Unknown levels get the high-risk limit.
func BatchLimit(r RiskLevel) int {
	if n, ok := batchLimits[r]; ok {
		return n
	}
	return batchLimits[RiskHigh]
}

// ActionType says what kind of work a step is.
type ActionType string

const (
	// ActionCode changes worktree files through the agent's editing
	// tools.
	ActionCode ActionType = "code"

	// ActionCommand runs a shell command in the worktree.
	ActionCommand ActionType = "command"

	// ActionValidation runs a command whose outcome is checked against
	// the step's expected exit code and output pattern.
	ActionValidation ActionType = "validation"

	// ActionManual is work only a human can perform. The developer
	// raises a judgment blocker instead of executing it.
	ActionManual ActionType = "manual"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionCode, ActionCommand, ActionValidation, ActionManual:
		return true
	}
	return false
}

// Plan is the architect's output: an ordered list of size-bounded step
// batches working toward the goal. ID is assigned by Normalize so
// progress records can be scoped to the plan they belong to.
type Plan struct {
	ID                    string  `json:"id,omitempty"`
	Goal                  string  `json:"goal"`
	Batches               []Batch `json:"batches"`
	TDDApproach           string  `json:"tdd_approach,omitempty"`
	TotalEstimatedMinutes int     `json:"total_estimated_minutes,omitempty"`
}

// Batch groups steps that execute between approval checkpoints.
type Batch struct {
	BatchNumber int       `json:"batch_number"`
	RiskSummary RiskLevel `json:"risk_summary"`
	Description string    `json:"description,omitempty"`
	Steps       []Step    `json:"steps"`
}

// Step is one atomic unit of developer work.
type Step struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	ActionType  ActionType `json:"action_type"`

	FilePath   string `json:"file_path,omitempty"`
	CodeChange string `json:"code_change,omitempty"`

	Command               string   `json:"command,omitempty"`
	Cwd                   string   `json:"cwd,omitempty"`
	FallbackCommands      []string `json:"fallback_commands,omitempty"`
	ExpectExitCode        int      `json:"expect_exit_code"`
	ExpectedOutputPattern string   `json:"expected_output_pattern,omitempty"`

	// TimeoutSeconds bounds this step's execution. Zero uses the
	// pipeline's default step timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	RiskLevel             RiskLevel `json:"risk_level"`
	DependsOn             []string  `json:"depends_on,omitempty"`
	IsTestStep            bool      `json:"is_test_step,omitempty"`
	ValidatesStep         string    `json:"validates_step,omitempty"`
	RequiresHumanJudgment bool      `json:"requires_human_judgment,omitempty"`
}

// Steps returns every step in batch order.
func (p *Plan) Steps() []Step {
	var out []Step
	for _, b := range p.Batches {
		out = append(out, b.Steps...)
	}
	return out
}

// Find returns the step with the given id.
func (p *Plan) Find(id string) (Step, bool) {
	for _, b := range p.Batches {
		for _, st := range b.Steps {
			if st.ID == id {
				return st, true
			}
		}
	}
	return Step{}, false
}

// ParsePlan extracts the plan JSON from agent output. Agents are asked
// for bare JSON but wrap it in prose or a fenced block often enough
// that the parser tries the whole text, then a fence, then the
// outermost brace pair.
func ParsePlan(output string) (*Plan, error) {
	raw, err := extractJSON(output)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if strings.TrimSpace(p.Goal) == "" && len(p.Batches) == 0 {
		return nil, fmt.Errorf("plan: output contains no goal or batches")
	}
	return &p, nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON finds the JSON object inside free-form agent output.
func extractJSON(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") && json.Valid([]byte(s)) {
		return s, nil
	}
	if m := fencedJSON.FindStringSubmatch(s); m != nil && json.Valid([]byte(m[1])) {
		return m[1], nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		if cand := s[start : end+1]; json.Valid([]byte(cand)) {
			return cand, nil
		}
	}
	return "", fmt.Errorf("no JSON object found in output")
}

// Normalize stamps a plan id, fills step risk defaults from the batch,
// and splits oversize batches so none exceeds its risk-bounded maximum.
// Split parts keep their original order and get a "(part i/k)" label;
// batch numbers are reassigned sequentially afterwards.
func (p *Plan) Normalize() {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	out := make([]Batch, 0, len(p.Batches))
	for _, b := range p.Batches {
		if !b.RiskSummary.Valid() {
			b.RiskSummary = riskiest(b.Steps)
		}
		for i := range b.Steps {
			if !b.Steps[i].RiskLevel.Valid() {
				b.Steps[i].RiskLevel = b.RiskSummary
			}
		}
		limit := BatchLimit(b.RiskSummary)
		if len(b.Steps) <= limit {
			out = append(out, b)
			continue
		}
		parts := (len(b.Steps) + limit - 1) / limit
		base := strings.TrimSpace(b.Description)
		if base == "" {
			base = fmt.Sprintf("batch %d", b.BatchNumber)
		}
		for i := 0; i < parts; i++ {
			lo := i * limit
			hi := min(lo+limit, len(b.Steps))
			out = append(out, Batch{
				RiskSummary: b.RiskSummary,
				Description: fmt.Sprintf("%s (part %d/%d)", base, i+1, parts),
				Steps:       b.Steps[lo:hi],
			})
		}
	}
	for i := range out {
		out[i].BatchNumber = i + 1
	}
	p.Batches = out
}

// riskiest returns the highest risk level among the steps, defaulting
// to medium when none declares one.
func riskiest(steps []Step) RiskLevel {
	r := RiskLevel("")
	for _, st := range steps {
		switch st.RiskLevel {
		case RiskHigh:
			return RiskHigh
		case RiskMedium:
			r = RiskMedium
		case RiskLow:
			if r == "" {
				r = RiskLow
			}
		}
	}
	if r == "" {
		return RiskMedium
	}
	return r
}

// PlanError reports why a plan failed validation.
type PlanError struct {
	Problems []string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants the developer relies on:
// step ids unique, dependencies referencing earlier steps only, batch
// sizes within their risk limits, and executable fields consistent
// with each step's action type.
func (p *Plan) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(p.Goal) == "" {
		add("goal is empty")
	}
	if len(p.Batches) == 0 {
		add("plan has no batches")
	}
	seen := make(map[string]bool)
	for _, b := range p.Batches {
		if !b.RiskSummary.Valid() {
			add("batch %d: unknown risk %q", b.BatchNumber, b.RiskSummary)
		}
		if len(b.Steps) == 0 {
			add("batch %d has no steps", b.BatchNumber)
		}
		if limit := BatchLimit(b.RiskSummary); len(b.Steps) > limit {
			add("batch %d: %d steps exceeds the %s limit of %d", b.BatchNumber, len(b.Steps), b.RiskSummary, limit)
		}
		for _, st := range b.Steps {
			if st.ID == "" {
				add("batch %d: step with empty id", b.BatchNumber)
				continue
			}
			if seen[st.ID] {
				add("step %s: duplicate id", st.ID)
			}
			for _, dep := range st.DependsOn {
				if !seen[dep] {
					add("step %s: depends on %q, which is not an earlier step", st.ID, dep)
				}
			}
			if st.ValidatesStep != "" && !seen[st.ValidatesStep] {
				add("step %s: validates %q, which is not an earlier step", st.ID, st.ValidatesStep)
			}
			seen[st.ID] = true
			if !st.ActionType.Valid() {
				add("step %s: unknown action type %q", st.ID, st.ActionType)
			}
			if !st.RiskLevel.Valid() {
				add("step %s: unknown risk %q", st.ID, st.RiskLevel)
			}
			switch st.ActionType {
			case ActionCommand, ActionValidation:
				if strings.TrimSpace(st.Command) == "" {
					add("step %s: %s step has no command", st.ID, st.ActionType)
				}
			}
			if st.ExpectedOutputPattern != "" {
				if _, err := regexp.Compile(st.ExpectedOutputPattern); err != nil {
					add("step %s: bad output pattern: %v", st.ID, err)
				}
			}
		}
	}
	if len(problems) > 0 {
		return &PlanError{Problems: problems}
	}
	return nil
}

// Markdown renders the plan as a human-readable document for the plan
// artifact event.
func (p *Plan) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n", p.Goal)
	if p.TDDApproach != "" {
		fmt.Fprintf(&b, "\nTDD approach: %s\n", p.TDDApproach)
	}
	if p.TotalEstimatedMinutes > 0 {
		fmt.Fprintf(&b, "\nEstimated: %d minutes\n", p.TotalEstimatedMinutes)
	}
	for _, batch := range p.Batches {
		fmt.Fprintf(&b, "\n## Batch %d (%s risk)", batch.BatchNumber, batch.RiskSummary)
		if batch.Description != "" {
			fmt.Fprintf(&b, ": %s", batch.Description)
		}
		b.WriteString("\n")
		for _, st := range batch.Steps {
			fmt.Fprintf(&b, "\n- **%s** (%s, %s risk): %s", st.ID, st.ActionType, st.RiskLevel, st.Description)
			if st.Command != "" {
				fmt.Fprintf(&b, "\n  `%s`", st.Command)
			}
			if len(st.DependsOn) > 0 {
				fmt.Fprintf(&b, "\n  depends on %s", strings.Join(st.DependsOn, ", "))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
