package pipeline

import (
	"errors"
	"strings"
	"testing"
)

func TestParsePlan(t *testing.T) {
	bare := `{"goal": "fix login", "batches": [{"batch_number": 1, "risk_summary": "low", "steps": [{"id": "s1", "description": "edit", "action_type": "code", "risk_level": "low"}]}]}`

	cases := []struct {
		name   string
		output string
		goal   string
		ok     bool
	}{
		{"bare json", bare, "fix login", true},
		{"fenced", "Here is the plan:\n```json\n" + bare + "\n```\nDone.", "fix login", true},
		{"unlabelled fence", "```\n" + bare + "\n```", "fix login", true},
		{"prose wrapped", "I suggest the following.\n" + bare + "\nLet me know.", "fix login", true},
		{"no json", "I could not produce a plan.", "", false},
		{"broken json", `{"goal": "x", "batches": [`, "", false},
		{"empty object", `{}`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ParsePlan(tc.output)
			if tc.ok {
				if err != nil {
					t.Fatalf("ParsePlan failed: %v", err)
				}
				if p.Goal != tc.goal {
					t.Fatalf("goal = %q, want %q", p.Goal, tc.goal)
				}
				return
			}
			if err == nil {
				t.Fatalf("ParsePlan succeeded with goal %q, want error", p.Goal)
			}
		})
	}
}

func steps(ids ...string) []Step {
	out := make([]Step, len(ids))
	for i, id := range ids {
		out[i] = Step{ID: id, Description: "step " + id, ActionType: ActionCode, RiskLevel: RiskLow}
	}
	return out
}

func TestPlanNormalizeSplitsOversizeBatches(t *testing.T) {
	p := &Plan{
		Goal: "g",
		Batches: []Batch{
			{BatchNumber: 1, RiskSummary: RiskLow, Description: "setup", Steps: steps("a", "b", "c", "d", "e", "f", "g")},
			{BatchNumber: 2, RiskSummary: RiskHigh, Steps: steps("h", "i", "j")},
		},
	}
	p.Normalize()

	if p.ID == "" {
		t.Fatal("Normalize did not assign a plan id")
	}
	if len(p.Batches) != 5 {
		t.Fatalf("batches = %d, want 5", len(p.Batches))
	}
	wantSizes := []int{5, 2, 1, 1, 1}
	for i, b := range p.Batches {
		if b.BatchNumber != i+1 {
			t.Fatalf("batch %d numbered %d", i, b.BatchNumber)
		}
		if len(b.Steps) != wantSizes[i] {
			t.Fatalf("batch %d has %d steps, want %d", b.BatchNumber, len(b.Steps), wantSizes[i])
		}
	}
	if got := p.Batches[0].Description; got != "setup (part 1/2)" {
		t.Fatalf("part label = %q", got)
	}
	if got := p.Batches[2].Description; got != "batch 2 (part 1/3)" {
		t.Fatalf("unnamed batch label = %q", got)
	}

	var order []string
	for _, st := range p.Steps() {
		order = append(order, st.ID)
	}
	if got := strings.Join(order, ""); got != "abcdefghij" {
		t.Fatalf("step order after split = %q", got)
	}
}

func TestPlanNormalizeFillsRiskDefaults(t *testing.T) {
	p := &Plan{Goal: "g", Batches: []Batch{{
		BatchNumber: 1,
		Steps: []Step{
			{ID: "a", Description: "d", ActionType: ActionCode, RiskLevel: RiskHigh},
			{ID: "b", Description: "d", ActionType: ActionCode},
		},
	}}}
	p.Normalize()

	if got := p.Batches[0].RiskSummary; got != RiskHigh {
		t.Fatalf("batch risk = %q, want high (riskiest step)", got)
	}
	// Splitting follows the derived high-risk limit of 1.
	if len(p.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(p.Batches))
	}
	if got := p.Batches[1].Steps[0].RiskLevel; got != RiskHigh {
		t.Fatalf("step b risk = %q, want inherited high", got)
	}
}

func TestPlanValidate(t *testing.T) {
	valid := func() *Plan {
		return &Plan{Goal: "g", Batches: []Batch{{
			BatchNumber: 1,
			RiskSummary: RiskLow,
			Steps: []Step{
				{ID: "s1", Description: "d", ActionType: ActionCommand, Command: "make test", RiskLevel: RiskLow},
				{ID: "s2", Description: "d", ActionType: ActionValidation, Command: "make vet", RiskLevel: RiskLow, DependsOn: []string{"s1"}, ValidatesStep: "s1"},
			},
		}}}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	cases := []struct {
		name  string
		mut   func(*Plan)
		wants string
	}{
		{"empty goal", func(p *Plan) { p.Goal = " " }, "goal is empty"},
		{"no batches", func(p *Plan) { p.Batches = nil }, "no batches"},
		{"duplicate id", func(p *Plan) { p.Batches[0].Steps[1].ID = "s1" }, "duplicate id"},
		{"forward dependency", func(p *Plan) { p.Batches[0].Steps[0].DependsOn = []string{"s2"} }, "not an earlier step"},
		{"self dependency", func(p *Plan) { p.Batches[0].Steps[0].DependsOn = []string{"s1"} }, "not an earlier step"},
		{"forward validates", func(p *Plan) { p.Batches[0].Steps[0].ValidatesStep = "s2" }, "not an earlier step"},
		{"unknown action", func(p *Plan) { p.Batches[0].Steps[0].ActionType = "deploy" }, "unknown action type"},
		{"unknown risk", func(p *Plan) { p.Batches[0].Steps[0].RiskLevel = "scary" }, "unknown risk"},
		{"command without command", func(p *Plan) { p.Batches[0].Steps[0].Command = "" }, "has no command"},
		{"bad pattern", func(p *Plan) { p.Batches[0].Steps[1].ExpectedOutputPattern = "(" }, "bad output pattern"},
		{"oversize batch", func(p *Plan) {
			p.Batches[0].RiskSummary = RiskHigh
			p.Batches[0].Steps[0].RiskLevel = RiskHigh
			p.Batches[0].Steps[1].RiskLevel = RiskHigh
		}, "exceeds the high limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid()
			tc.mut(p)
			err := p.Validate()
			if err == nil {
				t.Fatal("Validate passed, want error")
			}
			var perr *PlanError
			if !errors.As(err, &perr) {
				t.Fatalf("error type %T, want *PlanError", err)
			}
			if !strings.Contains(err.Error(), tc.wants) {
				t.Fatalf("error %q does not mention %q", err, tc.wants)
			}
		})
	}
}

func TestDependents(t *testing.T) {
	p := &Plan{Goal: "g", Batches: []Batch{{
		BatchNumber: 1,
		RiskSummary: RiskLow,
		Steps: []Step{
			{ID: "a", ActionType: ActionCode, RiskLevel: RiskLow},
			{ID: "b", ActionType: ActionCode, RiskLevel: RiskLow, DependsOn: []string{"a"}},
			{ID: "c", ActionType: ActionCode, RiskLevel: RiskLow, DependsOn: []string{"b"}},
			{ID: "d", ActionType: ActionCode, RiskLevel: RiskLow},
			{ID: "e", ActionType: ActionCode, RiskLevel: RiskLow, DependsOn: []string{"d", "c"}},
		},
	}}}

	got := strings.Join(dependents(p, "a"), ",")
	if got != "b,c,e" {
		t.Fatalf("dependents(a) = %q, want b,c,e", got)
	}
	if ds := dependents(p, "d"); len(ds) != 1 || ds[0] != "e" {
		t.Fatalf("dependents(d) = %v, want [e]", ds)
	}
	if ds := dependents(p, "e"); len(ds) != 0 {
		t.Fatalf("dependents(e) = %v, want none", ds)
	}
}

func TestBatchLimitUnknownRiskIsConservative(t *testing.T) {
	if got := BatchLimit("weird"); got != 1 {
		t.Fatalf("BatchLimit(weird) = %d, want 1", got)
	}
}
