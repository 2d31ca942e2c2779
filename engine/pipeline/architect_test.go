package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ameliahq/amelia/engine"
	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
	"github.com/ameliahq/amelia/engine/prompt"
)

const planJSON = `{
  "goal": "add retry to the fetcher",
  "batches": [
    {
      "batch_number": 1,
      "risk_summary": "low",
      "description": "tests first",
      "steps": [
        {"id": "s1", "description": "write the failing test", "action_type": "code", "risk_level": "low"},
        {"id": "s2", "description": "run the suite", "action_type": "command", "command": "go test ./...", "risk_level": "low", "depends_on": ["s1"]}
      ]
    }
  ]
}`

// pipelineWithPublish wires a capture-everything publish target so node
// tests can assert on artifact events without an engine.
func pipelineWithPublish(t *testing.T, d *scriptDriver, events *[]event.Event) *Pipeline {
	t.Helper()
	reg := driver.NewRegistry()
	if err := reg.Register(d); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	p, err := New(Config{
		Drivers: reg,
		Prompts: prompt.NewBinder(prompt.NewMemStore(Defaults())),
		Publish: func(workflowID string, ev event.Event) event.Event {
			*events = append(*events, ev)
			return ev
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestArchitectDraftsPlan(t *testing.T) {
	d := &scriptDriver{script: func(driver.Request) (driver.Result, error) {
		return driver.Result{
			Output: planJSON,
			Reason: driver.ReasonCompleted,
			Usage:  driver.TokenUsage{InputTokens: 900, OutputTokens: 340},
		}, nil
	}}
	var events []event.Event
	p := pipelineWithPublish(t, d, &events)
	s := devState(engine.TrustStandard, nil)

	res := p.architect(context.Background(), s)
	if res.Err != nil {
		t.Fatalf("architect failed: %v", res.Err)
	}
	plan := res.Delta.Plan
	if plan == nil || plan.ID == "" {
		t.Fatalf("plan = %+v, want a normalized plan with an id", plan)
	}
	if plan.Goal != "add retry to the fetcher" || len(plan.Batches) != 1 || len(plan.Steps()) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	if res.Delta.BatchIndex != 0 {
		t.Fatalf("BatchIndex = %d, a fresh plan starts at the first batch", res.Delta.BatchIndex)
	}
	if res.Delta.NodeVisits[NodeArchitect] != 1 {
		t.Fatalf("visits = %v", res.Delta.NodeVisits)
	}
	if len(res.Delta.Messages) != 1 || res.Delta.Messages[0].Agent != NodeArchitect {
		t.Fatalf("messages = %+v", res.Delta.Messages)
	}
	if res.Delta.PromptBindings[PromptArchitect] == "" {
		t.Fatal("prompt pin not recorded")
	}

	calls := d.calls(NodeArchitect)
	if len(calls) != 1 {
		t.Fatalf("driver calls = %d", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "Issue ISS-1: t") {
		t.Fatalf("prompt missing the issue:\n%s", calls[0].Prompt)
	}

	if len(events) != 1 {
		t.Fatalf("events = %+v, want the plan artifact", events)
	}
	ev := events[0]
	if ev.Type != event.TypeFileCreated || ev.Agent != NodeArchitect {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Data["path"] != "amelia-plan.md" {
		t.Fatalf("artifact path = %v", ev.Data["path"])
	}
	md, _ := ev.Data["markdown"].(string)
	if !strings.Contains(md, "add retry to the fetcher") || !strings.Contains(md, "s2") {
		t.Fatalf("artifact markdown = %q", md)
	}

	if len(res.Delta.TokenUsage) != 1 {
		t.Fatalf("usage = %+v", res.Delta.TokenUsage)
	}
	u := res.Delta.TokenUsage[0]
	if u.WorkflowID != "w1" || u.Agent != NodeArchitect || u.InputTokens != 900 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestArchitectPromptCarriesRejectionContext(t *testing.T) {
	d := &scriptDriver{script: func(driver.Request) (driver.Result, error) {
		return completed(planJSON), nil
	}}
	p := newTestPipeline(t, d)
	s := devState(engine.TrustStandard, nil)
	s.Feedback = "split the migration into its own batch"
	s.ValidationError = "batch 1 has 7 low risk steps, the limit is 5"

	if res := p.architect(context.Background(), s); res.Err != nil {
		t.Fatalf("architect failed: %v", res.Err)
	}
	promptText := d.calls(NodeArchitect)[0].Prompt
	if !strings.Contains(promptText, "split the migration into its own batch") {
		t.Fatalf("prompt missing the human feedback:\n%s", promptText)
	}
	if !strings.Contains(promptText, "batch 1 has 7 low risk steps") {
		t.Fatalf("prompt missing the validation problems:\n%s", promptText)
	}
}

func TestArchitectParseFailureIsNotFatal(t *testing.T) {
	d := &scriptDriver{script: func(driver.Request) (driver.Result, error) {
		return completed("I think we should refactor the fetcher first."), nil
	}}
	var events []event.Event
	p := pipelineWithPublish(t, d, &events)

	res := p.architect(context.Background(), devState(engine.TrustStandard, nil))
	if res.Err != nil {
		t.Fatalf("parse failures retry via the validator, got err %v", res.Err)
	}
	if res.Delta.Plan != nil {
		t.Fatalf("plan = %+v, want none", res.Delta.Plan)
	}
	if res.Delta.ValidationError == "" {
		t.Fatal("validation error not recorded")
	}
	if res.Route != (engine.Next{}) {
		t.Fatalf("route = %+v, want the validator edge", res.Route)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none without a plan", events)
	}
	if res.Delta.NodeVisits[NodeArchitect] != 1 {
		t.Fatal("a parse failure still completes the visit")
	}
}

func TestArchitectDriverFailureIsFatal(t *testing.T) {
	d := &scriptDriver{script: func(driver.Request) (driver.Result, error) {
		return driver.Result{Reason: driver.ReasonError}, errors.New("subprocess exited 127")
	}}
	p := newTestPipeline(t, d)

	res := p.architect(context.Background(), devState(engine.TrustStandard, nil))
	if res.Err == nil || !strings.Contains(res.Err.Error(), "subprocess exited 127") {
		t.Fatalf("err = %v", res.Err)
	}
}
