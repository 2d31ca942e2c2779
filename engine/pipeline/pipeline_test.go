package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ameliahq/amelia/engine"
	"github.com/ameliahq/amelia/engine/checkpoint"
	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
	"github.com/ameliahq/amelia/engine/prompt"
	"github.com/ameliahq/amelia/engine/tracker"
)

func testIssue() tracker.Issue {
	return tracker.Issue{
		ID:    "ISS-1",
		Title: "fetcher drops transient failures",
		Body:  "Retry transient fetch failures with backoff instead of surfacing them.",
	}
}

// startEngine runs an engine over the pipeline for the duration of the
// test.
func startEngine(t *testing.T, p *Pipeline, opts ...engine.Option) *engine.Engine[State] {
	t.Helper()
	base := []engine.Option{engine.WithTrackers(tracker.NewMemTracker(testIssue()))}
	eng, err := p.Engine(append(base, opts...)...)
	if err != nil {
		t.Fatalf("Engine failed: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func submitIssue(t *testing.T, eng *engine.Engine[State], worktree string, trust engine.TrustLevel) string {
	t.Helper()
	w, err := eng.Submit(context.Background(), engine.SubmitRequest{
		IssueID:  "ISS-1",
		Worktree: worktree,
		Trust:    trust,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return w.ID
}

func waitStatus(t *testing.T, eng *engine.Engine[State], id string, want engine.Status) *engine.Workflow {
	t.Helper()
	var last engine.Status
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w, err := eng.Workflow(context.Background(), id)
		if err != nil {
			t.Fatalf("Workflow(%s) failed: %v", id, err)
		}
		if w.Status == want {
			return w
		}
		last = w.Status
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("workflow %s stuck in %q, want %q", id, last, want)
	return nil
}

func logEvents(t *testing.T, eng *engine.Engine[State], id string) []event.Event {
	t.Helper()
	evs, err := eng.Log(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	return evs
}

func countEvents(t *testing.T, eng *engine.Engine[State], id string, typ event.Type) int {
	t.Helper()
	n := 0
	for _, ev := range logEvents(t, eng, id) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// countAgentEvents counts events of one type attributed to one agent,
// which for stage events is the node id.
func countAgentEvents(t *testing.T, eng *engine.Engine[State], id string, typ event.Type, agent string) int {
	t.Helper()
	n := 0
	for _, ev := range logEvents(t, eng, id) {
		if ev.Type == typ && ev.Agent == agent {
			n++
		}
	}
	return n
}

// waitEventCount waits until the workflow log holds exactly want events
// of the given type. Status writes land just before their events, so
// assertions made right after a status change must wait for the event.
func waitEventCount(t *testing.T, eng *engine.Engine[State], id string, typ event.Type, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n := countEvents(t, eng, id, typ)
		if n == want {
			return
		}
		if n > want || time.Now().After(deadline) {
			t.Fatalf("%s count = %d, want %d", typ, n, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func lastEventOf(t *testing.T, eng *engine.Engine[State], id string, typ event.Type) event.Event {
	t.Helper()
	evs := logEvents(t, eng, id)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return evs[i]
		}
	}
	t.Fatalf("no %s event in log", typ)
	return event.Event{}
}

// gatePayloadOf extracts the gate payload from a pause announcement.
func gatePayloadOf(t *testing.T, ev event.Event) GatePayload {
	t.Helper()
	gp, ok := ev.Data["payload"].(GatePayload)
	if !ok {
		t.Fatalf("event payload = %#v, want a GatePayload", ev.Data["payload"])
	}
	return gp
}

// scriptFor answers every agent in the graph: the architect emits the
// given plan, the reviewer approves, and the developer completes steps,
// failing the listed ones.
func scriptFor(plan string, failSteps ...string) func(driver.Request) (driver.Result, error) {
	return func(req driver.Request) (driver.Result, error) {
		switch req.Agent {
		case NodeArchitect:
			return completed(plan), nil
		case NodeReviewer:
			return completed(`{"status": "approved", "summary": "matches the plan"}`), nil
		default:
			for _, id := range failSteps {
				if strings.Contains(req.Prompt, "Step "+id+":") {
					return failedExit(1), nil
				}
			}
			return completed("done"), nil
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	reg := driver.NewRegistry()
	binder := prompt.NewBinder(prompt.NewMemStore(Defaults()))
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no drivers", Config{Prompts: binder}, "driver registry"},
		{"no prompts", Config{Drivers: reg}, "prompt binder"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("New error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestPipelineGraphStartsAtArchitect(t *testing.T) {
	p := newTestPipeline(t, &scriptDriver{})
	if got := p.Graph().Entry(); got != NodeArchitect {
		t.Fatalf("entry = %q, want %q", got, NodeArchitect)
	}
}

func TestPipelineRunsIssueToCompletion(t *testing.T) {
	d := &scriptDriver{
		script: scriptFor(planJSON),
		report: driver.TokenUsage{Model: "claude-sonnet-4", InputTokens: 100, OutputTokens: 40},
	}
	p := newTestPipeline(t, d)
	eng := startEngine(t, p)
	id := submitIssue(t, eng, t.TempDir(), "")

	waitStatus(t, eng, id, engine.StatusBlocked)
	waitEventCount(t, eng, id, event.TypeApprovalRequired, 1)

	w, err := eng.Workflow(context.Background(), id)
	if err != nil {
		t.Fatalf("Workflow failed: %v", err)
	}
	if len(w.PlanCache) == 0 {
		t.Fatal("blocked workflow has no plan cache")
	}
	gate := lastEventOf(t, eng, id, event.TypeApprovalRequired)
	if gate.Data["node"] != NodeHumanApproval {
		t.Fatalf("gate node = %v, want %q", gate.Data["node"], NodeHumanApproval)
	}

	if err := eng.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitStatus(t, eng, id, engine.StatusCompleted)
	waitEventCount(t, eng, id, event.TypeWorkflowCompleted, 1)

	if got := countEvents(t, eng, id, event.TypeApprovalRequired); got != 1 {
		t.Fatalf("approval_required count = %d, want 1", got)
	}
	if got := countAgentEvents(t, eng, id, event.TypeStageStarted, NodeDeveloper); got != 1 {
		t.Fatalf("developer stage starts = %d, want 1", got)
	}
	if got := countEvents(t, eng, id, event.TypeFileCreated); got != 1 {
		t.Fatalf("file_created count = %d, want the plan artifact", got)
	}

	s, err := eng.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if s.Plan == nil || s.BatchIndex != 1 {
		t.Fatalf("plan = %v, BatchIndex = %d", s.Plan, s.BatchIndex)
	}
	if got := len(s.StepResults); got != 2 {
		t.Fatalf("step results = %d, want 2", got)
	}
	for _, r := range s.StepResults {
		if r.Status != StepCompleted {
			t.Fatalf("step %s = %q, want completed", r.StepID, r.Status)
		}
	}
	if len(s.Approvals) != 1 || s.Approvals[0].Gate != gatePlan || !s.Approvals[0].Approved || s.Approvals[0].Auto {
		t.Fatalf("approvals = %+v, want one human plan approval", s.Approvals)
	}
	if s.Review == nil || s.Review.Status != ReviewApproved {
		t.Fatalf("review = %+v, want approved", s.Review)
	}
	if s.NodeVisits[NodeReviewer] != 1 || s.NodeVisits[NodeDeveloper] != 1 {
		t.Fatalf("visits = %v", s.NodeVisits)
	}

	// One sink report per invocation: architect, two steps, reviewer.
	cost, err := eng.Cost(context.Background(), id)
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost.Calls != 4 || cost.InputTokens != 400 || cost.OutputTokens != 160 {
		t.Fatalf("cost = %+v, want 4 calls at 100/40 tokens", cost)
	}
}

func TestPipelineRejectionReplans(t *testing.T) {
	d := &scriptDriver{script: scriptFor(planJSON)}
	p := newTestPipeline(t, d)
	eng := startEngine(t, p)
	id := submitIssue(t, eng, t.TempDir(), "")

	waitStatus(t, eng, id, engine.StatusBlocked)
	waitEventCount(t, eng, id, event.TypeApprovalRequired, 1)
	if err := eng.Reject(context.Background(), id, "split the schema change into its own batch"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	// The rejection loops back through the architect to a fresh gate.
	waitEventCount(t, eng, id, event.TypeApprovalRequired, 2)
	arch := d.calls(NodeArchitect)
	if len(arch) != 2 {
		t.Fatalf("architect calls = %d, want 2", len(arch))
	}
	if !strings.Contains(arch[1].Prompt, "split the schema change") {
		t.Fatal("replan prompt does not carry the rejection feedback")
	}

	if err := eng.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitStatus(t, eng, id, engine.StatusCompleted)

	if got := countEvents(t, eng, id, event.TypeApprovalRejected); got != 1 {
		t.Fatalf("approval_rejected count = %d, want 1", got)
	}
	if got := countEvents(t, eng, id, event.TypeFileCreated); got != 2 {
		t.Fatalf("file_created count = %d, want one artifact per draft", got)
	}

	s, err := eng.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(s.Approvals) != 2 {
		t.Fatalf("approvals = %+v, want the rejection and the approval", s.Approvals)
	}
	if s.Approvals[0].Approved || s.Approvals[0].Visit != 1 || s.Approvals[0].Feedback == "" {
		t.Fatalf("first decision = %+v, want a visit 1 rejection with feedback", s.Approvals[0])
	}
	if !s.Approvals[1].Approved || s.Approvals[1].Visit != 2 {
		t.Fatalf("second decision = %+v, want a visit 2 approval", s.Approvals[1])
	}
	if s.NodeVisits[NodeArchitect] != 2 || s.NodeVisits[NodeHumanApproval] != 2 || s.NodeVisits[NodeDeveloper] != 1 {
		t.Fatalf("visits = %v", s.NodeVisits)
	}
}

const blockerPlanJSON = `{
  "goal": "stabilize the integration suite",
  "batches": [
    {
      "batch_number": 1,
      "risk_summary": "medium",
      "steps": [
        {"id": "s1", "description": "run the flaky suite", "action_type": "command", "command": "make integration", "risk_level": "medium"},
        {"id": "s2", "description": "record the passing seed", "action_type": "code", "risk_level": "low", "depends_on": ["s1"]},
        {"id": "s3", "description": "tidy the test helpers", "action_type": "code", "risk_level": "low"}
      ]
    }
  ]
}`

func TestPipelineBlockerSkipCascades(t *testing.T) {
	d := &scriptDriver{script: scriptFor(blockerPlanJSON, "s1")}
	p := newTestPipeline(t, d)
	eng := startEngine(t, p)
	id := submitIssue(t, eng, t.TempDir(), "")

	waitStatus(t, eng, id, engine.StatusBlocked)
	waitEventCount(t, eng, id, event.TypeApprovalRequired, 1)
	if err := eng.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	// The failing step raises a blocker and the workflow pauses at the
	// resolution gate with the blocker on the announcement.
	waitEventCount(t, eng, id, event.TypeApprovalRequired, 2)
	gate := lastEventOf(t, eng, id, event.TypeApprovalRequired)
	if gate.Data["node"] != NodeBlockerResolution {
		t.Fatalf("gate node = %v, want %q", gate.Data["node"], NodeBlockerResolution)
	}
	gp := gatePayloadOf(t, gate)
	if gp.Gate != "blocker:s1:1" || gp.Blocker == nil || gp.Blocker.Type != BlockerCommandFailed {
		t.Fatalf("gate payload = %+v, want the s1 command failure", gp)
	}

	if err := eng.Approve(context.Background(), id, Resolution{Action: ResolveSkip}); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitStatus(t, eng, id, engine.StatusCompleted)

	s, err := eng.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	none := State{}
	out, ok := stepOutcome(&s, &none, "s1")
	if !ok || out.Status != StepSkipped || out.Attempt != 1 || !strings.Contains(out.Error, "skipped by operator") {
		t.Fatalf("s1 outcome = %+v", out)
	}
	out, ok = stepOutcome(&s, &none, "s2")
	if !ok || out.Status != StepSkipped || out.Attempt != 0 || !strings.Contains(out.Error, "dependency s1 was skipped") {
		t.Fatalf("s2 outcome = %+v", out)
	}
	out, ok = stepOutcome(&s, &none, "s3")
	if !ok || out.Status != StepCompleted {
		t.Fatalf("s3 outcome = %+v", out)
	}
	if s.Blocker == nil || s.Blocker.Resolution == nil || s.Blocker.Resolution.Action != ResolveSkip {
		t.Fatalf("blocker = %+v, want resolved by skip", s.Blocker)
	}
	if len(s.BatchResults) != 1 || len(s.BatchResults[0].Completed) != 1 || len(s.BatchResults[0].Skipped) != 2 {
		t.Fatalf("batch results = %+v", s.BatchResults)
	}

	// The skipped dependent was never handed to the driver.
	if d.stepCalls("s1") != 1 || d.stepCalls("s2") != 0 || d.stepCalls("s3") != 1 {
		t.Fatalf("step calls = s1:%d s2:%d s3:%d", d.stepCalls("s1"), d.stepCalls("s2"), d.stepCalls("s3"))
	}
}

func TestPipelineResumesAcrossRestart(t *testing.T) {
	st := engine.NewMemStore()
	cps := checkpoint.NewMemStore()
	d := &scriptDriver{script: scriptFor(planJSON)}
	reg := driver.NewRegistry()
	if err := reg.Register(d); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	binder := prompt.NewBinder(prompt.NewMemStore(Defaults()))
	shared := []engine.Option{engine.WithStore(st), engine.WithCheckpoints(cps)}

	p1, err := New(Config{Drivers: reg, Prompts: binder})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e1 := startEngine(t, p1, shared...)
	id := submitIssue(t, e1, t.TempDir(), engine.TrustParanoid)

	waitStatus(t, e1, id, engine.StatusBlocked)
	waitEventCount(t, e1, id, event.TypeApprovalRequired, 1)
	if err := e1.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	// Paranoid trust pauses again after the first completed step.
	waitEventCount(t, e1, id, event.TypeApprovalRequired, 2)
	gp := gatePayloadOf(t, lastEventOf(t, e1, id, event.TypeApprovalRequired))
	if gp.Gate != "step:s1" || gp.StepID != "s1" {
		t.Fatalf("gate payload = %+v, want the s1 step gate", gp)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A new engine over the same stores leaves the workflow waiting for
	// its resume.
	p2, err := New(Config{Drivers: reg, Prompts: binder})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e2 := startEngine(t, p2, shared...)
	w, err := e2.Workflow(context.Background(), id)
	if err != nil {
		t.Fatalf("Workflow failed: %v", err)
	}
	if w.Status != engine.StatusBlocked {
		t.Fatalf("status after restart = %q, want blocked", w.Status)
	}

	if err := e2.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitEventCount(t, e2, id, event.TypeApprovalRequired, 3)
	gp = gatePayloadOf(t, lastEventOf(t, e2, id, event.TypeApprovalRequired))
	if gp.Gate != "step:s2" {
		t.Fatalf("gate payload = %+v, want the s2 step gate", gp)
	}
	if err := e2.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitStatus(t, e2, id, engine.StatusCompleted)

	// No agent work repeated across the restart.
	if got := len(d.calls(NodeArchitect)); got != 1 {
		t.Fatalf("architect calls = %d, want 1", got)
	}
	if d.stepCalls("s1") != 1 || d.stepCalls("s2") != 1 {
		t.Fatalf("step calls = s1:%d s2:%d, want one each", d.stepCalls("s1"), d.stepCalls("s2"))
	}

	s, err := e2.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(s.Approvals) != 3 {
		t.Fatalf("approvals = %+v, want plan and both step gates", s.Approvals)
	}
	for _, a := range s.Approvals {
		if !a.Approved || a.Auto {
			t.Fatalf("approval = %+v, want a human grant", a)
		}
	}
	if s.NodeVisits[NodeDeveloper] != 1 || s.BatchIndex != 1 {
		t.Fatalf("visits = %v, BatchIndex = %d", s.NodeVisits, s.BatchIndex)
	}
}
