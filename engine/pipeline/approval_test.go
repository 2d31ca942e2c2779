package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/ameliahq/amelia/engine"
)

func TestHumanApprovalInterruptPayload(t *testing.T) {
	p := newTestPipeline(t, &scriptDriver{})
	s := devState(engine.TrustStandard, singleBatch(commandStep("s1", "make test")))
	s.ValidationError = "batch 1 has no steps"

	res := p.humanApproval(resumes(), s)
	if !errors.Is(res.Err, engine.ErrInterrupted) {
		t.Fatalf("err = %v, want interrupt", res.Err)
	}
	var ie *engine.InterruptError
	errors.As(res.Err, &ie)
	gp, ok := ie.Payload.(GatePayload)
	if !ok {
		t.Fatalf("payload type = %T", ie.Payload)
	}
	if gp.Gate != gatePlan || gp.Goal != "fix the bug" || gp.Batches != 1 {
		t.Fatalf("payload = %+v", gp)
	}
	if !strings.Contains(gp.Warning, "batch 1 has no steps") {
		t.Fatalf("warning = %q, problems must reach the approver", gp.Warning)
	}
	if res.Delta.NodeVisits[NodeHumanApproval] != 0 {
		t.Fatal("an unanswered gate is not a completed visit")
	}
}

func TestHumanApprovalApprove(t *testing.T) {
	p := newTestPipeline(t, &scriptDriver{})
	s := devState(engine.TrustStandard, singleBatch(commandStep("s1", "make test")))

	res := p.humanApproval(resumes(approve()), s)
	if res.Err != nil || res.Route != (engine.Next{}) {
		t.Fatalf("res = %+v, want the developer edge", res)
	}
	if res.Delta.NodeVisits[NodeHumanApproval] != 1 {
		t.Fatalf("visits = %v", res.Delta.NodeVisits)
	}
	if n := len(res.Delta.Approvals); n != 1 {
		t.Fatalf("approvals = %d", n)
	}
	a := res.Delta.Approvals[0]
	if a.Node != NodeHumanApproval || a.Gate != gatePlan || a.Visit != 1 || !a.Approved || a.Auto {
		t.Fatalf("approval = %+v", a)
	}
}

func TestHumanApprovalRejectRoutesToArchitect(t *testing.T) {
	p := newTestPipeline(t, &scriptDriver{})
	s := devState(engine.TrustStandard, singleBatch(commandStep("s1", "make test")))

	res := p.humanApproval(resumes(engine.ResumeCommand{Approved: false, Feedback: "split the risky batch"}), s)
	if res.Route.To != NodeArchitect {
		t.Fatalf("route = %+v", res.Route)
	}
	if res.Delta.Feedback != "split the risky batch" {
		t.Fatalf("feedback = %q", res.Delta.Feedback)
	}
	if res.Delta.NodeVisits[NodeHumanApproval] != 1 {
		t.Fatal("a rejection still completes the visit")
	}
	if a := res.Delta.Approvals[0]; a.Approved || a.Feedback != "split the risky batch" {
		t.Fatalf("approval = %+v", a)
	}
}

func TestHumanApprovalSecondVisitRecordsOwnDecision(t *testing.T) {
	p := newTestPipeline(t, &scriptDriver{})
	s := devState(engine.TrustStandard, singleBatch(commandStep("s1", "make test")))
	s.NodeVisits = map[string]int{NodeHumanApproval: 1}
	s.Approvals = []Approval{{PlanID: s.Plan.ID, Node: NodeHumanApproval, Gate: gatePlan, Visit: 1}}

	res := p.humanApproval(resumes(approve()), s)
	if res.Err != nil {
		t.Fatalf("approval failed: %v", res.Err)
	}
	if a := res.Delta.Approvals[0]; a.Visit != 2 || !a.Approved {
		t.Fatalf("approval = %+v, want a fresh visit 2 record", a)
	}
	if res.Delta.NodeVisits[NodeHumanApproval] != 2 {
		t.Fatalf("visits = %v", res.Delta.NodeVisits)
	}
}

func TestGateTakerSkipsReplayedCommands(t *testing.T) {
	plan := singleBatch(commandStep("s1", "make test"))
	s := devState(engine.TrustParanoid, plan)
	s.Approvals = []Approval{
		{PlanID: plan.ID, Node: NodeDeveloper, Gate: stepGateID("s1"), Visit: 1, Approved: true},
	}
	g := newGateTaker(&s, NodeDeveloper)
	if g.visit != 1 || g.replayed != 1 {
		t.Fatalf("taker = %+v", g)
	}

	ctx := resumes(approve(), approve())
	var delta State

	// First take re-consumes the command the recorded approval already
	// answered.
	if _, err := g.take(ctx, &delta, stepGateID("s1"), GatePayload{}); err != nil {
		t.Fatalf("take 1: %v", err)
	}
	if len(delta.Approvals) != 0 {
		t.Fatalf("replayed command re-recorded: %+v", delta.Approvals)
	}

	// Second take is fresh and must be recorded.
	if _, err := g.take(ctx, &delta, stepGateID("s2"), GatePayload{}); err != nil {
		t.Fatalf("take 2: %v", err)
	}
	if len(delta.Approvals) != 1 || delta.Approvals[0].Gate != stepGateID("s2") {
		t.Fatalf("approvals = %+v", delta.Approvals)
	}
}

func TestGateTakerIgnoresAutoGrantsWhenCountingReplays(t *testing.T) {
	plan := singleBatch(commandStep("s1", "make test"))
	s := devState(engine.TrustAutonomous, plan)
	s.Approvals = []Approval{
		{PlanID: plan.ID, Node: NodeDeveloper, Gate: batchGateID(1), Visit: 1, Approved: true, Auto: true},
	}
	g := newGateTaker(&s, NodeDeveloper)
	if g.replayed != 0 {
		t.Fatalf("replayed = %d, auto grants never consumed a command", g.replayed)
	}
}

func TestApprovedBefore(t *testing.T) {
	plan := singleBatch(commandStep("s1", "make test"))
	s := devState(engine.TrustParanoid, plan)
	s.NodeVisits = map[string]int{NodeDeveloper: 1}
	s.Approvals = []Approval{
		{PlanID: plan.ID, Node: NodeDeveloper, Gate: stepGateID("s1"), Visit: 1, Approved: true},
		{PlanID: plan.ID, Node: NodeDeveloper, Gate: stepGateID("s2"), Visit: 2, Approved: true},
		{PlanID: plan.ID, Node: NodeDeveloper, Gate: stepGateID("s3"), Visit: 1, Approved: false},
		{PlanID: "other", Node: NodeDeveloper, Gate: stepGateID("s4"), Visit: 1, Approved: true},
	}
	g := newGateTaker(&s, NodeDeveloper) // visit 2

	cases := []struct {
		name string
		gate string
		want bool
	}{
		{"earlier visit", stepGateID("s1"), true},
		{"same visit", stepGateID("s2"), false},
		{"rejected", stepGateID("s3"), false},
		{"other plan", stepGateID("s4"), false},
		{"never asked", stepGateID("s5"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := approvedBefore(&s, g, tc.gate); got != tc.want {
				t.Fatalf("approvedBefore(%s) = %v, want %v", tc.gate, got, tc.want)
			}
		})
	}
}
