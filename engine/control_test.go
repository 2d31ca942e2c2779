package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ameliahq/amelia/engine/event"
)

func TestCancelRunning(t *testing.T) {
	g := newGates()
	graph := buildGraph(t).
		add("work", g.node("work")).
		startAt("work").
		graph()
	e := newTestEngine(t, graph)
	id := submit(t, e, "/work/cancel-running")

	waitStatus(t, e, id, StatusInProgress)
	if err := e.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	w := waitStatus(t, e, id, StatusCancelled)
	if w.CompletedAt.IsZero() {
		t.Error("CompletedAt not set on cancelled workflow")
	}
	waitEventCount(t, e, id, event.TypeWorkflowCancelled, 1)

	want := []event.Type{
		event.TypeWorkflowStarted,
		event.TypeStageStarted,
		event.TypeWorkflowCancelled,
	}
	got := logTypes(t, e, id)
	if len(got) != len(want) {
		t.Fatalf("event log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event log = %v, want %v", got, want)
		}
	}

	// Progress was persisted before finalizing so a replan can pick up
	// from the interrupted node.
	history, err := e.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history[0].NextNodes) != 1 || history[0].NextNodes[0] != "work" {
		t.Errorf("latest checkpoint NextNodes = %v, want [work]", history[0].NextNodes)
	}

	// Cancellation releases the worktree.
	again := submit(t, e, "/work/cancel-running")
	waitStatus(t, e, again, StatusInProgress)
	g.open(again)
	waitStatus(t, e, again, StatusCompleted)
}

func TestCancelPending(t *testing.T) {
	g := newGates()
	graph := buildGraph(t).
		add("work", g.node("work")).
		startAt("work").
		graph()
	e := newTestEngine(t, graph, WithConfig(Config{MaxConcurrent: 1}))

	filler := submit(t, e, "/work/filler")
	waitStatus(t, e, filler, StatusInProgress)

	victim := submit(t, e, "/work/victim")
	if err := e.Cancel(context.Background(), victim); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitStatus(t, e, victim, StatusCancelled)
	waitEventCount(t, e, victim, event.TypeWorkflowCancelled, 1)

	// Never admitted: no workflow_started, no stages, just the
	// cancellation.
	if got := logTypes(t, e, victim); len(got) != 1 || got[0] != event.TypeWorkflowCancelled {
		t.Fatalf("event log = %v, want [workflow_cancelled]", got)
	}

	// Freeing the slot must not revive the cancelled workflow.
	g.open(filler)
	waitStatus(t, e, filler, StatusCompleted)
	w := waitStatus(t, e, victim, StatusCancelled)
	if !w.StartedAt.IsZero() {
		t.Error("cancelled pending workflow was activated")
	}
	if got := logTypes(t, e, victim); len(got) != 1 {
		t.Fatalf("event log grew after cancellation: %v", got)
	}
}

func TestCancelBlocked(t *testing.T) {
	e := newTestEngine(t, approvalGraph(t))
	id := submit(t, e, "/work/cancel-blocked")

	waitStatus(t, e, id, StatusBlocked)
	if err := e.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	w := waitStatus(t, e, id, StatusCancelled)
	if w.CompletedAt.IsZero() {
		t.Error("CompletedAt not set on cancelled workflow")
	}
	waitEventCount(t, e, id, event.TypeWorkflowCancelled, 1)
	if n := countEvents(t, e, id, event.TypeApprovalGranted); n != 0 {
		t.Errorf("approval_granted count = %d, want 0", n)
	}

	// The gate's worktree is free again.
	again := submit(t, e, "/work/cancel-blocked")
	waitStatus(t, e, again, StatusBlocked)
}

func TestLifecycleNotApplicable(t *testing.T) {
	g := newGates()
	graph := buildGraph(t).
		add("work", g.node("work")).
		startAt("work").
		graph()
	e := newTestEngine(t, graph)
	ctx := context.Background()
	id := submit(t, e, "/work/lifecycle")
	waitStatus(t, e, id, StatusInProgress)

	assertNotApplicable := func(t *testing.T, err error, op string, status Status) {
		t.Helper()
		if !errors.Is(err, ErrNotApplicable) {
			t.Fatalf("err = %v, want ErrNotApplicable", err)
		}
		var na *NotApplicableError
		if !errors.As(err, &na) {
			t.Fatalf("err = %v, want *NotApplicableError", err)
		}
		if na.Op != op || na.Status != status || na.WorkflowID != id {
			t.Errorf("NotApplicableError = %+v, want op %q status %q", na, op, status)
		}
	}

	t.Run("approve while running", func(t *testing.T) {
		assertNotApplicable(t, e.Approve(ctx, id, nil), "approve", StatusInProgress)
	})

	t.Run("reject while running", func(t *testing.T) {
		assertNotApplicable(t, e.Reject(ctx, id, "nope"), "reject", StatusInProgress)
	})

	t.Run("replan while running", func(t *testing.T) {
		assertNotApplicable(t, e.Replan(ctx, id), "replan", StatusInProgress)
	})

	t.Run("update state while running", func(t *testing.T) {
		assertNotApplicable(t, e.UpdateState(ctx, id, testState{Feedback: "x"}), "update_state", StatusInProgress)
	})

	g.open(id)
	waitStatus(t, e, id, StatusCompleted)

	t.Run("approve completed", func(t *testing.T) {
		assertNotApplicable(t, e.Approve(ctx, id, nil), "approve", StatusCompleted)
	})

	t.Run("cancel completed", func(t *testing.T) {
		assertNotApplicable(t, e.Cancel(ctx, id), "cancel", StatusCompleted)
	})

	t.Run("cancel cancelled", func(t *testing.T) {
		other := submit(t, e, "/work/lifecycle-other")
		waitStatus(t, e, other, StatusInProgress)
		if err := e.Cancel(ctx, other); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		waitStatus(t, e, other, StatusCancelled)
		err := e.Cancel(ctx, other)
		if !errors.Is(err, ErrNotApplicable) {
			t.Fatalf("second Cancel = %v, want ErrNotApplicable", err)
		}
	})

	t.Run("unknown workflow", func(t *testing.T) {
		if err := e.Approve(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("Approve = %v, want ErrNotFound", err)
		}
		if err := e.Cancel(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Cancel = %v, want ErrNotFound", err)
		}
		if err := e.Replan(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Replan = %v, want ErrNotFound", err)
		}
		if err := e.UpdateState(ctx, "nope", testState{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateState = %v, want ErrNotFound", err)
		}
		if _, err := e.Snapshot(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Snapshot = %v, want ErrNotFound", err)
		}
		if _, err := e.Workflow(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Workflow = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateState(t *testing.T) {
	e := newTestEngine(t, approvalGraph(t))
	id := submit(t, e, "/work/steer")

	waitStatus(t, e, id, StatusBlocked)
	before, err := e.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	patch := testState{Feedback: "focus on the migration first"}
	if err := e.UpdateState(context.Background(), id, patch); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	state, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if state.Feedback != patch.Feedback {
		t.Errorf("Feedback = %q, want the patch applied", state.Feedback)
	}
	if len(state.Steps) != 1 || state.Steps[0] != "plan" {
		t.Errorf("Steps = %v, patch clobbered unrelated fields", state.Steps)
	}

	// The edit is a new checkpoint, not a rewrite of an old one.
	after, err := e.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Errorf("len(history) = %d, want %d", len(after), len(before)+1)
	}

	// The edited state is what the resumed node runs on.
	if err := e.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitStatus(t, e, id, StatusCompleted)
	state, err = e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if state.Feedback != patch.Feedback {
		t.Errorf("Feedback = %q, edit lost across resume", state.Feedback)
	}
	if state.Approvals != 1 {
		t.Errorf("Approvals = %d, want 1", state.Approvals)
	}
}

func TestReplanBlocked(t *testing.T) {
	e := newTestEngine(t, approvalGraph(t))
	id := submit(t, e, "/work/replan")

	waitStatus(t, e, id, StatusBlocked)
	waitEventCount(t, e, id, event.TypeApprovalRequired, 1)

	if err := e.Replan(context.Background(), id); err != nil {
		t.Fatalf("Replan failed: %v", err)
	}

	// The pipeline re-runs from the entry on the merged state and pauses
	// at the gate again.
	waitEventCount(t, e, id, event.TypeApprovalRequired, 2)
	waitStatus(t, e, id, StatusBlocked)
	state, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	wantSteps := []string{"plan", "plan"}
	if len(state.Steps) != len(wantSteps) || state.Steps[0] != "plan" || state.Steps[1] != "plan" {
		t.Fatalf("Steps = %v, want %v", state.Steps, wantSteps)
	}

	if err := e.Approve(context.Background(), id, nil); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitStatus(t, e, id, StatusCompleted)

	state, err = e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	want := []string{"plan", "plan", "approval", "work"}
	if len(state.Steps) != len(want) {
		t.Fatalf("Steps = %v, want %v", state.Steps, want)
	}
	for i := range want {
		if state.Steps[i] != want[i] {
			t.Fatalf("Steps = %v, want %v", state.Steps, want)
		}
	}

	// Rewinding is not a fresh activation.
	if n := countEvents(t, e, id, event.TypeWorkflowStarted); n != 1 {
		t.Errorf("workflow_started count = %d, want 1", n)
	}
}

func TestReplanFailed(t *testing.T) {
	boom := errors.New("boom")
	var attempts int
	var mu sync.Mutex
	flaky := func(ctx context.Context, s testState) NodeResult[testState] {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()
		if first {
			return NodeResult[testState]{Err: boom}
		}
		return NodeResult[testState]{Delta: testState{Steps: []string{"flaky"}}, Route: Stop()}
	}
	graph := buildGraph(t).
		add("plan", stepNode("plan")).
		add("flaky", NodeFunc[testState](flaky)).
		startAt("plan").
		connect("plan", "flaky", nil).
		graph()
	e := newTestEngine(t, graph)
	id := submit(t, e, "/work/retry")

	w := waitStatus(t, e, id, StatusFailed)
	if w.FailureReason == "" {
		t.Fatal("FailureReason empty on failed workflow")
	}

	if err := e.Replan(context.Background(), id); err != nil {
		t.Fatalf("Replan failed: %v", err)
	}
	w = waitStatus(t, e, id, StatusCompleted)
	if w.FailureReason != "" {
		t.Errorf("FailureReason = %q, want cleared after successful replan", w.FailureReason)
	}
	if w.CompletedAt.IsZero() {
		t.Error("CompletedAt not set after replan")
	}

	state, err := e.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	want := []string{"plan", "plan", "flaky"}
	if len(state.Steps) != len(want) {
		t.Fatalf("Steps = %v, want %v", state.Steps, want)
	}
	for i := range want {
		if state.Steps[i] != want[i] {
			t.Fatalf("Steps = %v, want %v", state.Steps, want)
		}
	}

	if n := countEvents(t, e, id, event.TypeWorkflowFailed); n != 1 {
		t.Errorf("workflow_failed count = %d, want 1", n)
	}
	if n := countEvents(t, e, id, event.TypeWorkflowCompleted); n != 1 {
		t.Errorf("workflow_completed count = %d, want 1", n)
	}
}

func TestReplanFailedWorktreeStolen(t *testing.T) {
	g := newGates()
	var fail sync.Map
	work := func(ctx context.Context, s testState) NodeResult[testState] {
		select {
		case <-g.channel(s.WorkflowID):
		case <-ctx.Done():
			return NodeResult[testState]{Err: ctx.Err()}
		}
		if v, ok := fail.Load(s.WorkflowID); ok && v.(bool) {
			return NodeResult[testState]{Err: errors.New("boom")}
		}
		return NodeResult[testState]{Route: Stop()}
	}
	graph := buildGraph(t).
		add("work", NodeFunc[testState](work)).
		startAt("work").
		graph()
	e := newTestEngine(t, graph)

	a := submit(t, e, "/work/steal")
	waitStatus(t, e, a, StatusInProgress)
	fail.Store(a, true)
	g.open(a)
	waitStatus(t, e, a, StatusFailed)

	// Failure released the worktree; another workflow claims it.
	b := submit(t, e, "/work/steal")
	waitStatus(t, e, b, StatusInProgress)

	if err := e.Replan(context.Background(), a); !errors.Is(err, ErrWorktreeBusy) {
		t.Fatalf("Replan on stolen worktree = %v, want ErrWorktreeBusy", err)
	}
	w, err := e.Workflow(context.Background(), a)
	if err != nil {
		t.Fatalf("Workflow failed: %v", err)
	}
	if w.Status != StatusFailed {
		t.Errorf("status = %q after refused replan, want failed", w.Status)
	}

	g.open(b)
	waitStatus(t, e, b, StatusCompleted)

	fail.Store(a, false)
	if err := e.Replan(context.Background(), a); err != nil {
		t.Fatalf("Replan after worktree freed failed: %v", err)
	}
	waitStatus(t, e, a, StatusCompleted)
}
