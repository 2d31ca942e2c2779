package event

import "testing"

func TestBufferedCapture(t *testing.T) {
	t.Run("isolates events by workflow", func(t *testing.T) {
		buf := NewBuffered()
		buf.Emit(Event{WorkflowID: "wf-1", Type: TypeWorkflowStarted})
		buf.Emit(Event{WorkflowID: "wf-2", Type: TypeWorkflowStarted})
		buf.Emit(Event{WorkflowID: "wf-1", Type: TypeWorkflowCompleted})

		if got := len(buf.ForWorkflow("wf-1")); got != 2 {
			t.Errorf("expected 2 events for wf-1, got %d", got)
		}
		if got := len(buf.ForWorkflow("wf-2")); got != 1 {
			t.Errorf("expected 1 event for wf-2, got %d", got)
		}
	})

	t.Run("filters by type", func(t *testing.T) {
		buf := NewBuffered()
		buf.Emit(Event{WorkflowID: "wf-1", Type: TypeStageStarted})
		buf.Emit(Event{WorkflowID: "wf-1", Type: TypeStageCompleted})
		buf.Emit(Event{WorkflowID: "wf-1", Type: TypeStageStarted})

		if got := len(buf.OfType(TypeStageStarted)); got != 2 {
			t.Errorf("expected 2 stage_started events, got %d", got)
		}
	})

	t.Run("reset clears history", func(t *testing.T) {
		buf := NewBuffered()
		buf.Emit(Event{WorkflowID: "wf-1"})
		buf.Reset()
		if got := len(buf.All()); got != 0 {
			t.Errorf("expected empty history after reset, got %d", got)
		}
	})
}
