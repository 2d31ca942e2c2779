package pipeline

import (
	"context"
	"fmt"

	"github.com/ameliahq/amelia/engine"
)

// Gate ids inside a node. A gate names one decision point; approvals
// are recorded against (node, gate, visit).
const gatePlan = "plan"

func batchGateID(number int) string {
	return fmt.Sprintf("batch:%d", number)
}

func stepGateID(stepID string) string {
	return "step:" + stepID
}

func blockerGateID(b *Blocker) string {
	return fmt.Sprintf("blocker:%s:%d", b.StepID, b.Attempt)
}

// GatePayload describes what a pause is asking the human to decide. It
// rides on the approval_required event and on the checkpoint, so both
// the event stream and a later Workflows query show the same question.
type GatePayload struct {
	Node        string    `json:"node"`
	Gate        string    `json:"gate"`
	Message     string    `json:"message"`
	Goal        string    `json:"goal,omitempty"`
	Batches     int       `json:"batches,omitempty"`
	BatchNumber int       `json:"batch_number,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Risk        RiskLevel `json:"risk,omitempty"`
	Warning     string    `json:"warning,omitempty"`

	// RejectionFeedback carries the feedback from a rejected answer
	// when the same gate asks again.
	RejectionFeedback string `json:"rejection_feedback,omitempty"`

	Blocker *Blocker `json:"blocker,omitempty"`
}

// gateTaker consumes resume commands for one node visit and records
// each consumed command in the delta exactly once across interrupt
// re-entries. Re-entry replays previously consumed commands in their
// original order, so the taker skips re-recording the first n, where n
// is the count of approvals already persisted for this visit.
type gateTaker struct {
	node     string
	visit    int
	planID   string
	seen     int
	replayed int
}

func newGateTaker(s *State, node string) *gateTaker {
	visit := s.NodeVisits[node] + 1
	replayed := 0
	for _, a := range s.Approvals {
		if a.Node == node && a.Visit == visit && !a.Auto {
			replayed++
		}
	}
	return &gateTaker{node: node, visit: visit, planID: s.planID(), replayed: replayed}
}

// take consumes the next resume command for the given gate, blocking
// the workflow via interrupt when none is queued.
func (g *gateTaker) take(ctx context.Context, delta *State, gate string, payload GatePayload) (engine.ResumeCommand, error) {
	cmd, err := engine.AwaitResume(ctx, payload)
	if err != nil {
		return cmd, err
	}
	g.seen++
	if g.seen > g.replayed {
		delta.Approvals = append(delta.Approvals, Approval{
			PlanID:   g.planID,
			Node:     g.node,
			Gate:     gate,
			Visit:    g.visit,
			Approved: cmd.Approved,
			Feedback: cmd.Feedback,
			Payload:  cmd.Payload,
		})
	}
	return cmd, nil
}

// approvedBefore reports whether an earlier visit already approved the
// gate for the current plan. A visit re-entered after a blocker detour
// walks past work it already gated; those gates must not ask again.
func approvedBefore(s *State, g *gateTaker, gate string) bool {
	for _, a := range s.Approvals {
		if a.Node == g.node && a.Gate == gate && a.PlanID == g.planID &&
			a.Approved && a.Visit < g.visit {
			return true
		}
	}
	return false
}

// gateRecorded reports whether any approval is on record for the gate,
// across prev and delta. Used to dedupe automatic grants.
func gateRecorded(s, delta *State, node, gate string) bool {
	pid := s.planID()
	match := func(as []Approval) bool {
		for _, a := range as {
			if a.Node == node && a.Gate == gate && a.PlanID == pid {
				return true
			}
		}
		return false
	}
	return match(s.Approvals) || match(delta.Approvals)
}

// ensureGate pauses until the gate is approved, asking again on
// rejection with the feedback surfaced in the payload. A nil return
// means approved, now or in an earlier visit. A non-nil return
// propagates the interrupt (or cancellation) with the partial delta
// attached.
func (p *Pipeline) ensureGate(ctx context.Context, s *State, delta *State, g *gateTaker, gate string, payload GatePayload) *engine.NodeResult[State] {
	if approvedBefore(s, g, gate) {
		return nil
	}
	for {
		cmd, err := g.take(ctx, delta, gate, payload)
		if err != nil {
			r := engine.NodeResult[State]{Delta: *delta, Err: err}
			return &r
		}
		if cmd.Approved {
			return nil
		}
		p.log.Info().
			Str("workflow_id", s.WorkflowID).
			Str("gate", gate).
			Msg("gate rejected, asking again")
		payload.RejectionFeedback = cmd.Feedback
	}
}

// humanApproval is the plan gate. The runtime blocks the workflow
// before this node until a resume command arrives; the node then
// records the decision and routes: approved plans continue to the
// developer, rejections send the human's feedback back to the
// architect.
func (p *Pipeline) humanApproval(ctx context.Context, s State) engine.NodeResult[State] {
	delta := State{CurrentNode: NodeHumanApproval}
	g := newGateTaker(&s, NodeHumanApproval)

	payload := GatePayload{
		Node:    NodeHumanApproval,
		Gate:    gatePlan,
		Message: "approve the implementation plan",
	}
	if s.Plan != nil {
		payload.Goal = s.Plan.Goal
		payload.Batches = len(s.Plan.Batches)
	}
	if s.ValidationError != "" {
		payload.Warning = "plan failed validation: " + s.ValidationError
	}

	cmd, err := g.take(ctx, &delta, gatePlan, payload)
	if err != nil {
		return engine.NodeResult[State]{Delta: delta, Err: err}
	}
	delta.bump(s, NodeHumanApproval)
	if !cmd.Approved {
		delta.Feedback = cmd.Feedback
		p.log.Info().
			Str("workflow_id", s.WorkflowID).
			Str("feedback", cmd.Feedback).
			Msg("plan rejected")
		return engine.NodeResult[State]{Delta: delta, Route: engine.Goto(NodeArchitect)}
	}
	p.log.Info().Str("workflow_id", s.WorkflowID).Msg("plan approved")
	return engine.NodeResult[State]{Delta: delta}
}
