package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ameliahq/amelia/engine/checkpoint"
	"github.com/ameliahq/amelia/engine/event"
)

// outcome is how a workflow task ended: reached a terminal status,
// paused for a human, or was interrupted by engine shutdown and left
// in_progress for the next Start.
type outcome int

const (
	outcomeTerminal outcome = iota
	outcomeBlocked
	outcomeShutdown
)

// planCacher lets a state type expose its current plan for the workflow
// record's plan cache. Implemented by pipeline state.
type planCacher interface {
	PlanJSON() []byte
}

// drive executes the workflow from its latest checkpoint until it
// finishes, pauses, or the context is cancelled. Progress is made
// durable node by node: each completion writes a checkpoint naming the
// next nodes before stage_completed is announced, so a crash at any
// point replays at most the in-flight node.
func (e *Engine[S]) drive(ctx context.Context, id string) outcome {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		e.log.Error().Err(err).Str("workflow_id", id).Msg("failed to load workflow")
		return outcomeShutdown
	}
	if w == nil {
		e.log.Error().Str("workflow_id", id).Msg("workflow vanished from store")
		return outcomeShutdown
	}
	if out, done := e.checkInterrupted(ctx, w); done {
		return out
	}
	if err := e.activate(ctx, w); err != nil {
		e.log.Error().Err(err).Str("workflow_id", id).Msg("failed to activate workflow")
		return outcomeShutdown
	}

	for {
		cp, err := e.cps.Latest(ctx, id)
		if err != nil {
			return e.finalizeFailed(ctx, w, fmt.Errorf("failed to load checkpoint: %w", err))
		}
		if cp == nil {
			return e.finalizeFailed(ctx, w, &EngineError{Code: "NO_CHECKPOINT", Message: fmt.Sprintf("workflow %s has no checkpoint", id)})
		}
		state, env, err := decodeState[S](cp.Payload)
		if err != nil {
			return e.finalizeFailed(ctx, w, err)
		}
		e.ensureStageCompleted(ctx, id, env.CompletedNode)

		if len(cp.NextNodes) == 0 {
			return e.finalizeCompleted(ctx, w, state)
		}
		nodeID := cp.NextNodes[0]
		gn, ok := e.graph.node(nodeID)
		if !ok {
			return e.finalizeFailed(ctx, w, &EngineError{Code: "NODE_NOT_FOUND", Message: fmt.Sprintf("checkpoint names unknown node %q", nodeID)})
		}

		// A declared interrupt pauses here until a resume command is
		// recorded. The checkpoint already points at this node, so the
		// pause needs no new write.
		if e.graph.isInterrupt(nodeID) && len(env.Resumes) == 0 && len(env.Pending) == 0 {
			return e.block(ctx, w, state, event.Event{
				Type:    event.TypeApprovalRequired,
				Agent:   nodeID,
				Message: fmt.Sprintf("waiting for approval before %s", nodeID),
				Data:    map[string]any{"node": nodeID},
			})
		}

		rs := &resumeSession{resumes: append(env.Resumes, env.Pending...)}

		e.publish(id, event.Event{
			Type:    event.TypeStageStarted,
			Agent:   nodeID,
			Message: fmt.Sprintf("stage %s started", nodeID),
			Data:    map[string]any{"node": nodeID},
		})
		e.log.Info().Str("workflow_id", id).Str("node", nodeID).Msg("running node")

		in, err := deepCopy(state)
		if err != nil {
			return e.finalizeFailed(ctx, w, fmt.Errorf("failed to copy state for node %s: %w", nodeID, err))
		}
		started := time.Now()
		res := e.runNode(ctx, gn, in, rs)
		elapsed := time.Since(started)
		state = e.reducer(state, res.Delta)

		var ie *InterruptError
		switch {
		case errors.As(res.Err, &ie):
			// The node wants a human decision mid-flight. Persist the
			// merged state plus the commands consumed so far; re-entry
			// reruns the node and replays them in order.
			e.metrics.ObserveNode(nodeID, "interrupted", elapsed)
			payload, err := encodeState(state, envelope{Resumes: rs.consumed()})
			if err != nil {
				return e.finalizeFailed(ctx, w, err)
			}
			if err := e.cps.Put(ctx, checkpoint.Checkpoint{
				ThreadID:  id,
				ID:        uuid.NewString(),
				ParentID:  cp.ID,
				CreatedAt: time.Now().UTC(),
				Payload:   payload,
				NextNodes: []string{nodeID},
			}); err != nil {
				return e.finalizeFailed(ctx, w, fmt.Errorf("failed to persist pause for node %s: %w", nodeID, err))
			}
			approval := event.Event{
				Type:    event.TypeApprovalRequired,
				Agent:   nodeID,
				Message: fmt.Sprintf("%s awaiting resume", nodeID),
				Data:    map[string]any{"node": nodeID},
			}
			if ie.Payload != nil {
				approval.Data["payload"] = ie.Payload
			}
			return e.block(ctx, w, state, approval)

		case res.Err != nil && ctx.Err() != nil:
			if e.isCancelRequested(id) {
				e.metrics.ObserveNode(nodeID, "cancelled", elapsed)
				e.persistProgress(ctx, cp, state, nodeID)
				return e.finalizeCancelled(ctx, w)
			}
			// Engine shutdown: keep in_progress, resume on next Start.
			return outcomeShutdown

		case res.Err != nil:
			e.metrics.ObserveNode(nodeID, "failed", elapsed)
			e.persistProgress(ctx, cp, state, nodeID)
			return e.finalizeFailed(ctx, w, &NodeError{NodeID: nodeID, Cause: res.Err})
		}

		next, err := e.graph.route(nodeID, res.Route, state)
		if err != nil {
			return e.finalizeFailed(ctx, w, err)
		}
		payload, err := encodeState(state, envelope{CompletedNode: nodeID})
		if err != nil {
			return e.finalizeFailed(ctx, w, err)
		}
		writeStart := time.Now()
		err = e.cps.Put(ctx, checkpoint.Checkpoint{
			ThreadID:  id,
			ID:        uuid.NewString(),
			ParentID:  cp.ID,
			CreatedAt: time.Now().UTC(),
			Payload:   payload,
			NextNodes: next,
		})
		e.metrics.ObserveCheckpointWrite(time.Since(writeStart))
		if err != nil {
			// Completion is only announced after it is durable.
			e.metrics.ObserveNode(nodeID, "failed", elapsed)
			return e.finalizeFailed(ctx, w, fmt.Errorf("failed to checkpoint node %s: %w", nodeID, err))
		}
		e.publish(id, event.Event{
			Type:    event.TypeStageCompleted,
			Agent:   nodeID,
			Message: fmt.Sprintf("stage %s completed", nodeID),
			Data:    map[string]any{"node": nodeID},
		})
		e.metrics.ObserveNode(nodeID, "completed", elapsed)

		if out, done := e.checkInterrupted(ctx, w); done {
			return out
		}
	}
}

// runNode executes the node with the resume session attached and the
// effective timeout applied.
func (e *Engine[S]) runNode(ctx context.Context, gn *graphNode[S], state S, rs *resumeSession) NodeResult[S] {
	nctx := withResumeSession(ctx, rs)
	if d := gn.timeout(e.cfg.NodeTimeout); d > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(nctx, d)
		defer cancel()
	}
	return gn.impl.Run(nctx, state)
}

// checkInterrupted classifies a cancelled context: a user Cancel
// finalizes the workflow, an engine shutdown leaves it in_progress for
// the next Start to resume.
func (e *Engine[S]) checkInterrupted(ctx context.Context, w *Workflow) (outcome, bool) {
	if ctx.Err() == nil {
		return 0, false
	}
	if e.isCancelRequested(w.ID) {
		return e.finalizeCancelled(ctx, w), true
	}
	return outcomeShutdown, true
}

// activate moves the workflow to in_progress, stamping StartedAt and
// announcing workflow_started on its first activation only.
func (e *Engine[S]) activate(ctx context.Context, w *Workflow) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	first := w.StartedAt.IsZero()
	if first {
		w.StartedAt = time.Now().UTC()
	}
	w.Status = StatusInProgress
	if err := e.store.UpdateWorkflow(ctx, *w); err != nil {
		return err
	}
	if first {
		e.publish(w.ID, event.Event{
			Type:    event.TypeWorkflowStarted,
			Message: fmt.Sprintf("workflow started for issue %s", w.IssueID),
			Data: map[string]any{
				"issue_id": w.IssueID,
				"worktree": w.Worktree,
				"profile":  w.ProfileID,
			},
		})
	}
	return nil
}

// ensureStageCompleted re-emits a stage_completed event lost to a crash
// between a completion checkpoint's write and its announcement. node is
// the checkpoint's CompletedNode; the newest persisted event for it
// tells whether the announcement made it out.
func (e *Engine[S]) ensureStageCompleted(ctx context.Context, id, node string) {
	if node == "" {
		return
	}
	evs, err := e.store.Events(ctx, id, 0)
	if err != nil {
		e.log.Warn().Err(err).Str("workflow_id", id).Msg("failed to read event log for replay check")
		return
	}
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		if ev.Data == nil || ev.Data["node"] != node {
			continue
		}
		switch ev.Type {
		case event.TypeStageCompleted:
			return
		case event.TypeStageStarted:
			e.log.Info().Str("workflow_id", id).Str("node", node).Msg("replaying lost stage completion")
			e.publish(id, event.Event{
				Type:    event.TypeStageCompleted,
				Agent:   node,
				Message: fmt.Sprintf("stage %s completed", node),
				Data:    map[string]any{"node": node},
			})
			return
		}
	}
	e.publish(id, event.Event{
		Type:    event.TypeStageCompleted,
		Agent:   node,
		Message: fmt.Sprintf("stage %s completed", node),
		Data:    map[string]any{"node": node},
	})
}

// persistProgress writes a best-effort checkpoint pointing back at the
// interrupted node so a later Replan or resume starts from the merged
// state rather than losing the node's partial work.
func (e *Engine[S]) persistProgress(ctx context.Context, parent *checkpoint.Checkpoint, state S, nodeID string) {
	payload, err := encodeState(state, envelope{})
	if err == nil {
		err = e.cps.Put(context.WithoutCancel(ctx), checkpoint.Checkpoint{
			ThreadID:  parent.ThreadID,
			ID:        uuid.NewString(),
			ParentID:  parent.ID,
			CreatedAt: time.Now().UTC(),
			Payload:   payload,
			NextNodes: []string{nodeID},
		})
	}
	if err != nil {
		e.log.Warn().Err(err).Str("workflow_id", parent.ThreadID).Msg("failed to persist progress checkpoint")
	}
}

// block marks the workflow blocked and announces the approval request.
// The status write and the event go out under the scheduler lock so a
// concurrent Approve sees either a non-blocked workflow or the queued
// pause, never a gap between them.
func (e *Engine[S]) block(ctx context.Context, w *Workflow, state S, approval event.Event) outcome {
	ctx = context.WithoutCancel(ctx)
	e.refreshPlanCache(w, any(state))
	e.mu.Lock()
	defer e.mu.Unlock()
	w.Status = StatusBlocked
	if err := e.store.UpdateWorkflow(ctx, *w); err != nil {
		e.log.Error().Err(err).Str("workflow_id", w.ID).Msg("failed to mark workflow blocked")
		return outcomeShutdown
	}
	e.publish(w.ID, approval)
	e.log.Info().Str("workflow_id", w.ID).Str("node", approval.Agent).Msg("workflow blocked awaiting approval")
	return outcomeBlocked
}

func (e *Engine[S]) finalizeCompleted(ctx context.Context, w *Workflow, state S) outcome {
	e.refreshPlanCache(w, any(state))
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.finalizeLocked(context.WithoutCancel(ctx), w, StatusCompleted, ""); err != nil {
		e.log.Error().Err(err).Str("workflow_id", w.ID).Msg("failed to finalize workflow")
		return outcomeShutdown
	}
	return outcomeTerminal
}

func (e *Engine[S]) finalizeFailed(ctx context.Context, w *Workflow, cause error) outcome {
	e.log.Error().Err(cause).Str("workflow_id", w.ID).Msg("workflow failed")
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.finalizeLocked(context.WithoutCancel(ctx), w, StatusFailed, cause.Error()); err != nil {
		e.log.Error().Err(err).Str("workflow_id", w.ID).Msg("failed to finalize workflow")
		return outcomeShutdown
	}
	return outcomeTerminal
}

func (e *Engine[S]) finalizeCancelled(ctx context.Context, w *Workflow) outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.finalizeCancelledLocked(context.WithoutCancel(ctx), w); err != nil {
		e.log.Error().Err(err).Str("workflow_id", w.ID).Msg("failed to finalize workflow")
		return outcomeShutdown
	}
	return outcomeTerminal
}

func (e *Engine[S]) finalizeCancelledLocked(ctx context.Context, w *Workflow) error {
	return e.finalizeLocked(ctx, w, StatusCancelled, "")
}

// finalizeLocked records the terminal status, announces it, and releases
// the worktree and session. Callers hold e.mu.
func (e *Engine[S]) finalizeLocked(ctx context.Context, w *Workflow, status Status, reason string) error {
	w.Status = status
	w.CompletedAt = time.Now().UTC()
	w.FailureReason = reason
	if err := e.store.UpdateWorkflow(ctx, *w); err != nil {
		return fmt.Errorf("failed to record %s: %w", status, err)
	}
	ev := event.Event{Message: fmt.Sprintf("workflow %s", status)}
	switch status {
	case StatusCompleted:
		ev.Type = event.TypeWorkflowCompleted
	case StatusCancelled:
		ev.Type = event.TypeWorkflowCancelled
	case StatusFailed:
		ev.Type = event.TypeWorkflowFailed
		ev.Message = reason
		ev.Data = map[string]any{"reason": reason}
	}
	e.publish(w.ID, ev)
	e.metrics.WorkflowFinished(status)
	if e.worktree[w.Worktree] == w.ID {
		delete(e.worktree, w.Worktree)
	}
	delete(e.sessions, w.ID)
	e.log.Info().Str("workflow_id", w.ID).Str("status", string(status)).Msg("workflow finished")
	return nil
}

// refreshPlanCache copies the state's current plan onto the workflow
// record when the state type exposes one.
func (e *Engine[S]) refreshPlanCache(w *Workflow, state any) {
	if pc, ok := state.(planCacher); ok {
		if b := pc.PlanJSON(); len(b) > 0 {
			w.PlanCache = b
		}
	}
}
