package engine

import (
	"context"
	"time"
)

// session tracks the in-memory side of one non-terminal workflow: its
// running task's cancel handle and the scheduler flags. Resume commands
// themselves are persisted in the checkpoint envelope, not here. All
// fields are guarded by Engine.mu.
type session struct {
	cancel          context.CancelFunc
	cancelRequested bool
	resumeArrived   bool // Approve/Reject landed while the task was unwinding
	running         bool
	enqueued        bool // waiting in resumeQ
}

// queueItem is one pending workflow awaiting first admission.
type queueItem struct {
	id        string
	worktree  string
	createdAt time.Time
}

// session returns the workflow's session, creating it if needed.
// Callers hold e.mu.
func (e *Engine[S]) session(id string) *session {
	ses, ok := e.sessions[id]
	if !ok {
		ses = &session{}
		e.sessions[id] = ses
	}
	return ses
}

// enqueuePending appends to the admission queue. Submit and reconcile
// both feed it in creation order, so append keeps it FIFO. Callers hold
// e.mu.
func (e *Engine[S]) enqueuePending(w Workflow) {
	e.pendingQ = append(e.pendingQ, queueItem{id: w.ID, worktree: w.Worktree, createdAt: w.CreatedAt})
}

func (e *Engine[S]) dropPending(id string) {
	for i, item := range e.pendingQ {
		if item.id == id {
			e.pendingQ = append(e.pendingQ[:i], e.pendingQ[i+1:]...)
			return
		}
	}
}

func (e *Engine[S]) dropResume(id string) {
	for i, rid := range e.resumeQ {
		if rid == id {
			e.resumeQ = append(e.resumeQ[:i], e.resumeQ[i+1:]...)
			if ses, ok := e.sessions[id]; ok {
				ses.enqueued = false
			}
			return
		}
	}
}

// wakeDispatcher nudges the dispatch loop without blocking.
func (e *Engine[S]) wakeDispatcher() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine[S]) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-e.wake:
			e.dispatch()
		}
	}
}

// dispatch admits work up to the concurrency cap. Resumes go first:
// they already hold their worktrees and represent a human waiting on an
// answer. Pending workflows are admitted in submission order; one whose
// worktree is held is skipped, not dequeued, and will be reconsidered
// when the holder finishes.
func (e *Engine[S]) dispatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.metrics.SetPending(len(e.pendingQ)) }()
	if e.closed || !e.started {
		return
	}
	for len(e.resumeQ) > 0 {
		if !e.sem.TryAcquire(1) {
			return
		}
		id := e.resumeQ[0]
		e.resumeQ = e.resumeQ[1:]
		e.session(id).enqueued = false
		e.launch(id)
	}
	for i := 0; i < len(e.pendingQ); {
		item := e.pendingQ[i]
		if _, held := e.worktree[item.worktree]; held {
			i++
			continue
		}
		if !e.sem.TryAcquire(1) {
			return
		}
		e.pendingQ = append(e.pendingQ[:i], e.pendingQ[i+1:]...)
		e.worktree[item.worktree] = item.id
		e.launch(item.id)
	}
}

// launch starts the workflow task. Callers hold e.mu and the semaphore
// slot, which runTask releases.
func (e *Engine[S]) launch(id string) {
	ses := e.session(id)
	ctx, cancel := context.WithCancel(e.rootCtx)
	ses.cancel = cancel
	ses.running = true
	e.active++
	e.metrics.SetActive(e.active)
	e.wg.Add(1)
	go e.runTask(ctx, cancel, id)
}

func (e *Engine[S]) runTask(ctx context.Context, cancel context.CancelFunc, id string) {
	defer e.wg.Done()
	defer cancel()
	out := e.drive(ctx, id)

	e.mu.Lock()
	if ses, ok := e.sessions[id]; ok {
		ses.running = false
		ses.cancel = nil
		if out == outcomeBlocked {
			switch {
			case ses.cancelRequested:
				// Cancel raced the pause; no task will pick it up, so
				// finalize here.
				if w, err := e.store.GetWorkflow(context.Background(), id); err == nil && w != nil && w.Status == StatusBlocked {
					if ferr := e.finalizeCancelledLocked(context.Background(), w); ferr != nil {
						e.log.Error().Err(ferr).Str("workflow_id", id).Msg("failed to cancel paused workflow")
					}
				}
			case ses.resumeArrived && !ses.enqueued:
				// An approval arrived while the node was still unwinding.
				e.resumeQ = append(e.resumeQ, id)
				ses.enqueued = true
			}
		}
		ses.resumeArrived = false
	}
	e.active--
	e.metrics.SetActive(e.active)
	e.sem.Release(1)
	e.mu.Unlock()
	e.wakeDispatcher()
}

// reconcile rebuilds scheduler state from the store after a restart.
// Pending workflows re-enter the admission queue in submission order.
// in_progress ones were interrupted by a shutdown or crash; they hold
// their worktrees and resume immediately from their latest checkpoint.
// Blocked ones hold their worktrees and keep waiting, unless an approval
// was already recorded, in which case they resume too. Callers hold
// e.mu.
func (e *Engine[S]) reconcile(ctx context.Context) error {
	ws, err := e.store.ListWorkflows(ctx, StatusPending, StatusInProgress, StatusBlocked)
	if err != nil {
		return err
	}
	for _, w := range ws {
		last, err := e.store.LastEvent(ctx, w.ID)
		if err != nil {
			return err
		}
		if last != nil {
			e.bus.AdvanceSequence(w.ID, last.Sequence)
		}
		switch w.Status {
		case StatusPending:
			e.session(w.ID)
			e.enqueuePending(w)
		case StatusInProgress:
			e.worktree[w.Worktree] = w.ID
			e.resumeQ = append(e.resumeQ, w.ID)
			e.session(w.ID).enqueued = true
		case StatusBlocked:
			e.worktree[w.Worktree] = w.ID
			e.session(w.ID)
			if e.hasPendingResume(ctx, w.ID) {
				e.resumeQ = append(e.resumeQ, w.ID)
				e.sessions[w.ID].enqueued = true
			}
		}
		e.log.Debug().
			Str("workflow_id", w.ID).
			Str("status", string(w.Status)).
			Msg("reconciled workflow")
	}
	e.metrics.SetPending(len(e.pendingQ))
	return nil
}

// hasPendingResume reports whether the workflow's latest checkpoint
// carries an unconsumed resume command, meaning an approval was recorded
// but the process stopped before acting on it.
func (e *Engine[S]) hasPendingResume(ctx context.Context, id string) bool {
	cp, err := e.cps.Latest(ctx, id)
	if err != nil || cp == nil {
		return false
	}
	_, env, err := decodeState[S](cp.Payload)
	if err != nil {
		e.log.Warn().Err(err).Str("workflow_id", id).Msg("failed to decode checkpoint during reconciliation")
		return false
	}
	return len(env.Pending) > 0
}

// retentionLoop periodically prunes old events and the checkpoints of
// terminal workflows. A retention of zero days keeps data forever.
func (e *Engine[S]) retentionLoop() {
	defer e.wg.Done()
	if e.cfg.LogRetentionDays <= 0 && e.cfg.CheckpointRetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.RetentionInterval)
	defer ticker.Stop()
	e.sweepRetention()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			e.sweepRetention()
		}
	}
}

func (e *Engine[S]) sweepRetention() {
	ctx := e.rootCtx
	now := time.Now().UTC()
	if days := e.cfg.LogRetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		n, err := e.store.PurgeEvents(ctx, cutoff)
		if err != nil {
			e.log.Warn().Err(err).Msg("failed to purge old events")
		} else if n > 0 {
			e.log.Info().Int("events", n).Msg("purged old events")
		}
	}
	if days := e.cfg.CheckpointRetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		ws, err := e.store.ListWorkflows(ctx, StatusCompleted, StatusFailed, StatusCancelled)
		if err != nil {
			e.log.Warn().Err(err).Msg("failed to list finished workflows for retention")
			return
		}
		ids := make([]string, 0, len(ws))
		for _, w := range ws {
			ids = append(ids, w.ID)
		}
		if len(ids) == 0 {
			return
		}
		n, err := e.cps.Purge(ctx, cutoff, ids)
		if err != nil {
			e.log.Warn().Err(err).Msg("failed to purge old checkpoints")
		} else if n > 0 {
			e.log.Info().Int("checkpoints", n).Msg("purged old checkpoints")
		}
	}
}

func (e *Engine[S]) isCancelRequested(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ses, ok := e.sessions[id]; ok {
		return ses.cancelRequested
	}
	return false
}
