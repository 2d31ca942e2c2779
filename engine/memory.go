package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
)

// MemStore is an in-memory Store for tests and ephemeral runs. Nothing
// survives process exit.
type MemStore struct {
	mu        sync.RWMutex
	closed    bool
	workflows map[string]*Workflow
	events    map[string][]event.Event
	usage     map[string][]driver.TokenUsage
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]*Workflow),
		events:    make(map[string][]event.Event),
		usage:     make(map[string][]driver.TokenUsage),
	}
}

// CreateWorkflow implements Store.
func (s *MemStore) CreateWorkflow(ctx context.Context, w Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.workflows[w.ID]; exists {
		return fmt.Errorf("workflow %q already exists", w.ID)
	}
	if holder := s.activeLocked(w.Worktree, w.ID); holder != nil && w.Status.Active() {
		return fmt.Errorf("worktree %s held by workflow %s: %w", w.Worktree, holder.ID, ErrWorktreeBusy)
	}
	s.workflows[w.ID] = w.Clone()
	return nil
}

// GetWorkflow implements Store.
func (s *MemStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.workflows[id].Clone(), nil
}

// UpdateWorkflow implements Store.
func (s *MemStore) UpdateWorkflow(ctx context.Context, w Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.workflows[w.ID]; !exists {
		return fmt.Errorf("workflow %q: %w", w.ID, ErrNotFound)
	}
	if w.Status.Active() {
		if holder := s.activeLocked(w.Worktree, w.ID); holder != nil {
			return fmt.Errorf("worktree %s held by workflow %s: %w", w.Worktree, holder.ID, ErrWorktreeBusy)
		}
	}
	s.workflows[w.ID] = w.Clone()
	return nil
}

// ListWorkflows implements Store.
func (s *MemStore) ListWorkflows(ctx context.Context, statuses ...Status) ([]Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []Workflow
	for _, w := range s.workflows {
		if len(want) > 0 && !want[w.Status] {
			continue
		}
		out = append(out, *w.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ActiveOnWorktree implements Store.
func (s *MemStore) ActiveOnWorktree(ctx context.Context, worktree string) (*Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.activeLocked(worktree, "").Clone(), nil
}

// activeLocked returns the active workflow on the worktree, skipping the
// given id. Caller holds the lock.
func (s *MemStore) activeLocked(worktree, skipID string) *Workflow {
	for _, w := range s.workflows {
		if w.ID != skipID && w.Worktree == worktree && w.Status.Active() {
			return w
		}
	}
	return nil
}

// AppendEvent implements Store.
func (s *MemStore) AppendEvent(ctx context.Context, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	for _, have := range s.events[e.WorkflowID] {
		if have.Sequence == e.Sequence {
			return fmt.Errorf("event %s/%d already logged", e.WorkflowID, e.Sequence)
		}
	}
	s.events[e.WorkflowID] = append(s.events[e.WorkflowID], e)
	return nil
}

// Events implements Store.
func (s *MemStore) Events(ctx context.Context, workflowID string, since int64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	var out []event.Event
	for _, e := range s.events[workflowID] {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// LastEvent implements Store.
func (s *MemStore) LastEvent(ctx context.Context, workflowID string) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	var last *event.Event
	for i := range s.events[workflowID] {
		e := s.events[workflowID][i]
		if last == nil || e.Sequence > last.Sequence {
			last = &e
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

// PurgeEvents implements Store.
func (s *MemStore) PurgeEvents(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	purged := 0
	for id, evs := range s.events {
		kept := evs[:0]
		for _, e := range evs {
			if e.Timestamp.Before(olderThan) {
				purged++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.events, id)
			continue
		}
		s.events[id] = kept
	}
	return purged, nil
}

// AppendUsage implements Store.
func (s *MemStore) AppendUsage(ctx context.Context, u driver.TokenUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.usage[u.WorkflowID] = append(s.usage[u.WorkflowID], u)
	return nil
}

// Usage implements Store.
func (s *MemStore) Usage(ctx context.Context, workflowID string) ([]driver.TokenUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	out := make([]driver.TokenUsage, len(s.usage[workflowID]))
	copy(out, s.usage[workflowID])
	return out, nil
}

// Close implements Store. Idempotent.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// guard is called with the lock held.
func (s *MemStore) guard() error {
	if s.closed {
		return fmt.Errorf("workflow store: %w", ErrClosed)
	}
	return nil
}
