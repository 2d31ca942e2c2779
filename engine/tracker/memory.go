package tracker

import (
	"context"
	"fmt"
	"sync"
)

// MemTracker is an in-memory Tracker seeded with fixed issues.
type MemTracker struct {
	mu     sync.RWMutex
	issues map[string]Issue
}

// NewMemTracker returns a tracker holding the given issues.
func NewMemTracker(issues ...Issue) *MemTracker {
	m := &MemTracker{issues: make(map[string]Issue, len(issues))}
	for _, is := range issues {
		m.issues[is.ID] = is
	}
	return m
}

// Name implements Tracker.
func (m *MemTracker) Name() string { return "memory" }

// Fetch implements Tracker.
func (m *MemTracker) Fetch(ctx context.Context, id string) (Issue, error) {
	if err := ctx.Err(); err != nil {
		return Issue{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	is, ok := m.issues[id]
	if !ok {
		return Issue{}, fmt.Errorf("fetch %q: %w", id, ErrNotFound)
	}
	return is, nil
}

// Add inserts or replaces an issue.
func (m *MemTracker) Add(is Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[is.ID] = is
}
