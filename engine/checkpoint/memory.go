package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store.
//
// Designed for tests, development, and short-lived workflows where
// persistence across process restarts is not required. Thread-safe.
// Data is lost when the process exits.
type MemStore struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint // insertion order per thread
	index   map[string]int          // "threadID/checkpointID" -> position
	closed  bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		threads: make(map[string][]Checkpoint),
		index:   make(map[string]int),
	}
}

func memKey(threadID, id string) string { return threadID + "/" + id }

// Put writes a new checkpoint. Returns ErrDuplicate when the
// (thread, checkpoint) pair exists.
func (m *MemStore) Put(_ context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires thread id and checkpoint id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	key := memKey(cp.ThreadID, cp.ID)
	if _, exists := m.index[key]; exists {
		return fmt.Errorf("checkpoint %s/%s: %w", cp.ThreadID, cp.ID, ErrDuplicate)
	}

	stored := cloneCheckpoint(cp)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	m.index[key] = len(m.threads[cp.ThreadID])
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], stored)
	return nil
}

// Latest returns the most recently written checkpoint for the thread,
// nil when none exists.
func (m *MemStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, nil
	}
	cp := cloneCheckpoint(cps[len(cps)-1])
	return &cp, nil
}

// Get returns the identified checkpoint, nil when absent.
func (m *MemStore) Get(_ context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	pos, ok := m.index[memKey(threadID, checkpointID)]
	if !ok {
		return nil, nil
	}
	cp := cloneCheckpoint(m.threads[threadID][pos])
	return &cp, nil
}

// List returns the thread's checkpoints newest first.
func (m *MemStore) List(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	cps := m.threads[threadID]
	out := make([]Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		out = append(out, cloneCheckpoint(cps[i]))
	}
	return out, nil
}

// Purge removes checkpoints older than the cutoff from the given threads.
func (m *MemStore) Purge(_ context.Context, olderThan time.Time, threadIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if len(threadIDs) == 0 {
		return 0, nil
	}

	removed := 0
	for _, threadID := range threadIDs {
		cps := m.threads[threadID]
		if len(cps) == 0 {
			continue
		}
		kept := cps[:0]
		for _, cp := range cps {
			if cp.CreatedAt.Before(olderThan) {
				delete(m.index, memKey(threadID, cp.ID))
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(m.threads, threadID)
			continue
		}
		m.threads[threadID] = kept
		for i, cp := range kept {
			m.index[memKey(threadID, cp.ID)] = i
		}
	}
	return removed, nil
}

// Close marks the store closed. Idempotent.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
