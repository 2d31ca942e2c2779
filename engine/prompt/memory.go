package prompt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and ephemeral runs.
// Thread-safe. Versions and bindings are lost when the process exits.
type MemStore struct {
	mu       sync.RWMutex
	defaults map[string]string
	versions map[string][]Version // promptID -> versions in creation order
	current  map[string]string    // promptID -> current version id
	bindings map[string]string    // "workflowID/promptID" -> version id
	closed   bool
}

// NewMemStore creates a store with the given built-in templates.
func NewMemStore(defaults map[string]string) *MemStore {
	d := make(map[string]string, len(defaults))
	for id, content := range defaults {
		d[id] = content
	}
	return &MemStore{
		defaults: d,
		versions: make(map[string][]Version),
		current:  make(map[string]string),
		bindings: make(map[string]string),
	}
}

func bindingKey(workflowID, promptID string) string { return workflowID + "/" + promptID }

// Default returns the built-in template for the prompt.
func (m *MemStore) Default(_ context.Context, promptID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	content, ok := m.defaults[promptID]
	if !ok {
		return "", fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}
	return content, nil
}

// GetVersion returns the identified version.
func (m *MemStore) GetVersion(_ context.Context, promptID, versionID string) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Version{}, ErrClosed
	}
	for _, v := range m.versions[promptID] {
		if v.ID == versionID {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("prompt %q version %q: %w", promptID, versionID, ErrVersionNotFound)
}

// CurrentVersion returns the current version id, empty for default.
func (m *MemStore) CurrentVersion(_ context.Context, promptID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	if _, ok := m.defaults[promptID]; !ok {
		return "", fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}
	return m.current[promptID], nil
}

// CreateVersion stores a new version and makes it current.
func (m *MemStore) CreateVersion(_ context.Context, promptID, content, changeNote string) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Version{}, ErrClosed
	}
	if _, ok := m.defaults[promptID]; !ok {
		return Version{}, fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}

	v := Version{
		ID:         uuid.NewString(),
		PromptID:   promptID,
		Number:     len(m.versions[promptID]) + 1,
		Content:    content,
		ChangeNote: changeNote,
		CreatedAt:  time.Now().UTC(),
	}
	m.versions[promptID] = append(m.versions[promptID], v)
	m.current[promptID] = v.ID
	return v, nil
}

// Reset clears the current version pointer.
func (m *MemStore) Reset(_ context.Context, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.defaults[promptID]; !ok {
		return fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}
	delete(m.current, promptID)
	return nil
}

// Binding returns the pinned version for (workflow, prompt).
func (m *MemStore) Binding(_ context.Context, workflowID, promptID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	versionID, ok := m.bindings[bindingKey(workflowID, promptID)]
	return versionID, ok, nil
}

// SaveBinding pins a version for (workflow, prompt), first write wins.
func (m *MemStore) SaveBinding(_ context.Context, workflowID, promptID, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key := bindingKey(workflowID, promptID)
	if _, exists := m.bindings[key]; exists {
		return nil
	}
	m.bindings[key] = versionID
	return nil
}

// Close marks the store closed. Idempotent.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
