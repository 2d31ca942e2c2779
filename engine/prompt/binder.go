package prompt

import (
	"context"
	"fmt"
)

// Binder resolves prompt content for workflows, pinning the active
// version at first use.
//
// The pin is persisted through the Store with first-write-wins
// semantics, so a prompt edit mid-workflow never changes what an
// in-flight workflow sees, and a replay after restart resolves to the
// same text.
type Binder struct {
	store Store
}

// NewBinder wraps a Store.
func NewBinder(store Store) *Binder {
	return &Binder{store: store}
}

// Bind returns the template content for promptID as seen by
// workflowID. The first call pins the prompt's active version (empty
// version id when the default is active); later calls, including after
// restarts, return the pinned text regardless of edits in between.
func (b *Binder) Bind(ctx context.Context, workflowID, promptID string) (content, versionID string, err error) {
	versionID, found, err := b.store.Binding(ctx, workflowID, promptID)
	if err != nil {
		return "", "", fmt.Errorf("prompt %q: load binding: %w", promptID, err)
	}
	if !found {
		active, err := b.store.CurrentVersion(ctx, promptID)
		if err != nil {
			return "", "", err
		}
		if err := b.store.SaveBinding(ctx, workflowID, promptID, active); err != nil {
			return "", "", fmt.Errorf("prompt %q: save binding: %w", promptID, err)
		}
		// A concurrent first use may have won the write; the stored
		// binding is authoritative.
		versionID, _, err = b.store.Binding(ctx, workflowID, promptID)
		if err != nil {
			return "", "", fmt.Errorf("prompt %q: reload binding: %w", promptID, err)
		}
	}

	if versionID == "" {
		content, err := b.store.Default(ctx, promptID)
		if err != nil {
			return "", "", err
		}
		return content, "", nil
	}
	v, err := b.store.GetVersion(ctx, promptID, versionID)
	if err != nil {
		return "", "", err
	}
	return v.Content, versionID, nil
}
