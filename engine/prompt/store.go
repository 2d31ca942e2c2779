// Package prompt provides versioned storage for agent prompt templates.
//
// Each agent role ships with a built-in default template registered at
// store construction. Operators can create new versions; the newest
// created version becomes the prompt's current version until Reset
// clears the pointer back to the default. Version numbers are monotonic
// per prompt and versions are immutable once created.
//
// Workflows never read the current pointer directly: the Binder pins
// the version that was active when the workflow first used the prompt,
// so mid-flight edits only affect workflows submitted afterwards.
package prompt

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("prompt store is closed")

	// ErrUnknownPrompt is returned for prompt ids with no registered
	// default.
	ErrUnknownPrompt = errors.New("unknown prompt")

	// ErrVersionNotFound is returned when a version id does not exist
	// for the prompt.
	ErrVersionNotFound = errors.New("prompt version not found")
)

// Version is one immutable revision of a prompt template.
type Version struct {
	// ID uniquely identifies the version.
	ID string `json:"version_id"`

	// PromptID names the prompt this version belongs to.
	PromptID string `json:"prompt_id"`

	// Number is the monotonic revision counter, starting at 1.
	Number int `json:"version_number"`

	// Content is the template text.
	Content string `json:"content"`

	// ChangeNote optionally records why the version was created.
	ChangeNote string `json:"change_note,omitempty"`

	// CreatedAt is the creation time, assigned by the store.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists prompt versions and per-workflow bindings.
//
// Implementations must be safe for concurrent use. The default
// templates are registered at construction and are not stored rows;
// only operator-created versions and bindings persist.
type Store interface {
	// Default returns the built-in template for the prompt.
	Default(ctx context.Context, promptID string) (string, error)

	// GetVersion returns the identified version.
	GetVersion(ctx context.Context, promptID, versionID string) (Version, error)

	// CurrentVersion returns the id of the prompt's current version.
	// Empty means no version is active and the default applies.
	CurrentVersion(ctx context.Context, promptID string) (string, error)

	// CreateVersion stores a new version with the next monotonic number
	// and makes it the prompt's current version.
	CreateVersion(ctx context.Context, promptID, content, changeNote string) (Version, error)

	// Reset clears the current version pointer; the default applies
	// again. Existing versions remain retrievable.
	Reset(ctx context.Context, promptID string) error

	// Binding returns the version id pinned for (workflow, prompt).
	// found is false when the workflow has not used the prompt yet. An
	// empty version id with found=true means the workflow is pinned to
	// the default.
	Binding(ctx context.Context, workflowID, promptID string) (versionID string, found bool, err error)

	// SaveBinding pins a version for (workflow, prompt). The first
	// write wins; later writes are no-ops.
	SaveBinding(ctx context.Context, workflowID, promptID, versionID string) error

	// Close releases store resources. Subsequent operations return
	// ErrClosed.
	Close() error
}
