// Package tracker defines the issue tracker contract.
//
// The engine fetches the issue once at submit time and caches it on the
// workflow record; everything downstream (the architect prompt, the plan)
// works from that snapshot. Real adapters (GitHub, Jira) live outside this
// module; MemTracker covers tests and local runs.
package tracker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that the tracker has no issue with the given id.
var ErrNotFound = errors.New("tracker: issue not found")

// Issue is the tracker-agnostic snapshot the engine works from.
type Issue struct {
	// ID is the tracker-defined identifier (e.g. "PROJ-42", "1234").
	ID string `json:"id"`

	// Title is the one-line summary.
	Title string `json:"title"`

	// Body is the full issue description, markdown or plain text.
	Body string `json:"body"`

	// Labels are the tracker labels, in tracker order.
	Labels []string `json:"labels,omitempty"`

	// URL links back to the issue in the tracker, when known.
	URL string `json:"url,omitempty"`

	// UpdatedAt is the tracker-side last-modified time, when known.
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker fetches issues. Implementations must be safe for concurrent use.
type Tracker interface {
	// Name returns the name profiles reference this tracker by.
	Name() string

	// Fetch returns the issue snapshot for id, or ErrNotFound.
	Fetch(ctx context.Context, id string) (Issue, error)
}
