package tracker

import (
	"context"
	"errors"
	"testing"
)

func TestMemTrackerFetch(t *testing.T) {
	tr := NewMemTracker(Issue{
		ID:     "PROJ-42",
		Title:  "Fix flaky login test",
		Body:   "The login test fails intermittently under -race.",
		Labels: []string{"bug", "ci"},
		URL:    "https://tracker.example/PROJ-42",
	})

	is, err := tr.Fetch(context.Background(), "PROJ-42")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if is.Title != "Fix flaky login test" {
		t.Errorf("Title = %q", is.Title)
	}
	if len(is.Labels) != 2 || is.Labels[0] != "bug" {
		t.Errorf("Labels = %v", is.Labels)
	}
}

func TestMemTrackerNotFound(t *testing.T) {
	tr := NewMemTracker()

	_, err := tr.Fetch(context.Background(), "PROJ-999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemTrackerAddReplaces(t *testing.T) {
	tr := NewMemTracker(Issue{ID: "PROJ-1", Title: "old title"})
	tr.Add(Issue{ID: "PROJ-1", Title: "new title"})

	is, err := tr.Fetch(context.Background(), "PROJ-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if is.Title != "new title" {
		t.Errorf("Title = %q, want %q", is.Title, "new title")
	}
}

func TestMemTrackerCancelledContext(t *testing.T) {
	tr := NewMemTracker(Issue{ID: "PROJ-1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Fetch(ctx, "PROJ-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
