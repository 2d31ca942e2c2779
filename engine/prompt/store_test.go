package prompt_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/ameliahq/amelia/engine/prompt"
)

func testDefaults() map[string]string {
	return map[string]string{
		"architect": "You are the architect. Produce an implementation plan.",
		"developer": "You are the developer. Implement the current step.",
	}
}

// storeScenarios returns a constructor per backend so every contract
// test runs against all of them.
func storeScenarios() []struct {
	name      string
	storeFunc func(*testing.T) (prompt.Store, func())
} {
	return []struct {
		name      string
		storeFunc func(*testing.T) (prompt.Store, func())
	}{
		{
			name: "MemStore",
			storeFunc: func(t *testing.T) (prompt.Store, func()) {
				st := prompt.NewMemStore(testDefaults())
				return st, func() { _ = st.Close() }
			},
		},
		{
			name: "SQLiteStore",
			storeFunc: func(t *testing.T) (prompt.Store, func()) {
				dbPath := filepath.Join(t.TempDir(), "prompts.db")
				st, err := prompt.NewSQLiteStore(dbPath, testDefaults())
				if err != nil {
					t.Fatalf("Failed to create SQLiteStore: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
	}
}

func newWorkflowID() string {
	return "wf-" + uuid.NewString()
}

func TestStoreDefaults(t *testing.T) {
	for _, scenario := range storeScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			content, err := st.Default(ctx, "architect")
			if err != nil {
				t.Fatalf("Default() error = %v", err)
			}
			if content != testDefaults()["architect"] {
				t.Errorf("Default() = %q", content)
			}

			if _, err := st.Default(ctx, "nonexistent"); !errors.Is(err, prompt.ErrUnknownPrompt) {
				t.Errorf("Default(nonexistent) error = %v, want ErrUnknownPrompt", err)
			}

			// No versions yet: current pointer is empty.
			current, err := st.CurrentVersion(ctx, "architect")
			if err != nil {
				t.Fatalf("CurrentVersion() error = %v", err)
			}
			if current != "" {
				t.Errorf("CurrentVersion() = %q, want empty", current)
			}
		})
	}
}

func TestStoreCreateVersion(t *testing.T) {
	for _, scenario := range storeScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			v1, err := st.CreateVersion(ctx, "architect", "Plan with more care.", "tighter planning")
			if err != nil {
				t.Fatalf("CreateVersion() error = %v", err)
			}
			if v1.Number != 1 {
				t.Errorf("first version Number = %d, want 1", v1.Number)
			}
			if v1.ID == "" || v1.PromptID != "architect" {
				t.Errorf("version identity = %+v", v1)
			}
			if v1.CreatedAt.IsZero() {
				t.Error("CreatedAt not assigned")
			}

			v2, err := st.CreateVersion(ctx, "architect", "Plan with even more care.", "")
			if err != nil {
				t.Fatalf("CreateVersion() error = %v", err)
			}
			if v2.Number != 2 {
				t.Errorf("second version Number = %d, want 2", v2.Number)
			}

			// Creating a version moves the current pointer.
			current, err := st.CurrentVersion(ctx, "architect")
			if err != nil {
				t.Fatalf("CurrentVersion() error = %v", err)
			}
			if current != v2.ID {
				t.Errorf("CurrentVersion() = %q, want %q", current, v2.ID)
			}

			got, err := st.GetVersion(ctx, "architect", v1.ID)
			if err != nil {
				t.Fatalf("GetVersion() error = %v", err)
			}
			if got.Content != "Plan with more care." || got.ChangeNote != "tighter planning" {
				t.Errorf("GetVersion() = %+v", got)
			}

			if _, err := st.GetVersion(ctx, "architect", "missing"); !errors.Is(err, prompt.ErrVersionNotFound) {
				t.Errorf("GetVersion(missing) error = %v, want ErrVersionNotFound", err)
			}
			if _, err := st.CreateVersion(ctx, "nonexistent", "x", ""); !errors.Is(err, prompt.ErrUnknownPrompt) {
				t.Errorf("CreateVersion(nonexistent) error = %v, want ErrUnknownPrompt", err)
			}

			// Versions are scoped per prompt.
			dev, err := st.CreateVersion(ctx, "developer", "Implement precisely.", "")
			if err != nil {
				t.Fatalf("CreateVersion(developer) error = %v", err)
			}
			if dev.Number != 1 {
				t.Errorf("developer version Number = %d, want 1", dev.Number)
			}
		})
	}
}

func TestStoreReset(t *testing.T) {
	for _, scenario := range storeScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			v, err := st.CreateVersion(ctx, "architect", "Custom planning.", "")
			if err != nil {
				t.Fatalf("CreateVersion() error = %v", err)
			}

			if err := st.Reset(ctx, "architect"); err != nil {
				t.Fatalf("Reset() error = %v", err)
			}

			current, err := st.CurrentVersion(ctx, "architect")
			if err != nil {
				t.Fatalf("CurrentVersion() error = %v", err)
			}
			if current != "" {
				t.Errorf("CurrentVersion() after Reset = %q, want empty", current)
			}

			// Old versions remain retrievable after a reset.
			got, err := st.GetVersion(ctx, "architect", v.ID)
			if err != nil {
				t.Fatalf("GetVersion() after Reset error = %v", err)
			}
			if got.Content != "Custom planning." {
				t.Errorf("GetVersion() = %+v", got)
			}

			if err := st.Reset(ctx, "nonexistent"); !errors.Is(err, prompt.ErrUnknownPrompt) {
				t.Errorf("Reset(nonexistent) error = %v, want ErrUnknownPrompt", err)
			}
		})
	}
}

func TestStoreBindingFirstWriteWins(t *testing.T) {
	for _, scenario := range storeScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			workflowID := newWorkflowID()

			if _, found, err := st.Binding(ctx, workflowID, "architect"); err != nil || found {
				t.Fatalf("Binding() before save = found %v, err %v", found, err)
			}

			if err := st.SaveBinding(ctx, workflowID, "architect", "v-first"); err != nil {
				t.Fatalf("SaveBinding() error = %v", err)
			}
			if err := st.SaveBinding(ctx, workflowID, "architect", "v-second"); err != nil {
				t.Fatalf("second SaveBinding() error = %v", err)
			}

			versionID, found, err := st.Binding(ctx, workflowID, "architect")
			if err != nil {
				t.Fatalf("Binding() error = %v", err)
			}
			if !found || versionID != "v-first" {
				t.Errorf("Binding() = %q (found %v), want v-first", versionID, found)
			}

			// Pins are scoped per (workflow, prompt).
			other := newWorkflowID()
			if _, found, _ := st.Binding(ctx, other, "architect"); found {
				t.Error("binding leaked to another workflow")
			}

			// An empty version id pins the default explicitly.
			if err := st.SaveBinding(ctx, workflowID, "developer", ""); err != nil {
				t.Fatalf("SaveBinding(default) error = %v", err)
			}
			versionID, found, err = st.Binding(ctx, workflowID, "developer")
			if err != nil || !found {
				t.Fatalf("Binding(default) = found %v, err %v", found, err)
			}
			if versionID != "" {
				t.Errorf("default pin version = %q, want empty", versionID)
			}
		})
	}
}

func TestStoreClose(t *testing.T) {
	for _, scenario := range storeScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, _ := scenario.storeFunc(t)

			if err := st.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if err := st.Close(); err != nil {
				t.Errorf("second Close() error = %v, want nil", err)
			}

			if _, err := st.Default(ctx, "architect"); !errors.Is(err, prompt.ErrClosed) {
				t.Errorf("Default() after close error = %v, want ErrClosed", err)
			}
			if _, err := st.CreateVersion(ctx, "architect", "x", ""); !errors.Is(err, prompt.ErrClosed) {
				t.Errorf("CreateVersion() after close error = %v, want ErrClosed", err)
			}
			if _, _, err := st.Binding(ctx, "wf", "architect"); !errors.Is(err, prompt.ErrClosed) {
				t.Errorf("Binding() after close error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "prompts.db")

	st, err := prompt.NewSQLiteStore(dbPath, testDefaults())
	if err != nil {
		t.Fatalf("Failed to create SQLiteStore: %v", err)
	}

	v, err := st.CreateVersion(ctx, "architect", "Persisted content.", "note")
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	workflowID := newWorkflowID()
	if err := st.SaveBinding(ctx, workflowID, "architect", v.ID); err != nil {
		t.Fatalf("SaveBinding() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st, err = prompt.NewSQLiteStore(dbPath, testDefaults())
	if err != nil {
		t.Fatalf("Failed to reopen SQLiteStore: %v", err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	current, err := st.CurrentVersion(ctx, "architect")
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if current != v.ID {
		t.Errorf("CurrentVersion() = %q, want %q", current, v.ID)
	}
	got, err := st.GetVersion(ctx, "architect", v.ID)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if got.Content != "Persisted content." || got.Number != 1 {
		t.Errorf("GetVersion() = %+v", got)
	}
	versionID, found, err := st.Binding(ctx, workflowID, "architect")
	if err != nil || !found || versionID != v.ID {
		t.Errorf("Binding() = %q (found %v, err %v), want %q", versionID, found, err, v.ID)
	}
}
