package prompt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// Built-in defaults stay in memory; only operator-created versions,
// the per-prompt current pointer, and per-workflow bindings are
// persisted. The file can be shared with the engine's other stores.
type SQLiteStore struct {
	db       *sql.DB
	defaults map[string]string
	mu       sync.RWMutex
	closed   bool
	path     string
}

// NewSQLiteStore opens (creating if needed) the database at path,
// ensures the prompt schema exists, and registers the built-in
// templates.
//
// Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string, defaults map[string]string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	d := make(map[string]string, len(defaults))
	for id, content := range defaults {
		d[id] = content
	}
	s := &SQLiteStore{db: db, defaults: d, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS prompts (
			prompt_id TEXT PRIMARY KEY,
			current_version_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_versions (
			version_id TEXT PRIMARY KEY,
			prompt_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			change_note TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (prompt_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_prompt_versions (
			workflow_id TEXT NOT NULL,
			prompt_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			bound_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, prompt_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create prompt schema: %w", err)
		}
	}
	return nil
}

// Default returns the built-in template for the prompt.
func (s *SQLiteStore) Default(_ context.Context, promptID string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	content, ok := s.defaults[promptID]
	if !ok {
		return "", fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}
	return content, nil
}

// GetVersion returns the identified version.
func (s *SQLiteStore) GetVersion(ctx context.Context, promptID, versionID string) (Version, error) {
	if err := s.guard(); err != nil {
		return Version{}, err
	}

	query := `
		SELECT version_id, prompt_id, version_number, content, change_note, created_at
		FROM prompt_versions
		WHERE prompt_id = ? AND version_id = ?
	`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, promptID, versionID))
	if err == sql.ErrNoRows {
		return Version{}, fmt.Errorf("prompt %q version %q: %w", promptID, versionID, ErrVersionNotFound)
	}
	if err != nil {
		return Version{}, fmt.Errorf("failed to load prompt version: %w", err)
	}
	return v, nil
}

// CurrentVersion returns the current version id, empty for default.
func (s *SQLiteStore) CurrentVersion(ctx context.Context, promptID string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if _, ok := s.defaults[promptID]; !ok {
		return "", fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}

	var current sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT current_version_id FROM prompts WHERE prompt_id = ?", promptID).Scan(&current)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load current version: %w", err)
	}
	return current.String, nil
}

// CreateVersion stores a new version and makes it current. The number
// assignment and pointer update run in one transaction.
func (s *SQLiteStore) CreateVersion(ctx context.Context, promptID, content, changeNote string) (Version, error) {
	if err := s.guard(); err != nil {
		return Version{}, err
	}
	if _, ok := s.defaults[promptID]; !ok {
		return Version{}, fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version_number), 0) + 1 FROM prompt_versions WHERE prompt_id = ?",
		promptID).Scan(&next); err != nil {
		return Version{}, fmt.Errorf("failed to compute version number: %w", err)
	}

	v := Version{
		ID:         uuid.NewString(),
		PromptID:   promptID,
		Number:     next,
		Content:    content,
		ChangeNote: changeNote,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prompt_versions (version_id, prompt_id, version_number, content, change_note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.PromptID, v.Number, v.Content, nullableNote(v.ChangeNote),
		v.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return Version{}, fmt.Errorf("failed to insert prompt version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prompts (prompt_id, current_version_id) VALUES (?, ?)
		ON CONFLICT (prompt_id) DO UPDATE SET current_version_id = excluded.current_version_id`,
		v.PromptID, v.ID,
	); err != nil {
		return Version{}, fmt.Errorf("failed to update current version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("failed to commit prompt version: %w", err)
	}
	return v, nil
}

// Reset clears the current version pointer.
func (s *SQLiteStore) Reset(ctx context.Context, promptID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, ok := s.defaults[promptID]; !ok {
		return fmt.Errorf("prompt %q: %w", promptID, ErrUnknownPrompt)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE prompts SET current_version_id = NULL WHERE prompt_id = ?", promptID); err != nil {
		return fmt.Errorf("failed to reset prompt: %w", err)
	}
	return nil
}

// Binding returns the pinned version for (workflow, prompt).
func (s *SQLiteStore) Binding(ctx context.Context, workflowID, promptID string) (string, bool, error) {
	if err := s.guard(); err != nil {
		return "", false, err
	}

	var versionID string
	err := s.db.QueryRowContext(ctx,
		"SELECT version_id FROM workflow_prompt_versions WHERE workflow_id = ? AND prompt_id = ?",
		workflowID, promptID).Scan(&versionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load prompt binding: %w", err)
	}
	return versionID, true, nil
}

// SaveBinding pins a version for (workflow, prompt), first write wins.
func (s *SQLiteStore) SaveBinding(ctx context.Context, workflowID, promptID, versionID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_prompt_versions (workflow_id, prompt_id, version_id, bound_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id, prompt_id) DO NOTHING`,
		workflowID, promptID, versionID, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to save prompt binding: %w", err)
	}
	return nil
}

// Close closes the database connection. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func scanVersion(row *sql.Row) (Version, error) {
	var (
		v         Version
		note      sql.NullString
		createdAt string
	)
	if err := row.Scan(&v.ID, &v.PromptID, &v.Number, &v.Content, &note, &createdAt); err != nil {
		return Version{}, err
	}
	if note.Valid {
		v.ChangeNote = note.String
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Version{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	v.CreatedAt = ts
	return v, nil
}

func nullableNote(s string) any {
	if s == "" {
		return nil
	}
	return s
}
