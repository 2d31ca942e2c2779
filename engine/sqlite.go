package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ameliahq/amelia/engine/driver"
	"github.com/ameliahq/amelia/engine/event"
)

// SQLiteStore is a SQLite-backed Store holding the workflows table, the
// append-only workflow_log, and token_usage rows.
//
// A partial unique index on worktree_path enforces worktree exclusivity
// at the storage layer: at most one row may be in_progress or blocked
// per worktree, whatever the engine above it does.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
//
// Use ":memory:" for an ephemeral database in tests. The file may be
// shared with checkpoint.NewSQLiteStore; the schemas do not overlap.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
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

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			status TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			failure_reason TEXT,
			issue_cache BLOB,
			plan_cache BLOB
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_active_worktree
			ON workflows(worktree_path)
			WHERE status IN ('in_progress', 'blocked')`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_log (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			event_type TEXT NOT NULL,
			agent TEXT,
			message TEXT NOT NULL,
			data TEXT,
			trace_id TEXT,
			parent_id TEXT,
			UNIQUE (workflow_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_log_timestamp ON workflow_log(timestamp)`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_usage_workflow ON token_usage(workflow_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run schema statement: %w", err)
		}
	}
	return nil
}

// CreateWorkflow implements Store.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w Workflow) error {
	if err := s.guard(); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("workflow requires an id")
	}
	query := `
		INSERT INTO workflows (id, issue_id, worktree_path, status, profile_id,
			created_at, started_at, completed_at, failure_reason, issue_cache, plan_cache)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		w.ID,
		w.IssueID,
		w.Worktree,
		string(w.Status),
		w.ProfileID,
		formatTime(w.CreatedAt),
		nullableTime(w.StartedAt),
		nullableTime(w.CompletedAt),
		nullableStr(w.FailureReason),
		w.IssueCache,
		w.PlanCache,
	)
	if err != nil {
		if isWorktreeViolation(err) {
			return fmt.Errorf("worktree %s: %w", w.Worktree, ErrWorktreeBusy)
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	w, err := scanWorkflow(s.db.QueryRowContext(ctx, workflowSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return w, nil
}

// UpdateWorkflow implements Store.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w Workflow) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `
		UPDATE workflows
		SET issue_id = ?, worktree_path = ?, status = ?, profile_id = ?,
			created_at = ?, started_at = ?, completed_at = ?, failure_reason = ?,
			issue_cache = ?, plan_cache = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		w.IssueID,
		w.Worktree,
		string(w.Status),
		w.ProfileID,
		formatTime(w.CreatedAt),
		nullableTime(w.StartedAt),
		nullableTime(w.CompletedAt),
		nullableStr(w.FailureReason),
		w.IssueCache,
		w.PlanCache,
		w.ID,
	)
	if err != nil {
		if isWorktreeViolation(err) {
			return fmt.Errorf("worktree %s: %w", w.Worktree, ErrWorktreeBusy)
		}
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("workflow %q: %w", w.ID, ErrNotFound)
	}
	return nil
}

// ListWorkflows implements Store.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, statuses ...Status) ([]Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := workflowSelect
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
		query += fmt.Sprintf(` WHERE status IN (%s)`, placeholders)
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}
	return out, nil
}

// ActiveOnWorktree implements Store.
func (s *SQLiteStore) ActiveOnWorktree(ctx context.Context, worktree string) (*Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := workflowSelect + ` WHERE worktree_path = ? AND status IN ('in_progress', 'blocked')`
	w, err := scanWorkflow(s.db.QueryRowContext(ctx, query, worktree))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active workflow: %w", err)
	}
	return w, nil
}

// AppendEvent implements Store.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e event.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	var data any
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = string(raw)
	}
	query := `
		INSERT INTO workflow_log (id, workflow_id, sequence, timestamp, level,
			event_type, agent, message, data, trace_id, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.WorkflowID,
		e.Sequence,
		formatTime(e.Timestamp),
		string(e.Level),
		string(e.Type),
		nullableStr(e.Agent),
		e.Message,
		data,
		nullableStr(e.TraceID),
		nullableStr(e.ParentID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s/%d already logged", e.WorkflowID, e.Sequence)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Events implements Store.
func (s *SQLiteStore) Events(ctx context.Context, workflowID string, since int64) ([]event.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := eventSelect + ` WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, workflowID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

// LastEvent implements Store.
func (s *SQLiteStore) LastEvent(ctx context.Context, workflowID string) (*event.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := eventSelect + ` WHERE workflow_id = ? ORDER BY sequence DESC LIMIT 1`
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, workflowID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last event: %w", err)
	}
	return e, nil
}

// PurgeEvents implements Store.
func (s *SQLiteStore) PurgeEvents(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_log WHERE timestamp < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged events: %w", err)
	}
	return int(n), nil
}

// AppendUsage implements Store.
func (s *SQLiteStore) AppendUsage(ctx context.Context, u driver.TokenUsage) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `
		INSERT INTO token_usage (workflow_id, agent, model, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		u.WorkflowID,
		u.Agent,
		u.Model,
		u.InputTokens,
		u.OutputTokens,
		u.CacheReadTokens,
		u.CacheCreationTokens,
		u.CostUSD,
		u.DurationMS,
		u.NumTurns,
		formatTime(u.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert token usage: %w", err)
	}
	return nil
}

// Usage implements Store.
func (s *SQLiteStore) Usage(ctx context.Context, workflowID string) ([]driver.TokenUsage, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT workflow_id, agent, model, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, timestamp
		FROM token_usage
		WHERE workflow_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []driver.TokenUsage
	for rows.Next() {
		var (
			u  driver.TokenUsage
			ts string
		)
		if err := rows.Scan(&u.WorkflowID, &u.Agent, &u.Model, &u.InputTokens, &u.OutputTokens,
			&u.CacheReadTokens, &u.CacheCreationTokens, &u.CostUSD, &u.DurationMS, &u.NumTurns, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan token usage row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse usage timestamp: %w", err)
		}
		u.Timestamp = t
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token usage rows: %w", err)
	}
	return out, nil
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
		return fmt.Errorf("workflow store: %w", ErrClosed)
	}
	return nil
}

const workflowSelect = `
	SELECT id, issue_id, worktree_path, status, profile_id, created_at,
		started_at, completed_at, failure_reason, issue_cache, plan_cache
	FROM workflows
`

const eventSelect = `
	SELECT id, workflow_id, sequence, timestamp, level, event_type, agent,
		message, data, trace_id, parent_id
	FROM workflow_log
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		w         Workflow
		status    string
		createdAt string
		started   sql.NullString
		completed sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(&w.ID, &w.IssueID, &w.Worktree, &status, &w.ProfileID,
		&createdAt, &started, &completed, &reason, &w.IssueCache, &w.PlanCache); err != nil {
		return nil, err
	}
	w.Status = Status(status)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	w.CreatedAt = t
	if started.Valid {
		if w.StartedAt, err = time.Parse(time.RFC3339Nano, started.String); err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
	}
	if completed.Valid {
		if w.CompletedAt, err = time.Parse(time.RFC3339Nano, completed.String); err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
	}
	if reason.Valid {
		w.FailureReason = reason.String
	}
	return &w, nil
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		e      event.Event
		ts     string
		level  string
		etype  string
		agent  sql.NullString
		data   sql.NullString
		trace  sql.NullString
		parent sql.NullString
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.Sequence, &ts, &level, &etype,
		&agent, &e.Message, &data, &trace, &parent); err != nil {
		return nil, err
	}
	e.Level = event.Level(level)
	e.Type = event.Type(etype)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
	}
	e.Timestamp = t
	if agent.Valid {
		e.Agent = agent.String
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	if trace.Valid {
		e.TraceID = trace.String
	}
	if parent.Valid {
		e.ParentID = parent.String
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "Duplicate entry")
}

// isWorktreeViolation distinguishes the active-worktree index from other
// unique violations so the caller sees ErrWorktreeBusy rather than a
// generic duplicate. SQLite names either the column or the index in the
// message depending on how the constraint was declared.
func isWorktreeViolation(err error) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), "worktree")
}
