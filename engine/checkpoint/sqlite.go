package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// A single-file database suited to Amelia's local, single-process
// deployment model. WAL mode keeps readers unblocked by the writer, and
// a busy timeout absorbs contention when the engine's workflow store
// shares the same file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the checkpoints schema exists.
//
// Use ":memory:" for an ephemeral database in tests.
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
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			created_at TEXT NOT NULL,
			payload BLOB NOT NULL,
			next_nodes TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_created ON checkpoints(thread_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread_created: %w", err)
	}
	return nil
}

// Put inserts a new checkpoint. The insert is a single statement, so it
// is atomic; ErrDuplicate is returned when the key already exists.
func (s *SQLiteStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := s.guard(); err != nil {
		return err
	}
	if cp.ThreadID == "" || cp.ID == "" {
		return fmt.Errorf("checkpoint requires thread id and checkpoint id")
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	nextNodes, err := json.Marshal(cp.NextNodes)
	if err != nil {
		return fmt.Errorf("failed to marshal next nodes: %w", err)
	}

	query := `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_id, created_at, payload, next_nodes)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.ThreadID,
		cp.ID,
		nullable(cp.ParentID),
		cp.CreatedAt.UTC().Format(time.RFC3339Nano),
		cp.Payload,
		string(nextNodes),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("checkpoint %s/%s: %w", cp.ThreadID, cp.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Latest returns the newest checkpoint for the thread, nil when none.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_id, parent_id, created_at, payload, next_nodes
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// Get returns the identified checkpoint, nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_id, parent_id, created_at, payload, next_nodes
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?
	`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID, checkpointID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// List returns all checkpoints for the thread, newest first.
func (s *SQLiteStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_id, parent_id, created_at, payload, next_nodes
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

// Purge deletes checkpoints older than the cutoff for the given threads.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time, threadIDs []string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if len(threadIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(threadIDs)), ", ")
	args := make([]any, 0, len(threadIDs)+1)
	args = append(args, olderThan.UTC().Format(time.RFC3339Nano))
	for _, id := range threadIDs {
		args = append(args, id)
	}

	// #nosec G201 -- placeholders are "?" marks, not user input
	query := fmt.Sprintf(`DELETE FROM checkpoints WHERE created_at < ? AND thread_id IN (%s)`, placeholders)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged checkpoints: %w", err)
	}
	return int(n), nil
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		parent    sql.NullString
		createdAt string
		nextNodes string
	)
	if err := row.Scan(&cp.ThreadID, &cp.ID, &parent, &createdAt, &cp.Payload, &nextNodes); err != nil {
		return nil, err
	}
	if parent.Valid {
		cp.ParentID = parent.String
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	cp.CreatedAt = ts
	if err := json.Unmarshal([]byte(nextNodes), &cp.NextNodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal next nodes: %w", err)
	}
	return &cp, nil
}

func nullable(s string) any {
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
