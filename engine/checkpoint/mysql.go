package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store for deployments that keep workflow
// history on a shared database server rather than a local file.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL using the given DSN and ensures the
// checkpoints schema exists.
//
// DSN format: user:password@tcp(host:port)/dbname?parseTime=true
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			parent_id VARCHAR(255),
			created_at DATETIME(6) NOT NULL,
			payload LONGBLOB NOT NULL,
			next_nodes JSON NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id),
			INDEX idx_checkpoints_thread_created (thread_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

// Put inserts a new checkpoint, returning ErrDuplicate when the
// (thread, checkpoint) key already exists.
func (s *MySQLStore) Put(ctx context.Context, cp Checkpoint) error {
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
		cp.CreatedAt.UTC(),
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
func (s *MySQLStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_id, parent_id, created_at, payload, next_nodes
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`
	cp, err := scanMySQLCheckpoint(s.db.QueryRowContext(ctx, query, threadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// Get returns the identified checkpoint, nil when absent.
func (s *MySQLStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_id, parent_id, created_at, payload, next_nodes
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_id = ?
	`
	cp, err := scanMySQLCheckpoint(s.db.QueryRowContext(ctx, query, threadID, checkpointID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// List returns all checkpoints for the thread, newest first.
func (s *MySQLStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_id, parent_id, created_at, payload, next_nodes
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanMySQLCheckpoint(rows)
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
func (s *MySQLStore) Purge(ctx context.Context, olderThan time.Time, threadIDs []string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if len(threadIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(threadIDs)), ", ")
	args := make([]any, 0, len(threadIDs)+1)
	args = append(args, olderThan.UTC())
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
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func scanMySQLCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		parent    sql.NullString
		nextNodes string
	)
	if err := row.Scan(&cp.ThreadID, &cp.ID, &parent, &cp.CreatedAt, &cp.Payload, &nextNodes); err != nil {
		return nil, err
	}
	if parent.Valid {
		cp.ParentID = parent.String
	}
	if err := json.Unmarshal([]byte(nextNodes), &cp.NextNodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal next nodes: %w", err)
	}
	return &cp, nil
}
