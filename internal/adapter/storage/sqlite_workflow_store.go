package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

// SQLiteWorkflowStore persists snapshots to a local file. Processes sharing
// the file also share its hold leases.
type SQLiteWorkflowStore struct {
	db *sql.DB
}

func NewSQLiteWorkflowStore(path string) (*SQLiteWorkflowStore, error) {
	if path == "" {
		path = "workflows.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	// other handles on the same file wait for the write lock instead of failing
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer avoids SQLITE_BUSY under concurrent workflows
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS workflows (
		thread_id TEXT PRIMARY KEY,
		status    TEXT NOT NULL,
		payload   BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create workflows table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS workflow_locks (
		lock_key   TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create workflow_locks table: %w", err)
	}
	return &SQLiteWorkflowStore{db: db}, nil
}

func (s *SQLiteWorkflowStore) Save(ctx context.Context, state domain.WorkflowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflows(thread_id, status, payload) VALUES(?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		state.ThreadID, string(state.Status), payload)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

func (s *SQLiteWorkflowStore) Load(ctx context.Context, threadID string) (domain.WorkflowState, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM workflows WHERE thread_id = ?`, threadID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowState{}, fmt.Errorf("workflow %q: %w", threadID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.WorkflowState{}, fmt.Errorf("query workflow: %w", err)
	}

	var state domain.WorkflowState
	if err := json.Unmarshal(payload, &state); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("decode workflow: %w", err)
	}
	return state, nil
}

// TryLock inserts a lease row, or takes over one whose lease has run out.
func (s *SQLiteWorkflowStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	token := uuid.NewString()
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO workflow_locks(lock_key, token, expires_at) VALUES(?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE workflow_locks.expires_at < ?`,
		key, token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("lock %q: %w", key, domain.ErrDuplicateRequest)
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_locks WHERE lock_key = ? AND token = ?`, key, token); err != nil {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		return nil
	}, nil
}

func (s *SQLiteWorkflowStore) Close() error { return s.db.Close() }
