package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

// PostgresWorkflowStore keeps one JSONB snapshot row per thread.
type PostgresWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPostgresWorkflowStore ensures the workflows and workflow_locks tables exist.
func NewPostgresWorkflowStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresWorkflowStore, error) {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS workflows (
		thread_id  TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		status     TEXT NOT NULL,
		payload    JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return nil, fmt.Errorf("ensure workflows table: %w", err)
	}
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS workflow_locks (
		lock_key   TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("ensure workflow_locks table: %w", err)
	}
	return &PostgresWorkflowStore{pool: pool}, nil
}

func (s *PostgresWorkflowStore) Save(ctx context.Context, state domain.WorkflowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (thread_id, patient_id, product_id, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (thread_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			product_id = EXCLUDED.product_id,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = now()`,
		state.ThreadID, state.PatientID, state.ProductID, string(state.Status), payload,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

func (s *PostgresWorkflowStore) Load(ctx context.Context, threadID string) (domain.WorkflowState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM workflows WHERE thread_id = $1`, threadID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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
// Every process pointed at the same database contends on the same rows.
func (s *PostgresWorkflowStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	token := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_locks (lock_key, token, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (lock_key) DO UPDATE SET
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at
		WHERE workflow_locks.expires_at < now()`,
		key, token, ttl.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("lock %q: %w", key, domain.ErrDuplicateRequest)
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.pool.Exec(ctx, `DELETE FROM workflow_locks WHERE lock_key = $1 AND token = $2`, key, token)
		if err != nil {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		return nil
	}, nil
}
