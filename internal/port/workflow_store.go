package port

import (
	"context"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

type WorkflowStore interface {
	Save(ctx context.Context, state domain.WorkflowState) error

	// Load returns ErrNotFound for unknown threads
	Load(ctx context.Context, threadID string) (domain.WorkflowState, error)
}
