package port

import (
	"context"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

type StockRepository interface {
	// GetStock returns the current level and version, ErrNotFound for unknown products
	GetStock(ctx context.Context, productID string) (domain.Stock, error)

	// CompareAndSwap writes newLevel only if the stored version still equals expectedVersion
	CompareAndSwap(ctx context.Context, productID string, expectedVersion, newLevel int) (bool, error)

	// SetStock overwrites the level unconditionally (seeding only)
	SetStock(ctx context.Context, productID string, level int) error
}
