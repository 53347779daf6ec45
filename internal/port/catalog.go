package port

import (
	"context"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

type Catalog interface {
	// Lookup resolves an exact product ID or name (case-insensitive), ErrNotFound otherwise
	Lookup(ctx context.Context, nameOrID string) (domain.Product, error)

	// FuzzyLookup resolves free text to the best matching formulary product
	FuzzyLookup(ctx context.Context, text string) (domain.Product, error)

	// Products lists the formulary ordered by product ID
	Products(ctx context.Context) ([]domain.Product, error)
}
