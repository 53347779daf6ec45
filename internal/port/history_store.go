package port

import (
	"context"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

type HistoryStore interface {
	// Append records a purchase; records are never updated or deleted
	Append(ctx context.Context, rec domain.PurchaseRecord) error

	// PurchasesFor returns the pair's records in ascending purchase date
	PurchasesFor(ctx context.Context, patientID, productID string) ([]domain.PurchaseRecord, error)

	// Pairs lists every (patient, product) pair with at least one purchase
	Pairs(ctx context.Context) ([]domain.PairKey, error)
}
