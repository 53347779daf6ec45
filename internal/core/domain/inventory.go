package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a formulary entry. StockLevel mirrors the ledger at read time;
// it is only ever changed through the inventory ledger.
type Product struct {
	ID                   string
	Name                 string
	PZN                  string
	Price                decimal.Decimal
	PackageSizeRaw       string
	PrescriptionRequired bool
	StockLevel           int
}

// Stock is the ledger view of a product's inventory.
type Stock struct {
	ProductID string
	Level     int
	Version   int // optimistic locking
	UpdatedAt time.Time
}
