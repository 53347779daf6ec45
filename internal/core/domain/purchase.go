package domain

import "time"

type PurchaseRecord struct {
	PatientID       string
	ProductID       string
	PurchaseDate    time.Time
	Quantity        int
	DosageFrequency string
}

// PairKey identifies one patient's history for one product.
type PairKey struct {
	PatientID string
	ProductID string
}
