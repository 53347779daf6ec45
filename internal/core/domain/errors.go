package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrContention          = errors.New("contention")
	ErrInvalidResume       = errors.New("invalid resume")
	ErrCollaboratorTimeout = errors.New("collaborator timeout")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrInvalidTransition   = errors.New("invalid transition")
)

// InsufficientStockError reports how much stock was available when a
// decrement could not be satisfied.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
