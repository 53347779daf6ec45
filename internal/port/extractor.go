package port

import (
	"context"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

type Extractor interface {
	// Extract pulls whatever entities it can find; missing fields are left empty
	Extract(ctx context.Context, rawText string) (domain.Extraction, error)
}
