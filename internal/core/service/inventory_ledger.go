package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
	"github.com/rl1809/pharmacy-refill/internal/metrics"
	"github.com/rl1809/pharmacy-refill/internal/port"
)

var ErrInvalidQuantity = errors.New("quantity must be positive")

type LedgerConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// InventoryLedger is the only writer of stock levels. Every mutation is a
// compare-and-swap against the version that was read, so two callers can
// never both consume the same units.
type InventoryLedger struct {
	repo    port.StockRepository
	cfg     LedgerConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewInventoryLedger(repo port.StockRepository, cfg LedgerConfig, logger zerolog.Logger, m *metrics.Metrics) *InventoryLedger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &InventoryLedger{repo: repo, cfg: cfg, logger: logger, metrics: m}
}

func (l *InventoryLedger) GetStock(ctx context.Context, productID string) (int, error) {
	stock, err := l.repo.GetStock(ctx, productID)
	if err != nil {
		return 0, err
	}
	return stock.Level, nil
}

// TryDecrement removes quantity units if they are available and returns the
// new level. It fails with *domain.InsufficientStockError when stock is short
// and with domain.ErrContention once MaxAttempts CAS conflicts have occurred.
func (l *InventoryLedger) TryDecrement(ctx context.Context, productID string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	level, err := l.apply(ctx, productID, func(stock domain.Stock) (int, error) {
		if stock.Level < quantity {
			return 0, &domain.InsufficientStockError{
				ProductID: productID,
				Requested: quantity,
				Available: stock.Level,
			}
		}
		return stock.Level - quantity, nil
	})

	switch {
	case err == nil:
		l.metrics.ObserveDecrement("ok")
	case errors.Is(err, domain.ErrInsufficientStock):
		l.metrics.ObserveDecrement("insufficient")
	case errors.Is(err, domain.ErrContention):
		l.metrics.ObserveDecrement("contention")
	default:
		l.metrics.ObserveDecrement("error")
	}
	return level, err
}

// Restock adds quantity units, e.g. after procurement.
func (l *InventoryLedger) Restock(ctx context.Context, productID string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	return l.apply(ctx, productID, func(stock domain.Stock) (int, error) {
		return stock.Level + quantity, nil
	})
}

func (l *InventoryLedger) apply(ctx context.Context, productID string, next func(domain.Stock) (int, error)) (int, error) {
	backoff := l.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		stock, err := l.repo.GetStock(ctx, productID)
		if err != nil {
			return 0, fmt.Errorf("read stock %s: %w", productID, err)
		}

		level, err := next(stock)
		if err != nil {
			return 0, err
		}

		ok, err := l.repo.CompareAndSwap(ctx, productID, stock.Version, level)
		if err != nil {
			return 0, fmt.Errorf("write stock %s: %w", productID, err)
		}
		if ok {
			return level, nil
		}

		if attempt >= l.cfg.MaxAttempts {
			return 0, fmt.Errorf("stock %s changed on %d attempts: %w", productID, attempt, domain.ErrContention)
		}

		l.metrics.ObserveRetry()
		l.logger.Debug().
			Str("product_id", productID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("stock version conflict, retrying")

		if err := sleep(ctx, jitter(backoff)); err != nil {
			return 0, err
		}
		backoff = min(backoff*2, l.cfg.MaxBackoff)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
