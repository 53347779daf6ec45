package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
	"github.com/rl1809/pharmacy-refill/internal/metrics"
	"github.com/rl1809/pharmacy-refill/internal/port"
)

const (
	defaultUnitCount = 10

	// blended estimate = (7*observed + 3*theoretical) / 10
	observedWeight    = 7
	theoreticalWeight = 3
)

var (
	packCountPattern = regexp.MustCompile(`(?i)(\d+)\s*x`)
	firstIntPattern  = regexp.MustCompile(`\d+`)

	dosagePerDay = map[string]int{
		"Once daily":        1,
		"Twice daily":       2,
		"Three times daily": 3,
		"As needed":         1,
	}
)

// ExtractUnitCount reads the number of units in a package label such as
// "30x0.5 ml" or "120 st".
func ExtractUnitCount(packageSize string) int {
	if m := packCountPattern.FindStringSubmatch(packageSize); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if m := firstIntPattern.FindString(packageSize); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			return n
		}
	}
	return defaultUnitCount
}

// DailyDosage maps a dosage frequency label to units per day.
func DailyDosage(frequency string) int {
	if n, ok := dosagePerDay[frequency]; ok {
		return n
	}
	return 1
}

// ClassifyUrgency compares daysUntil against the alert threshold.
func ClassifyUrgency(daysUntil, thresholdDays int) domain.Urgency {
	switch {
	case daysUntil < 0:
		return domain.Urgency{Kind: domain.UrgencyOverdue}
	case daysUntil <= thresholdDays:
		return domain.Urgency{Kind: domain.UrgencyAlertSoon, Days: daysUntil}
	default:
		return domain.Urgency{Kind: domain.UrgencyNone}
	}
}

type PredictorConfig struct {
	AlertThresholdDays int
	Workers            int
}

// RefillPredictor estimates when a patient runs out of a product.
type RefillPredictor struct {
	catalog port.Catalog
	history port.HistoryStore
	cfg     PredictorConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewRefillPredictor(catalog port.Catalog, history port.HistoryStore, cfg PredictorConfig, logger zerolog.Logger, m *metrics.Metrics) *RefillPredictor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &RefillPredictor{
		catalog: catalog,
		history: history,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Predict computes the refill prediction for one pair as of the given date.
func (p *RefillPredictor) Predict(ctx context.Context, patientID, productID string, asOf time.Time) (domain.Prediction, error) {
	product, err := p.catalog.Lookup(ctx, productID)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("lookup product %q: %w", productID, err)
	}

	records, err := p.history.PurchasesFor(ctx, patientID, product.ID)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("load purchases: %w", err)
	}
	if len(records) == 0 {
		return domain.Prediction{}, fmt.Errorf("patient %s product %s: %w", patientID, product.ID, domain.ErrInsufficientData)
	}

	return predictFrom(patientID, product, records, asOf, p.cfg.AlertThresholdDays), nil
}

// PredictAll runs Predict for every pair in the history store. Pairs without
// history or whose product left the formulary are skipped.
func (p *RefillPredictor) PredictAll(ctx context.Context, asOf time.Time) ([]domain.Prediction, error) {
	pairs, err := p.history.Pairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	return p.PredictPairs(ctx, pairs, asOf)
}

// PredictPatient returns every prediction for one patient, whatever its urgency.
func (p *RefillPredictor) PredictPatient(ctx context.Context, patientID string, asOf time.Time) ([]domain.Prediction, error) {
	pairs, err := p.history.Pairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	mine := make([]domain.PairKey, 0, len(pairs))
	for _, pair := range pairs {
		if pair.PatientID == patientID {
			mine = append(mine, pair)
		}
	}
	return p.PredictPairs(ctx, mine, asOf)
}

// PredictPairs predicts the given pairs with bounded parallelism and returns
// them sorted by patient, then product.
func (p *RefillPredictor) PredictPairs(ctx context.Context, pairs []domain.PairKey, asOf time.Time) ([]domain.Prediction, error) {
	var (
		mu      sync.Mutex
		results = make([]domain.Prediction, 0, len(pairs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, pair := range pairs {
		g.Go(func() error {
			pred, err := p.Predict(gctx, pair.PatientID, pair.ProductID, asOf)
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInsufficientData) {
				p.logger.Debug().Err(err).
					Str("patient_id", pair.PatientID).
					Str("product_id", pair.ProductID).
					Msg("skipping prediction")
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, pred)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].PatientID != results[j].PatientID {
			return results[i].PatientID < results[j].PatientID
		}
		return results[i].ProductID < results[j].ProductID
	})

	counts := make(map[string]int)
	for _, pred := range results {
		counts[pred.Urgency.Kind.String()]++
	}
	p.metrics.SetPredictionCounts(counts)

	return results, nil
}

func predictFrom(patientID string, product domain.Product, records []domain.PurchaseRecord, asOf time.Time, thresholdDays int) domain.Prediction {
	sorted := append([]domain.PurchaseRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PurchaseDate.Before(sorted[j].PurchaseDate)
	})
	last := sorted[len(sorted)-1]

	units := ExtractUnitCount(product.PackageSizeRaw)
	theoretical := float64(units*last.Quantity) / float64(DailyDosage(last.DosageFrequency))

	estimate := theoretical
	method := domain.MethodTheoretical
	if len(sorted) >= 2 {
		var total int
		for i := 1; i < len(sorted); i++ {
			total += daysBetween(sorted[i-1].PurchaseDate, sorted[i].PurchaseDate)
		}
		observed := float64(total) / float64(len(sorted)-1)
		estimate = (observedWeight*observed + theoreticalWeight*theoretical) / (observedWeight + theoreticalWeight)
		method = domain.MethodBlended
	}

	// epsilon absorbs float error so that e.g. 36.9999999 still floors to 37
	predicted := calendarDay(last.PurchaseDate).AddDate(0, 0, int(math.Floor(estimate+1e-9)))

	return domain.Prediction{
		PatientID:     patientID,
		ProductID:     product.ID,
		PredictedDate: predicted,
		Urgency:       ClassifyUrgency(daysBetween(asOf, predicted), thresholdDays),
		Method:        method,
	}
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(calendarDay(to).Sub(calendarDay(from)).Hours() / 24)
}
