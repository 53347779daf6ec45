package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/rl1809/pharmacy-refill/internal/adapter/storage"
	"github.com/rl1809/pharmacy-refill/internal/core/domain"
	"github.com/rl1809/pharmacy-refill/internal/metrics"
	"github.com/rl1809/pharmacy-refill/internal/port"
)

// Mock Extractor that blocks until its context ends
type stallingExtractor struct{}

func (stallingExtractor) Extract(ctx context.Context, rawText string) (domain.Extraction, error) {
	<-ctx.Done()
	return domain.Extraction{}, ctx.Err()
}

// Mock Extractor returning a fixed result
type fixedExtractor struct {
	ext domain.Extraction
	err error
}

func (f fixedExtractor) Extract(ctx context.Context, rawText string) (domain.Extraction, error) {
	return f.ext, f.err
}

// Mock WorkflowStore that refuses every write
type failingStore struct {
	*storage.MemoryWorkflowStore
}

func (failingStore) Save(ctx context.Context, state domain.WorkflowState) error {
	return errors.New("disk full")
}

type orderFixture struct {
	svc     *OrderService
	catalog *storage.MemoryCatalog
	metrics *metrics.Metrics
}

func newOrderFixture(t *testing.T, store port.WorkflowStore, extractor port.Extractor) *orderFixture {
	t.Helper()
	catalog, history := newFormulary(t)
	if store == nil {
		store = storage.NewMemoryWorkflowStore()
	}
	m := metrics.New(prometheus.NewRegistry())
	svc := newTestOrderService(catalog, history, store, storage.NewMemoryLocker(), extractor, zerolog.Nop(), m)
	return &orderFixture{svc: svc, catalog: catalog, metrics: m}
}

// newFormulary returns the shared test catalog and purchase history.
func newFormulary(t *testing.T) (*storage.MemoryCatalog, *storage.MemoryHistory) {
	t.Helper()
	catalog := storage.NewMemoryCatalog(
		domain.Product{ID: "P-IBU", Name: "Ibuprofen 400mg", PackageSizeRaw: "20 st", StockLevel: 10},
		domain.Product{ID: "P-RAM", Name: "Ramipril 5mg", PackageSizeRaw: "30 st", PrescriptionRequired: true, StockLevel: 5},
		domain.Product{ID: "P-INS", Name: "Insulin Glargin", PackageSizeRaw: "10x3 ml", PrescriptionRequired: true, StockLevel: 0},
	)
	history := storage.NewMemoryHistory()
	for _, rec := range []domain.PurchaseRecord{
		{PatientID: "PAT001", ProductID: "P-RAM", PurchaseDate: day("2024-01-01"), Quantity: 1, DosageFrequency: "Once daily"},
		{PatientID: "PAT002", ProductID: "P-IBU", PurchaseDate: day("2024-02-08"), Quantity: 1, DosageFrequency: "Once daily"},
	} {
		if err := history.Append(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return catalog, history
}

func newTestOrderService(catalog *storage.MemoryCatalog, history *storage.MemoryHistory, store port.WorkflowStore,
	locker port.Locker, extractor port.Extractor, logger zerolog.Logger, m *metrics.Metrics) *OrderService {
	predictor := NewRefillPredictor(catalog, history, PredictorConfig{AlertThresholdDays: 5, Workers: 2}, logger, m)
	ledger := NewInventoryLedger(catalog, testLedgerConfig, logger, m)

	return NewOrderService(OrderDeps{
		Catalog:   catalog,
		Predictor: predictor,
		Ledger:    ledger,
		Store:     store,
		Locker:    locker,
		Extractor: extractor,
	}, OrderConfig{
		CollaboratorTimeout: 50 * time.Millisecond,
		HoldLockTTL:         time.Second,
		Clock:               func() time.Time { return day("2024-02-10") },
	}, logger, m)
}

func (f *orderFixture) stock(t *testing.T, productID string) int {
	t.Helper()
	s, err := f.catalog.GetStock(context.Background(), productID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	return s.Level
}

func traceContains(trace []string, substr string) bool {
	for _, line := range trace {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestSubmitOrder_CompletesOTC(t *testing.T) {
	f := newOrderFixture(t, nil, nil)

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{PatientID: "PAT002", Product: "Ibuprofen", Quantity: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s): %v", res.Status, res.Reason, res.Trace)
	}
	if last := res.Trace[len(res.Trace)-1]; !strings.Contains(last, "Success! Remaining stock: 9") {
		t.Errorf("unexpected final trace entry %q", last)
	}
	if f.stock(t, "P-IBU") != 9 {
		t.Errorf("expected stock 9, got %d", f.stock(t, "P-IBU"))
	}

	saved, err := f.svc.GetWorkflow(context.Background(), res.ThreadID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if saved.Status != domain.StatusCompleted || saved.ProductID != "P-IBU" {
		t.Errorf("unexpected snapshot %+v", saved)
	}
	if got := testutil.ToFloat64(f.metrics.WorkflowOutcomes.WithLabelValues("completed")); got != 1 {
		t.Errorf("expected 1 completed outcome, got %v", got)
	}
}

func TestSubmitOrder_NotInFormulary(t *testing.T) {
	f := newOrderFixture(t, nil, nil)

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{PatientID: "PAT001", Product: "Unobtainium", Quantity: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusRejected || res.Reason != domain.ReasonNotInFormulary {
		t.Errorf("expected rejected/NotInFormulary, got %s/%s", res.Status, res.Reason)
	}
	if !traceContains(res.Trace, "not found in formulary") {
		t.Errorf("trace missing formulary note: %v", res.Trace)
	}
}

func TestSubmitOrder_OutOfStock(t *testing.T) {
	f := newOrderFixture(t, nil, nil)

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{PatientID: "PAT002", Product: "P-IBU", Quantity: 11})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusRejected || res.Reason != domain.ReasonOutOfStock {
		t.Errorf("expected rejected/OutOfStock, got %s/%s", res.Status, res.Reason)
	}
	if f.stock(t, "P-IBU") != 10 {
		t.Errorf("stock must be untouched, got %d", f.stock(t, "P-IBU"))
	}
}

func TestSubmitOrder_PrescriptionCorroboratedByHistory(t *testing.T) {
	f := newOrderFixture(t, nil, nil)

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{PatientID: "PAT001", Product: "Ramipril 5mg", Quantity: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s): %v", res.Status, res.Reason, res.Trace)
	}
	// refill was due 2024-01-31
	if !traceContains(res.Trace, "Safety alert") {
		t.Errorf("expected overdue safety alert in trace: %v", res.Trace)
	}
	if f.stock(t, "P-RAM") != 4 {
		t.Errorf("expected stock 4, got %d", f.stock(t, "P-RAM"))
	}
}

func TestSubmitOrder_HoldThenApprove(t *testing.T) {
	f := newOrderFixture(t, nil, nil)
	ctx := context.Background()

	held, err := f.svc.SubmitOrder(ctx, OrderRequest{PatientID: "PAT009", Product: "Ramipril 5mg", Quantity: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if held.Status != domain.StatusHold || held.Reason != domain.ReasonManualVerificationRequired {
		t.Fatalf("expected hold/ManualVerificationRequired, got %s/%s", held.Status, held.Reason)
	}
	if f.stock(t, "P-RAM") != 5 {
		t.Fatalf("hold must not touch stock, got %d", f.stock(t, "P-RAM"))
	}

	res, err := f.svc.ApproveHold(ctx, held.ThreadID, "verified")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Reason)
	}
	if res.ThreadID != held.ThreadID {
		t.Errorf("thread id changed: %s -> %s", held.ThreadID, res.ThreadID)
	}
	for i, line := range held.Trace {
		if res.Trace[i] != line {
			t.Fatalf("trace entry %d rewritten: %q -> %q", i, line, res.Trace[i])
		}
	}
	if !traceContains(res.Trace[len(held.Trace):], `"verified"`) {
		t.Errorf("expected audit note with pharmacist notes: %v", res.Trace)
	}
	if f.stock(t, "P-RAM") != 4 {
		t.Errorf("expected stock 4, got %d", f.stock(t, "P-RAM"))
	}

	// resuming a finished thread is refused and never decrements again
	_, err = f.svc.ApproveHold(ctx, held.ThreadID, "again")
	if !errors.Is(err, domain.ErrInvalidResume) {
		t.Errorf("expected ErrInvalidResume, got: %v", err)
	}
	if f.stock(t, "P-RAM") != 4 {
		t.Errorf("expected stock 4, got %d", f.stock(t, "P-RAM"))
	}
}

func TestApproveHold_InsufficientStockFails(t *testing.T) {
	f := newOrderFixture(t, nil, nil)
	ctx := context.Background()

	held, err := f.svc.SubmitOrder(ctx, OrderRequest{PatientID: "PAT009", Product: "P-INS", Quantity: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if held.Status != domain.StatusHold {
		t.Fatalf("expected hold, got %s", held.Status)
	}

	res, err := f.svc.ApproveHold(ctx, held.ThreadID, "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Status != domain.StatusFailed || res.Reason != domain.ReasonInsufficientStock {
		t.Errorf("expected failed/InsufficientStock, got %s/%s", res.Status, res.Reason)
	}
}

func TestApproveHold_UnknownThread(t *testing.T) {
	f := newOrderFixture(t, nil, nil)

	_, err := f.svc.ApproveHold(context.Background(), "no-such-thread", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestApproveHold_ConcurrentFulfillsOnce(t *testing.T) {
	f := newOrderFixture(t, nil, nil)
	ctx := context.Background()

	held, err := f.svc.SubmitOrder(ctx, OrderRequest{PatientID: "PAT009", Product: "P-RAM", Quantity: 2})
	if err != nil || held.Status != domain.StatusHold {
		t.Fatalf("expected hold, got %s: %v", held.Status, err)
	}

	var completed atomic.Int32
	var refused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ApproveHold(ctx, held.ThreadID, "verified")
			switch {
			case err == nil && res.Status == domain.StatusCompleted:
				completed.Add(1)
			case errors.Is(err, domain.ErrInvalidResume):
				refused.Add(1)
			default:
				t.Errorf("unexpected outcome %s: %v", res.Status, err)
			}
		}()
	}
	wg.Wait()

	if completed.Load() != 1 {
		t.Errorf("expected exactly 1 completion, got %d", completed.Load())
	}
	if refused.Load() != 19 {
		t.Errorf("expected 19 refusals, got %d", refused.Load())
	}
	if f.stock(t, "P-RAM") != 3 {
		t.Errorf("expected stock 3, got %d", f.stock(t, "P-RAM"))
	}
}

func TestSubmitOrder_ExtractorTimeout(t *testing.T) {
	f := newOrderFixture(t, nil, stallingExtractor{})

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{RawText: "PAT001 needs Ibuprofen"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusError || res.Reason != domain.ReasonCollaboratorTimeout {
		t.Errorf("expected error/CollaboratorTimeout, got %s/%s", res.Status, res.Reason)
	}
	if f.stock(t, "P-IBU") != 10 {
		t.Errorf("stock must be untouched, got %d", f.stock(t, "P-IBU"))
	}
}

func TestSubmitOrder_ExtractionFillsMissingFields(t *testing.T) {
	ext := fixedExtractor{ext: domain.Extraction{PatientID: "PAT002", ProductID: "P-IBU", Quantity: 2, Confidence: 1}}
	f := newOrderFixture(t, nil, ext)

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{RawText: "two packs of ibuprofen for PAT002"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s): %v", res.Status, res.Reason, res.Trace)
	}
	if f.stock(t, "P-IBU") != 8 {
		t.Errorf("expected stock 8, got %d", f.stock(t, "P-IBU"))
	}
}

func TestSubmitOrder_ExtractionErrorIsNotFatal(t *testing.T) {
	f := newOrderFixture(t, nil, fixedExtractor{err: errors.New("model unavailable")})

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{PatientID: "PAT002", Product: "P-IBU", RawText: "refill please"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s (%s)", res.Status, res.Reason)
	}
	if !traceContains(res.Trace, "defaulting to 1") {
		t.Errorf("expected quantity default note: %v", res.Trace)
	}
}

func TestSubmitOrder_HoldNotPersistedBecomesError(t *testing.T) {
	f := newOrderFixture(t, failingStore{storage.NewMemoryWorkflowStore()}, nil)

	res, err := f.svc.SubmitOrder(context.Background(), OrderRequest{PatientID: "PAT009", Product: "P-RAM", Quantity: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusError || res.Reason != domain.ReasonCollaboratorFailure {
		t.Errorf("expected error/CollaboratorFailure, got %s/%s", res.Status, res.Reason)
	}
}

func TestSubmitOrder_CancelledContext(t *testing.T) {
	f := newOrderFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.SubmitOrder(ctx, OrderRequest{PatientID: "PAT002", Product: "P-IBU"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if f.stock(t, "P-IBU") != 10 {
		t.Errorf("stock must be untouched, got %d", f.stock(t, "P-IBU"))
	}
}

func TestListPredictions(t *testing.T) {
	f := newOrderFixture(t, nil, nil)
	ctx := context.Background()

	actionable, err := f.svc.ListPredictions(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actionable) != 1 || actionable[0].PatientID != "PAT001" || actionable[0].Urgency.Kind != domain.UrgencyOverdue {
		t.Fatalf("expected only PAT001 overdue, got %+v", actionable)
	}

	again, err := f.svc.ListPredictions(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(again) != len(actionable) || again[0] != actionable[0] {
		t.Errorf("repeated call differs: %+v vs %+v", again, actionable)
	}

	mine, err := f.svc.ListPredictions(ctx, "PAT002")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 || mine[0].Urgency.Kind != domain.UrgencyNone {
		t.Errorf("expected one non-urgent prediction for PAT002, got %+v", mine)
	}
}
