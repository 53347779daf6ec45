package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
	"github.com/rl1809/pharmacy-refill/internal/metrics"
	"github.com/rl1809/pharmacy-refill/internal/port"
)

const holdLockPrefix = "hold:"

type OrderRequest struct {
	PatientID string
	Product   string
	Quantity  int
	RawText   string
}

type OrderResult struct {
	ThreadID string
	Status   domain.Status
	Reason   string
	Trace    []string
}

type OrderConfig struct {
	CollaboratorTimeout time.Duration
	HoldLockTTL         time.Duration

	// Clock supplies the reference date for predictions
	Clock func() time.Time
}

type OrderDeps struct {
	Catalog   port.Catalog
	Predictor *RefillPredictor
	Ledger    *InventoryLedger
	Store     port.WorkflowStore
	Locker    port.Locker
	Extractor port.Extractor // optional
}

// OrderService runs order workflows: intake, validate, predictive annotation
// and fulfillment, with pharmacist holds persisted between calls.
type OrderService struct {
	deps    OrderDeps
	cfg     OrderConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewOrderService(deps OrderDeps, cfg OrderConfig, logger zerolog.Logger, m *metrics.Metrics) *OrderService {
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 3 * time.Second
	}
	if cfg.HoldLockTTL <= 0 {
		cfg.HoldLockTTL = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &OrderService{deps: deps, cfg: cfg, logger: logger, metrics: m}
}

// SubmitOrder runs a new workflow instance until it reaches a terminal
// status or suspends in Hold.
func (s *OrderService) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}

	w := &workflowRun{
		svc: s,
		state: domain.WorkflowState{
			ThreadID:  uuid.NewString(),
			PatientID: req.PatientID,
			ProductID: req.Product,
			Quantity:  req.Quantity,
			Status:    domain.StatusPending,
		},
	}

	w.intake(ctx, req.RawText)
	if w.state.Status == domain.StatusPending {
		w.validate(ctx)
	}
	w.persist(ctx)

	if w.state.Status == domain.StatusApproved {
		w.annotate()
		w.act(ctx)
		w.persist(ctx)
	}

	return s.finish(w.state), nil
}

// ApproveHold releases a held workflow on a pharmacist's behalf and runs
// fulfillment. Only one approval per thread can be in flight.
func (s *OrderService) ApproveHold(ctx context.Context, threadID, notes string) (OrderResult, error) {
	unlock, err := s.deps.Locker.TryLock(ctx, holdLockPrefix+threadID, s.cfg.HoldLockTTL)
	if errors.Is(err, domain.ErrDuplicateRequest) {
		return OrderResult{}, fmt.Errorf("thread %s: approval already in progress: %w", threadID, domain.ErrInvalidResume)
	}
	if err != nil {
		return OrderResult{}, fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Error().Err(err).Str("thread_id", threadID).Msg("release hold lock")
		}
	}()

	lctx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	state, err := s.deps.Store.Load(lctx, threadID)
	cancel()
	if err != nil {
		return OrderResult{}, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if state.Status != domain.StatusHold {
		return toResult(state), fmt.Errorf("thread %s is %s: %w", threadID, state.Status, domain.ErrInvalidResume)
	}

	w := &workflowRun{svc: s, state: state}
	w.state.Note("Audit: hold released by pharmacist override, notes: %q", notes)
	if err := w.state.Transition(domain.StatusApproved, domain.ReasonPharmacistOverride); err != nil {
		return toResult(state), err
	}
	// the thread must leave Hold in storage before stock moves
	w.persist(ctx)
	w.act(ctx)
	w.persist(ctx)

	return s.finish(w.state), nil
}

// ListPredictions returns the predictions for one patient, or every
// prediction that needs action when patientID is empty.
func (s *OrderService) ListPredictions(ctx context.Context, patientID string) ([]domain.Prediction, error) {
	asOf := s.cfg.Clock()
	if patientID == "" {
		all, err := s.deps.Predictor.PredictAll(ctx, asOf)
		if err != nil {
			return nil, err
		}
		actionable := make([]domain.Prediction, 0, len(all))
		for _, p := range all {
			if p.Urgency.Kind != domain.UrgencyNone {
				actionable = append(actionable, p)
			}
		}
		return actionable, nil
	}

	return s.deps.Predictor.PredictPatient(ctx, patientID, asOf)
}

// GetWorkflow returns the last persisted snapshot of a thread.
func (s *OrderService) GetWorkflow(ctx context.Context, threadID string) (domain.WorkflowState, error) {
	return s.deps.Store.Load(ctx, threadID)
}

func (s *OrderService) finish(state domain.WorkflowState) OrderResult {
	s.metrics.ObserveWorkflow(string(state.Status))
	s.logger.Info().
		Str("thread_id", state.ThreadID).
		Str("patient_id", state.PatientID).
		Str("product_id", state.ProductID).
		Str("status", string(state.Status)).
		Str("reason", state.Reason).
		Msg("workflow returned")
	return toResult(state)
}

func toResult(state domain.WorkflowState) OrderResult {
	return OrderResult{
		ThreadID: state.ThreadID,
		Status:   state.Status,
		Reason:   state.Reason,
		Trace:    append([]string(nil), state.Trace...),
	}
}
