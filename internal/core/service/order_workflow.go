package service

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

// below this extraction confidence the intake stage notes that it guessed
const lowConfidence = 0.5

const (
	persistAttempts = 3
	persistBackoff  = 20 * time.Millisecond
)

// workflowRun carries one instance through its stages. Each stage mutates
// only w.state and appends to its trace.
type workflowRun struct {
	svc   *OrderService
	state domain.WorkflowState

	prediction    *domain.Prediction
	predictionErr error
}

func (w *workflowRun) intake(ctx context.Context, rawText string) {
	s := w.svc
	if rawText != "" && s.deps.Extractor != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
		ext, err := s.deps.Extractor.Extract(cctx, rawText)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			w.fail("Intake: extraction timed out", domain.ReasonCollaboratorTimeout)
			return
		case errors.Is(err, context.Canceled):
			w.fail("Intake: request abandoned during extraction", domain.ReasonCancelled)
			return
		case err != nil:
			w.state.Note("Intake: extraction failed (%v), continuing with supplied values", err)
		default:
			if w.state.PatientID == "" {
				w.state.PatientID = ext.PatientID
			}
			if w.state.ProductID == "" {
				w.state.ProductID = ext.ProductID
			}
			if w.state.Quantity <= 0 {
				w.state.Quantity = ext.Quantity
			}
			if ext.Confidence < lowConfidence {
				w.state.Note("Intake: low-confidence extraction (%.2f), using best-effort values", ext.Confidence)
			}
		}
	}

	if w.state.Quantity <= 0 {
		w.state.Quantity = 1
		w.state.Note("Intake: quantity not specified, defaulting to 1")
	}
	if w.state.PatientID == "" {
		w.state.Note("Intake: patient not identified")
	}
	w.state.Note("Intake: patient %s requested %dx %s", w.state.PatientID, w.state.Quantity, w.state.ProductID)
}

func (w *workflowRun) validate(ctx context.Context) {
	s := w.svc
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	defer cancel()

	product, err := w.resolveProduct(cctx)
	if errors.Is(err, domain.ErrNotFound) {
		w.state.Note("Validator: %q not found in formulary", w.state.ProductID)
		w.transition(domain.StatusRejected, domain.ReasonNotInFormulary)
		return
	}
	if err != nil {
		w.collaboratorError("Validator: catalog lookup failed", err)
		return
	}
	w.state.ProductID = product.ID
	w.state.Note("Validator: found %s, checking prescription and stock", product.Name)

	pred, err := s.deps.Predictor.Predict(cctx, w.state.PatientID, product.ID, s.cfg.Clock())
	switch {
	case err == nil:
		w.prediction = &pred
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.collaboratorError("Validator: prediction lookup failed", err)
		return
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInsufficientData):
		w.predictionErr = err
	default:
		w.predictionErr = err
		w.state.Note("Validator: refill history unavailable (%v)", err)
	}

	if product.PrescriptionRequired {
		if w.prediction == nil {
			w.state.Note("Validator: prescription required and no matching prediction on file, holding for pharmacist")
			w.transition(domain.StatusHold, domain.ReasonManualVerificationRequired)
			return
		}
		w.state.Note("Validator: prescription corroborated by refill history (%s)", w.prediction.Urgency.Action())
	}
	if w.prediction != nil && w.prediction.Urgency.Kind == domain.UrgencyOverdue {
		w.state.Note("Safety alert: patient is overdue, expediting order")
	}

	available, err := s.deps.Ledger.GetStock(cctx, product.ID)
	if errors.Is(err, domain.ErrNotFound) {
		available, err = 0, nil
	}
	if err != nil {
		w.collaboratorError("Validator: stock lookup failed", err)
		return
	}
	if available < w.state.Quantity {
		w.state.Note("Validator: stock insufficient (%d available)", available)
		w.transition(domain.StatusRejected, domain.ReasonOutOfStock)
		return
	}

	w.state.Note("Validator: safety check passed, inventory sufficient")
	w.transition(domain.StatusApproved, "")
}

func (w *workflowRun) resolveProduct(ctx context.Context) (domain.Product, error) {
	if w.state.ProductID == "" {
		return domain.Product{}, domain.ErrNotFound
	}
	catalog := w.svc.deps.Catalog
	product, err := catalog.Lookup(ctx, w.state.ProductID)
	if errors.Is(err, domain.ErrNotFound) {
		return catalog.FuzzyLookup(ctx, w.state.ProductID)
	}
	return product, err
}

// annotate is observational only and never changes status.
func (w *workflowRun) annotate() {
	switch {
	case w.prediction != nil:
		w.state.Note("Predictive: order aligns with historical usage, refill predicted for %s (%s)",
			w.prediction.PredictedDate.Format("2006-01-02"), w.prediction.Urgency.Action())
	case w.predictionErr != nil && !errors.Is(w.predictionErr, domain.ErrNotFound) &&
		!errors.Is(w.predictionErr, domain.ErrInsufficientData):
		w.state.Note("Predictive: history unavailable, skipping comparison")
	default:
		w.state.Note("Predictive: new patient/product combination detected")
	}
}

// act performs the single stock decrement for this thread. Once the call
// starts it runs detached from the caller so that a decrement is always
// followed by a recorded terminal status.
func (w *workflowRun) act(ctx context.Context) {
	if w.state.Status != domain.StatusApproved {
		w.state.Note("Action: execution skipped due to %s status", w.state.Status)
		return
	}
	if ctx.Err() != nil {
		w.fail("Action: request abandoned before fulfillment", domain.ReasonCancelled)
		return
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.svc.cfg.CollaboratorTimeout)
	defer cancel()

	remaining, err := w.svc.deps.Ledger.TryDecrement(actx, w.state.ProductID, w.state.Quantity)
	switch {
	case err == nil:
		w.state.Note("Action: inventory updated. Success! Remaining stock: %d", remaining)
		w.transition(domain.StatusCompleted, "")
	case errors.Is(err, domain.ErrInsufficientStock):
		w.state.Note("Action: %v", err)
		w.transition(domain.StatusFailed, domain.ReasonInsufficientStock)
	case errors.Is(err, domain.ErrContention):
		w.state.Note("Action: %v", err)
		w.transition(domain.StatusFailed, domain.ReasonContention)
	default:
		w.collaboratorError("Action: inventory update failed", err)
	}
}

// persist saves the snapshot, retrying transient store failures. A Hold or
// Approved instance that still cannot be saved moves to Error, since it could
// not be resumed or audited. A terminal status that cannot be saved is logged
// with enough detail to reconcile stock by hand.
func (w *workflowRun) persist(ctx context.Context) {
	s := w.svc
	base := context.WithoutCancel(ctx)
	w.state.UpdatedAt = s.cfg.Clock().UTC()
	snapshot := w.state.Clone()

	var err error
	backoff := persistBackoff
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(base, s.cfg.CollaboratorTimeout)
		err = s.deps.Store.Save(pctx, snapshot)
		cancel()
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Str("thread_id", w.state.ThreadID).Int("attempt", attempt).Msg("persist workflow")
		if attempt < persistAttempts {
			_ = sleep(base, jitter(backoff))
			backoff *= 2
		}
	}

	if domain.CanTransition(w.state.Status, domain.StatusError) && w.state.Status != domain.StatusPending {
		w.collaboratorError("Persist: snapshot not saved", err)
		return
	}
	if w.state.Status.Terminal() {
		s.logger.Error().Err(err).
			Str("thread_id", w.state.ThreadID).
			Str("patient_id", w.state.PatientID).
			Str("product_id", w.state.ProductID).
			Int("quantity", w.state.Quantity).
			Str("status", string(w.state.Status)).
			Msg("terminal snapshot lost, reconcile stock")
	}
	w.state.Note("Persist: snapshot not saved (%v)", err)
}

func (w *workflowRun) collaboratorError(msg string, err error) {
	reason := domain.ReasonCollaboratorFailure
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrCollaboratorTimeout):
		reason = domain.ReasonCollaboratorTimeout
	case errors.Is(err, context.Canceled):
		reason = domain.ReasonCancelled
	}
	w.state.Note("%s: %v", msg, err)
	w.transition(domain.StatusError, reason)
}

func (w *workflowRun) fail(msg, reason string) {
	w.state.Note("%s", msg)
	w.transition(domain.StatusError, reason)
}

func (w *workflowRun) transition(next domain.Status, reason string) {
	if err := w.state.Transition(next, reason); err != nil {
		w.state.Note("Internal: %v", err)
		w.svc.logger.Error().Err(err).Str("thread_id", w.state.ThreadID).Msg("workflow transition")
		return
	}
	w.svc.logger.Debug().
		Str("thread_id", w.state.ThreadID).
		Str("status", string(next)).
		Str("reason", reason).
		Msg("workflow transition")
}
