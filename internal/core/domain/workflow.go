package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusHold      Status = "hold"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusRejected, StatusHold, StatusApproved, StatusError},
	StatusHold:     {StatusApproved, StatusError},
	StatusApproved: {StatusCompleted, StatusFailed, StatusError},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRejected, StatusHold, StatusApproved,
		StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// Reason codes attached to non-happy-path statuses.
const (
	ReasonNotInFormulary             = "NotInFormulary"
	ReasonManualVerificationRequired = "ManualVerificationRequired"
	ReasonOutOfStock                 = "OutOfStock"
	ReasonInsufficientStock          = "InsufficientStock"
	ReasonContention                 = "Contention"
	ReasonCollaboratorTimeout        = "CollaboratorTimeout"
	ReasonCollaboratorFailure        = "CollaboratorFailure"
	ReasonCancelled                  = "Cancelled"
	ReasonPharmacistOverride         = "PharmacistOverride"
)

type WorkflowState struct {
	ThreadID  string    `json:"thread_id"`
	PatientID string    `json:"patient_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	Trace     []string  `json:"trace"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Note appends a trace entry. Entries are never rewritten.
func (s *WorkflowState) Note(format string, args ...any) {
	s.Trace = append(s.Trace, fmt.Sprintf(format, args...))
}

// Transition moves the state to next, enforcing the allowed edges.
func (s *WorkflowState) Transition(next Status, reason string) error {
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("transition %s -> %s: %w", s.Status, next, ErrInvalidTransition)
	}
	s.Status = next
	s.Reason = reason
	return nil
}

// Clone returns a copy whose trace does not alias the original.
func (s WorkflowState) Clone() WorkflowState {
	s.Trace = append([]string(nil), s.Trace...)
	return s
}

// Extraction is the best-effort result of parsing a free-text request.
type Extraction struct {
	PatientID  string
	ProductID  string
	Quantity   int
	Confidence float64
}
