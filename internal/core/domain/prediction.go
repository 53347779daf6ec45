package domain

import (
	"fmt"
	"time"
)

type UrgencyKind int

const (
	UrgencyNone UrgencyKind = iota
	UrgencyAlertSoon
	UrgencyOverdue
)

func (k UrgencyKind) String() string {
	switch k {
	case UrgencyAlertSoon:
		return "alert_soon"
	case UrgencyOverdue:
		return "overdue"
	default:
		return "none"
	}
}

// Urgency classifies a predicted refill date against a reference date.
// Days is only meaningful for UrgencyAlertSoon.
type Urgency struct {
	Kind UrgencyKind
	Days int
}

// Action renders the operator-facing outreach instruction.
func (u Urgency) Action() string {
	switch u.Kind {
	case UrgencyOverdue:
		return "OVERDUE - Trigger Outreach"
	case UrgencyAlertSoon:
		return fmt.Sprintf("Alert in %d days", u.Days)
	default:
		return "No action needed yet"
	}
}

type PredictionMethod string

const (
	MethodTheoretical PredictionMethod = "theoretical"
	MethodBlended     PredictionMethod = "blended"
)

type Prediction struct {
	PatientID     string
	ProductID     string
	PredictedDate time.Time
	Urgency       Urgency
	Method        PredictionMethod
}
