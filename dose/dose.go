// Package dose holds the dose lifecycle model: the dose record, the status
// state machine and the ledger interface that all backends implement. A dose
// is a single scheduled occurrence of taking a medication; device telemetry
// drives it through a bounded set of states until it reaches a terminal one.
package dose

import (
	"time"
)

// Timeout is the wall-clock budget a patient has to retrieve a pill after the
// dispenser reports it delivered. Doses still waiting past this budget are
// forced to StatusMissed by the sweeper.
const Timeout = 30 * time.Minute

// ReasonTimeoutNotRetrieved is recorded on doses the sweeper expires.
const ReasonTimeoutNotRetrieved = "timeout_not_retrieved"

// Status enumerates the dose lifecycle states.
type Status string

const (
	// StatusPending marks a scheduled dose with no observed activity.
	StatusPending Status = "pending"

	// StatusDispensedWaiting marks a dose whose pill has been physically
	// delivered but whose retrieval has not been confirmed.
	StatusDispensedWaiting Status = "dispensed_waiting"

	// StatusTaken marks a confirmed retrieval. Terminal.
	StatusTaken Status = "taken"

	// StatusMissed marks a dose that timed out waiting for retrieval or was
	// declared missed by policy. Terminal.
	StatusMissed Status = "missed"

	// StatusError marks a dispenser failure for this scheduled instant. The
	// dose may re-enter StatusPending for a retry.
	StatusError Status = "error"

	// StatusSkipped marks a dose intentionally not taken. Terminal.
	StatusSkipped Status = "skipped"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispensedWaiting, StatusTaken, StatusMissed, StatusError, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusTaken, StatusMissed, StatusSkipped:
		return true
	}
	return false
}

// Dose is a single scheduled medication occurrence. MedicationName is a
// denormalized snapshot so history survives medication deletion.
type Dose struct {
	ID             string
	UserID         string
	MedicationID   string
	MedicationName string
	ScheduledTime  time.Time
	Status         Status

	DispenseTime       *time.Time
	RetrievalTime      *time.Time
	ActualTime         *time.Time
	TimeElapsedSeconds *int
	ErrorMessage       string
	Reason             string
	TimeoutTime        *time.Time
	Acknowledged       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Countdown returns the seconds remaining before the retrieval window closes.
// It is zero for every state other than StatusDispensedWaiting, never
// negative, and non-increasing for a fixed state as now advances.
func (d Dose) Countdown(now time.Time) int64 {
	if d.Status != StatusDispensedWaiting || d.DispenseTime == nil {
		return 0
	}
	remaining := d.DispenseTime.Add(Timeout).Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

// Overdue reports whether the retrieval window has closed, i.e. the sweeper
// has the right to force the dose to StatusMissed.
func (d Dose) Overdue(now time.Time) bool {
	if d.Status != StatusDispensedWaiting || d.DispenseTime == nil {
		return false
	}
	return !d.DispenseTime.Add(Timeout).After(now)
}
