package dose

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a dose id does not resolve to a record.
var ErrNotFound = errors.New("dose not found")

// Mutation carries the fields written atomically together with a status
// change. Nil pointer fields are left untouched.
type Mutation struct {
	DispenseTime       *time.Time
	RetrievalTime      *time.Time
	ActualTime         *time.Time
	TimeoutTime        *time.Time
	TimeElapsedSeconds *int
	ErrorMessage       string
	Reason             string
}

// Store is the dose ledger. Implementations must serialize transitions on a
// single dose and evaluate the transition table against the freshly read
// current status, so that of two concurrent incompatible transition attempts
// exactly one succeeds.
type Store interface {
	// Create appends a new dose. The caller provides ID, UserID, timestamps
	// and initial status.
	Create(ctx context.Context, d Dose) (Dose, error)

	// Get returns the dose with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (Dose, error)

	// Transition atomically moves the dose to the given status, applying the
	// mutation in the same write. It returns a *TransitionError when the
	// state machine rejects the (current, to) pair.
	Transition(ctx context.Context, id string, to Status, mut Mutation) (Dose, error)

	// SetAcknowledged flips the acknowledged flag on a dose.
	SetAcknowledged(ctx context.Context, id string) (Dose, error)

	// FindScheduled returns the user's dose for the exact (medication,
	// scheduled instant) pair, if one exists.
	FindScheduled(ctx context.Context, userID, medicationID string, scheduled time.Time) (Dose, bool, error)

	// FindNear returns the user's dose for the medication with the given
	// status whose scheduled time lies within the window around scheduled.
	// When several match, the one closest to scheduled wins.
	FindNear(ctx context.Context, userID, medicationID string, status Status, scheduled time.Time, window time.Duration) (Dose, bool, error)

	// FindCurrent returns the user's most recently scheduled dose for the
	// medication in the given status.
	FindCurrent(ctx context.Context, userID, medicationID string, status Status) (Dose, bool, error)

	// ListRange returns the user's doses with scheduled time in [from, to),
	// sorted by scheduled time ascending.
	ListRange(ctx context.Context, userID string, from, to time.Time) ([]Dose, error)

	// ListOverdue returns, across all users, doses in StatusDispensedWaiting
	// whose dispense time plus the timeout budget is at or before now.
	ListOverdue(ctx context.Context, now time.Time) ([]Dose, error)

	// DeleteByMedication removes all doses referencing the medication.
	// Used by the medication-delete cascade.
	DeleteByMedication(ctx context.Context, userID, medicationID string) error
}
