// Package schedule materializes dose records from medication definitions. A
// medication's daily times only become dose rows when a day is first touched
// by a query or a device event; materialization is idempotent per (medication,
// scheduled instant).
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/doseline/doseline/dose"
	"github.com/doseline/doseline/medication"
)

// Materializer creates missing pending doses for a user's day.
type Materializer struct {
	meds  medication.Store
	doses dose.Store
	clock clock.PassiveClock
	loc   *time.Location
}

// New returns a Materializer over the given stores. HH:MM slots expand in
// loc; nil means UTC.
func New(meds medication.Store, doses dose.Store, clk clock.PassiveClock, loc *time.Location) *Materializer {
	if loc == nil {
		loc = time.UTC
	}
	return &Materializer{meds: meds, doses: doses, clock: clk, loc: loc}
}

// EnsureDay creates pending doses for every (medication, time) slot of the
// given day that does not already have a dose row. Existing rows, whatever
// their status, are left alone. The day is normalized to the materializer's
// location first, so the same instant always lands on the same slot no
// matter what zone the caller's value carries.
func (m *Materializer) EnsureDay(ctx context.Context, userID string, day time.Time) error {
	day = day.In(m.loc)
	meds, err := m.meds.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing medications: %w", err)
	}
	for _, med := range meds {
		active, err := med.ActiveOn(day)
		if err != nil || !active {
			continue // malformed start dates simply yield no doses
		}
		for _, hhmm := range med.Times {
			scheduled, err := slotTime(day, hhmm)
			if err != nil {
				continue
			}
			_, exists, err := m.doses.FindScheduled(ctx, userID, med.ID, scheduled)
			if err != nil {
				return fmt.Errorf("looking up dose slot: %w", err)
			}
			if exists {
				continue
			}
			_, err = m.doses.Create(ctx, dose.Dose{
				ID:             uuid.NewString(),
				UserID:         userID,
				MedicationID:   med.ID,
				MedicationName: med.Name,
				ScheduledTime:  scheduled,
				Status:         dose.StatusPending,
				CreatedAt:      m.clock.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("creating dose slot: %w", err)
			}
		}
	}
	return nil
}

func slotTime(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing dose time %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()).UTC(), nil
}
