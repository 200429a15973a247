// Package inmem provides an in-memory implementation of dose.Store for tests
// and local deployments. Data is lost when the process exits; durable
// deployments should use features/dosestore/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/doseline/doseline/dose"
)

// Store implements dose.Store using an in-process map keyed by dose id. A
// single store-wide mutex serializes writes, which gives every dose the
// per-dose exclusion the ledger contract requires: Transition re-reads the
// current status under the lock before consulting the transition table.
type Store struct {
	mu    sync.RWMutex
	doses map[string]dose.Dose
	clock clock.PassiveClock
}

// New returns an empty store stamping records with the given clock.
func New(clk clock.PassiveClock) *Store {
	return &Store{doses: make(map[string]dose.Dose), clock: clk}
}

// Create appends a new dose record.
func (s *Store) Create(_ context.Context, d dose.Dose) (dose.Dose, error) {
	now := s.clock.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doses[d.ID] = d
	return d, nil
}

// Get returns the dose with the given id.
func (s *Store) Get(_ context.Context, id string) (dose.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doses[id]
	if !ok {
		return dose.Dose{}, dose.ErrNotFound
	}
	return d, nil
}

// Transition atomically applies a status change together with its mutation.
// The status read, the table check and the write happen under one critical
// section, so concurrent incompatible attempts on the same dose serialize and
// the loser observes the winner's state.
func (s *Store) Transition(_ context.Context, id string, to dose.Status, mut dose.Mutation) (dose.Dose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doses[id]
	if !ok {
		return dose.Dose{}, dose.ErrNotFound
	}
	if !dose.CanTransition(d.Status, to) {
		return dose.Dose{}, &dose.TransitionError{DoseID: id, From: d.Status, To: to}
	}
	d.Status = to
	applyMutation(&d, mut)
	d.UpdatedAt = s.clock.Now().UTC()
	s.doses[id] = d
	return d, nil
}

// SetAcknowledged flips the acknowledged flag.
func (s *Store) SetAcknowledged(_ context.Context, id string) (dose.Dose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doses[id]
	if !ok {
		return dose.Dose{}, dose.ErrNotFound
	}
	d.Acknowledged = true
	d.UpdatedAt = s.clock.Now().UTC()
	s.doses[id] = d
	return d, nil
}

// FindScheduled returns the dose for the exact (medication, scheduled) pair.
func (s *Store) FindScheduled(_ context.Context, userID, medicationID string, scheduled time.Time) (dose.Dose, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.doses {
		if d.UserID == userID && d.MedicationID == medicationID && d.ScheduledTime.Equal(scheduled) {
			return d, true, nil
		}
	}
	return dose.Dose{}, false, nil
}

// FindNear returns the closest matching dose within the window.
func (s *Store) FindNear(_ context.Context, userID, medicationID string, status dose.Status, scheduled time.Time, window time.Duration) (dose.Dose, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best     dose.Dose
		bestDist time.Duration
		found    bool
	)
	for _, d := range s.doses {
		if d.UserID != userID || d.MedicationID != medicationID || d.Status != status {
			continue
		}
		dist := d.ScheduledTime.Sub(scheduled)
		if dist < 0 {
			dist = -dist
		}
		if dist > window {
			continue
		}
		if !found || dist < bestDist {
			best, bestDist, found = d, dist, true
		}
	}
	return best, found, nil
}

// FindCurrent returns the most recently scheduled dose in the given status.
func (s *Store) FindCurrent(_ context.Context, userID, medicationID string, status dose.Status) (dose.Dose, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  dose.Dose
		found bool
	)
	for _, d := range s.doses {
		if d.UserID != userID || d.MedicationID != medicationID || d.Status != status {
			continue
		}
		if !found || d.ScheduledTime.After(best.ScheduledTime) {
			best, found = d, true
		}
	}
	return best, found, nil
}

// ListRange returns the user's doses scheduled in [from, to) sorted ascending.
func (s *Store) ListRange(_ context.Context, userID string, from, to time.Time) ([]dose.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dose.Dose
	for _, d := range s.doses {
		if d.UserID != userID {
			continue
		}
		if d.ScheduledTime.Before(from) || !d.ScheduledTime.Before(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

// ListOverdue returns dispensed-but-unclaimed doses past the timeout budget.
func (s *Store) ListOverdue(_ context.Context, now time.Time) ([]dose.Dose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dose.Dose
	for _, d := range s.doses {
		if d.Overdue(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

// DeleteByMedication removes every dose referencing the medication.
func (s *Store) DeleteByMedication(_ context.Context, userID, medicationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.doses {
		if d.UserID == userID && d.MedicationID == medicationID {
			delete(s.doses, id)
		}
	}
	return nil
}

// Reset clears all records. Useful in tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doses = make(map[string]dose.Dose)
}

func applyMutation(d *dose.Dose, mut dose.Mutation) {
	if mut.DispenseTime != nil {
		t := mut.DispenseTime.UTC()
		d.DispenseTime = &t
	}
	if mut.RetrievalTime != nil {
		t := mut.RetrievalTime.UTC()
		d.RetrievalTime = &t
	}
	if mut.ActualTime != nil {
		t := mut.ActualTime.UTC()
		d.ActualTime = &t
	}
	if mut.TimeoutTime != nil {
		t := mut.TimeoutTime.UTC()
		d.TimeoutTime = &t
	}
	if mut.TimeElapsedSeconds != nil {
		v := *mut.TimeElapsedSeconds
		d.TimeElapsedSeconds = &v
	}
	if mut.ErrorMessage != "" {
		d.ErrorMessage = mut.ErrorMessage
	}
	if mut.Reason != "" {
		d.Reason = mut.Reason
	}
}
