// Package medication owns medication definitions: display name, daily dose
// times, duration and start date. Each medication belongs to exactly one
// user; its identifier is immutable while name, times, duration and start
// date may be replaced.
package medication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ErrNotFound is returned when a medication id does not resolve to a record.
var ErrNotFound = errors.New("medication not found")

// Medication describes one recurring prescription. Times are local times of
// day in "HH:MM" form, unique and sorted ascending.
type Medication struct {
	ID           string
	UserID       string
	Name         string
	Dosage       string
	Times        []string
	DurationDays int
	StartDate    string // YYYY-MM-DD
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DosesPerDay returns how many doses the schedule yields per day.
func (m Medication) DosesPerDay() int { return len(m.Times) }

// ActiveOn reports whether the schedule covers the given day.
func (m Medication) ActiveOn(day time.Time) (bool, error) {
	start, err := time.ParseInLocation("2006-01-02", m.StartDate, day.Location())
	if err != nil {
		return false, fmt.Errorf("parsing start date %q: %w", m.StartDate, err)
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	if dayStart.Before(start) {
		return false, nil
	}
	end := start.AddDate(0, 0, m.DurationDays)
	return dayStart.Before(end), nil
}

// NormalizeTimes sorts the times ascending and drops duplicates.
func NormalizeTimes(times []string) []string {
	seen := make(map[string]struct{}, len(times))
	out := make([]string, 0, len(times))
	for _, t := range times {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Store is the medication catalog.
type Store interface {
	Create(ctx context.Context, m Medication) (Medication, error)
	Get(ctx context.Context, userID, id string) (Medication, error)
	Update(ctx context.Context, m Medication) (Medication, error)
	Delete(ctx context.Context, userID, id string) error
	List(ctx context.Context, userID string) ([]Medication, error)
}

// MemStore is an in-memory Store for tests and local deployments.
type MemStore struct {
	mu    sync.RWMutex
	meds  map[string]Medication
	clock clock.PassiveClock
}

// NewMemStore returns an empty in-memory catalog.
func NewMemStore(clk clock.PassiveClock) *MemStore {
	return &MemStore{meds: make(map[string]Medication), clock: clk}
}

// Create adds a medication after normalizing its times.
func (s *MemStore) Create(_ context.Context, m Medication) (Medication, error) {
	now := s.clock.Now().UTC()
	m.Times = NormalizeTimes(m.Times)
	m.CreatedAt = now
	m.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meds[m.ID] = m
	return m, nil
}

// Get returns the user's medication with the given id.
func (s *MemStore) Get(_ context.Context, userID, id string) (Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meds[id]
	if !ok || m.UserID != userID {
		return Medication{}, ErrNotFound
	}
	return m, nil
}

// Update replaces name, dosage, times, duration and start date. The id and
// owner are immutable.
func (s *MemStore) Update(_ context.Context, m Medication) (Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.meds[m.ID]
	if !ok || cur.UserID != m.UserID {
		return Medication{}, ErrNotFound
	}
	cur.Name = m.Name
	cur.Dosage = m.Dosage
	cur.Times = NormalizeTimes(m.Times)
	cur.DurationDays = m.DurationDays
	cur.StartDate = m.StartDate
	cur.UpdatedAt = s.clock.Now().UTC()
	s.meds[m.ID] = cur
	return cur, nil
}

// Delete removes the medication. Cascading deletion of dose and inventory
// records is the caller's responsibility.
func (s *MemStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meds[id]
	if !ok || m.UserID != userID {
		return ErrNotFound
	}
	delete(s.meds, id)
	return nil
}

// List returns the user's medications sorted by creation time then id.
func (s *MemStore) List(_ context.Context, userID string) ([]Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Medication
	for _, m := range s.meds {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
