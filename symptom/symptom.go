// Package symptom stores user-submitted symptom observations and derives
// medication/symptom correlations for the doctor-visit report. Entries are
// immutable once stored.
package symptom

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one symptom observation. Severity is required (1..5); Mood is
// optional (1..5). MedicationIDs lists medications taken around that time.
type Entry struct {
	ID            string
	UserID        string
	Symptom       string
	Notes         string
	Severity      int
	Mood          *int
	MedicationIDs []string
	Timestamp     time.Time
}

// Correlation counts how often a symptom was logged with a medication marked
// as taken around the same time.
type Correlation struct {
	MedicationID string
	Symptom      string
	Occurrences  int
	AvgSeverity  float64
}

// Store is the symptom log.
type Store interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	ListSince(ctx context.Context, userID string, since time.Time) ([]Entry, error)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemStore returns an empty symptom log.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append stores the entry. Entries are never mutated afterwards.
func (s *MemStore) Append(_ context.Context, e Entry) (Entry, error) {
	e.MedicationIDs = append([]string(nil), e.MedicationIDs...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return e, nil
}

// ListSince returns the user's entries at or after since, newest first.
func (s *MemStore) ListSince(_ context.Context, userID string, since time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.UserID == userID && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Correlate derives per-(medication, symptom) co-occurrence counts from the
// given entries. Results are sorted by occurrence count descending so the
// strongest signals come first.
func Correlate(entries []Entry) []Correlation {
	type key struct{ med, sym string }
	counts := make(map[key]*Correlation)
	for _, e := range entries {
		for _, med := range e.MedicationIDs {
			k := key{med, e.Symptom}
			c, ok := counts[k]
			if !ok {
				c = &Correlation{MedicationID: med, Symptom: e.Symptom}
				counts[k] = c
			}
			c.AvgSeverity = (c.AvgSeverity*float64(c.Occurrences) + float64(e.Severity)) / float64(c.Occurrences+1)
			c.Occurrences++
		}
	}
	out := make([]Correlation, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		if out[i].MedicationID != out[j].MedicationID {
			return out[i].MedicationID < out[j].MedicationID
		}
		return out[i].Symptom < out[j].Symptom
	})
	return out
}
