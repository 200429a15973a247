// Package inventory tracks per-cartridge pill counts reported asynchronously
// by dispensers. The refill flag is derived, never set directly: every write
// re-establishes refill_needed == (pills_remaining <= refill_threshold).
package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultRefillThreshold is applied to rows created by cartridge insertion
// when the device does not supply one.
const DefaultRefillThreshold = 7

// ErrNotFound is returned when no inventory row matches the lookup.
var ErrNotFound = errors.New("inventory row not found")

// Row is the inventory record for one medication cartridge on one device.
type Row struct {
	ID                string
	UserID            string
	MedicationID      string
	DeviceID          string
	CartridgeSlot     *int
	PillsRemaining    int
	InitialPillCount  int
	RefillThreshold   int
	RefillNeeded      bool
	CalibrationWeight *float64
	UpdatedAt         time.Time
}

// clamp pins PillsRemaining into [0, InitialPillCount] and recomputes the
// refill flag. Called on every write path.
func (r *Row) clamp() {
	if r.PillsRemaining < 0 {
		r.PillsRemaining = 0
	}
	if r.InitialPillCount > 0 && r.PillsRemaining > r.InitialPillCount {
		r.PillsRemaining = r.InitialPillCount
	}
	r.RefillNeeded = r.PillsRemaining <= r.RefillThreshold
}

// Store is the inventory ledger. Updates for a given medication serialize.
type Store interface {
	// Upsert creates or replaces the row for (user, medication). The stored
	// row always satisfies the refill invariant.
	Upsert(ctx context.Context, row Row) (Row, error)

	// SetRemaining updates the pill count on the row for (user, medication).
	SetRemaining(ctx context.Context, userID, medicationID string, remaining int) (Row, error)

	// Get returns the row for (user, medication).
	Get(ctx context.Context, userID, medicationID string) (Row, error)

	// List returns the user's rows sorted by medication id.
	List(ctx context.Context, userID string) ([]Row, error)

	// DeleteByMedication removes the row as part of the medication-delete
	// cascade. Missing rows are not an error.
	DeleteByMedication(ctx context.Context, userID, medicationID string) error
}

// MemStore is an in-memory Store keyed by (user, medication).
type MemStore struct {
	mu    sync.RWMutex
	rows  map[string]Row
	clock clock.PassiveClock
}

// NewMemStore returns an empty in-memory ledger.
func NewMemStore(clk clock.PassiveClock) *MemStore {
	return &MemStore{rows: make(map[string]Row), clock: clk}
}

func key(userID, medicationID string) string { return userID + "/" + medicationID }

// Upsert creates or replaces the row for (user, medication).
func (s *MemStore) Upsert(_ context.Context, row Row) (Row, error) {
	if row.RefillThreshold == 0 {
		row.RefillThreshold = DefaultRefillThreshold
	}
	row.clamp()
	row.UpdatedAt = s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[key(row.UserID, row.MedicationID)]; ok {
		row.ID = existing.ID
	}
	s.rows[key(row.UserID, row.MedicationID)] = row
	return row, nil
}

// SetRemaining updates the pill count, re-deriving the refill flag.
func (s *MemStore) SetRemaining(_ context.Context, userID, medicationID string, remaining int) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key(userID, medicationID)]
	if !ok {
		return Row{}, ErrNotFound
	}
	row.PillsRemaining = remaining
	row.clamp()
	row.UpdatedAt = s.clock.Now().UTC()
	s.rows[key(userID, medicationID)] = row
	return row, nil
}

// Get returns the row for (user, medication).
func (s *MemStore) Get(_ context.Context, userID, medicationID string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key(userID, medicationID)]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

// List returns the user's rows sorted by medication id.
func (s *MemStore) List(_ context.Context, userID string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Row
	for _, row := range s.rows {
		if row.UserID == userID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedicationID < out[j].MedicationID })
	return out, nil
}

// DeleteByMedication removes the row if present.
func (s *MemStore) DeleteByMedication(_ context.Context, userID, medicationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key(userID, medicationID))
	return nil
}
