// Package caregiver associates caregivers with patients, holds the alert
// rules that decide when a caregiver must be notified, and keeps the outbox
// of pending alerts an external notifier drains. The core never delivers
// notifications itself; it records that one is required.
package caregiver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ErrNotFound is returned when a caregiver or rule id does not resolve.
var ErrNotFound = errors.New("caregiver record not found")

// Permission names a capability granted to a caregiver.
type Permission string

const (
	// PermViewAdherence allows reading adherence statistics.
	PermViewAdherence Permission = "view_adherence"
	// PermViewInventory allows reading inventory levels.
	PermViewInventory Permission = "view_inventory"
	// PermReceiveAlerts allows receiving alert notifications.
	PermReceiveAlerts Permission = "receive_alerts"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermViewAdherence || p == PermViewInventory || p == PermReceiveAlerts
}

// RuleKind names an alert trigger.
type RuleKind string

const (
	// RuleMissedDose fires when a dose is missed for longer than the
	// threshold, in hours past the scheduled instant.
	RuleMissedDose RuleKind = "missed_dose"
	// RuleLowInventory fires when pills remaining drop to the threshold.
	RuleLowInventory RuleKind = "low_inventory"
	// RuleSymptomSeverity fires on symptom entries at or above the threshold.
	RuleSymptomSeverity RuleKind = "symptom_severity"
)

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool {
	return k == RuleMissedDose || k == RuleLowInventory || k == RuleSymptomSeverity
}

// Caregiver is a person associated with a patient. Authorized starts false
// and flips only after out-of-band confirmation.
type Caregiver struct {
	ID           string
	UserID       string
	Name         string
	Email        string
	Relationship string
	Permissions  []Permission
	Authorized   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Rule ties a caregiver to an alert trigger with one integer threshold.
type Rule struct {
	ID          string
	UserID      string
	CaregiverID string
	Kind        RuleKind
	Threshold   int
	Active      bool
	CreatedAt   time.Time
}

// Alert is a pending "notification required" record for the external
// notifier.
type Alert struct {
	ID          string
	UserID      string
	CaregiverID string
	RuleID      string
	Kind        RuleKind
	SubjectID   string // dose, inventory row or symptom entry id
	Message     string
	CreatedAt   time.Time
}

// Store holds caregivers, rules and the alert outbox for all users.
type Store interface {
	AddCaregiver(ctx context.Context, c Caregiver) (Caregiver, error)
	ListCaregivers(ctx context.Context, userID string) ([]Caregiver, error)

	AddRule(ctx context.Context, r Rule) (Rule, error)
	ListRules(ctx context.Context, userID string) ([]Rule, error)

	// ActiveRules returns the user's active rules of the given kind.
	ActiveRules(ctx context.Context, userID string, kind RuleKind) ([]Rule, error)

	AppendAlert(ctx context.Context, a Alert) (Alert, error)
	ListAlerts(ctx context.Context, userID string) ([]Alert, error)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu         sync.RWMutex
	caregivers map[string]Caregiver
	rules      map[string]Rule
	alerts     []Alert
	clock      clock.PassiveClock
}

// NewMemStore returns an empty store.
func NewMemStore(clk clock.PassiveClock) *MemStore {
	return &MemStore{
		caregivers: make(map[string]Caregiver),
		rules:      make(map[string]Rule),
		clock:      clk,
	}
}

// AddCaregiver stores a caregiver. Authorization always starts false.
func (s *MemStore) AddCaregiver(_ context.Context, c Caregiver) (Caregiver, error) {
	now := s.clock.Now().UTC()
	c.Authorized = false
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Permissions = append([]Permission(nil), c.Permissions...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caregivers[c.ID] = c
	return c, nil
}

// ListCaregivers returns the user's caregivers sorted by creation time.
func (s *MemStore) ListCaregivers(_ context.Context, userID string) ([]Caregiver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Caregiver
	for _, c := range s.caregivers {
		if c.UserID == userID {
			out = append(out, c)
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

// Authorize flips the out-of-band confirmation flag.
func (s *MemStore) Authorize(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caregivers[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	c.Authorized = true
	c.UpdatedAt = s.clock.Now().UTC()
	s.caregivers[id] = c
	return nil
}

// AddRule stores an alert rule after checking the caregiver exists.
func (s *MemStore) AddRule(_ context.Context, r Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caregivers[r.CaregiverID]
	if !ok || c.UserID != r.UserID {
		return Rule{}, ErrNotFound
	}
	r.CreatedAt = s.clock.Now().UTC()
	s.rules[r.ID] = r
	return r, nil
}

// ListRules returns the user's rules sorted by creation time.
func (s *MemStore) ListRules(_ context.Context, userID string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, r := range s.rules {
		if r.UserID == userID {
			out = append(out, r)
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

// ActiveRules returns the user's active rules of the given kind.
func (s *MemStore) ActiveRules(_ context.Context, userID string, kind RuleKind) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, r := range s.rules {
		if r.UserID == userID && r.Kind == kind && r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendAlert records a pending notification.
func (s *MemStore) AppendAlert(_ context.Context, a Alert) (Alert, error) {
	a.CreatedAt = s.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return a, nil
}

// ListAlerts returns the user's pending alerts, oldest first.
func (s *MemStore) ListAlerts(_ context.Context, userID string) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for _, a := range s.alerts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}
