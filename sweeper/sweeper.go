// Package sweeper enforces the retrieval timeout. A single worker per
// process wakes on a fixed period, finds doses that have been dispensed but
// not retrieved within the timeout budget, and forces them to missed. For
// each expired dose it records the caregiver alerts the external notifier
// must deliver.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"k8s.io/utils/clock"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/dose"
)

// DefaultPeriod is the sweep cadence. It must stay at or under 60 seconds so
// a dose is marked missed no later than dispense + timeout + period.
const DefaultPeriod = 30 * time.Second

// ErrAlreadyRunning is returned by Start when the sweeper is running.
var ErrAlreadyRunning = errors.New("sweeper already running")

// Sweeper is the timeout worker. One instance runs per process; Start and
// Stop bracket its lifecycle and Stop waits for the in-flight tick.
type Sweeper struct {
	doses  dose.Store
	alerts caregiver.Store
	clock  clock.WithTicker
	period time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New returns a stopped sweeper. A zero period falls back to DefaultPeriod.
func New(doses dose.Store, alerts caregiver.Store, clk clock.WithTicker, period time.Duration) *Sweeper {
	if period <= 0 || period > time.Minute {
		period = DefaultPeriod
	}
	return &Sweeper{doses: doses, alerts: alerts, clock: clk, period: period}
}

// Start launches the sweep loop. It fails if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx)
	log.Printf(ctx, "sweeper started, period %s", s.period)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish. Stopping
// a stopped sweeper is a no-op.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf(ctx, err, "sweep tick failed")
			}
		}
	}
}

// Sweep runs one tick: every dispensed-but-unclaimed dose whose timeout has
// elapsed is transitioned to missed with timeout_time = dispense + budget.
// The tick is idempotent: a second run finds nothing left to expire, and a
// dose that lost a concurrent race to taken is skipped without error.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now().UTC()
	overdue, err := s.doses.ListOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("listing overdue doses: %w", err)
	}
	for _, d := range overdue {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline := d.DispenseTime.Add(dose.Timeout)
		missed, err := s.doses.Transition(ctx, d.ID, dose.StatusMissed, dose.Mutation{
			TimeoutTime: &deadline,
			Reason:      dose.ReasonTimeoutNotRetrieved,
		})
		if _, lostRace := dose.AsTransitionError(err); lostRace {
			continue // a retrieval beat us to it
		}
		if err != nil {
			return fmt.Errorf("expiring dose %s: %w", d.ID, err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "dose missed on timeout"},
			log.KV{K: "dose_id", V: missed.ID}, log.KV{K: "medication_id", V: missed.MedicationID})
		if err := s.fireAlerts(ctx, missed, now); err != nil {
			return err
		}
	}
	return nil
}

// fireAlerts records a notification-required record for every active
// missed_dose rule whose threshold, in hours past the scheduled instant, has
// been reached.
func (s *Sweeper) fireAlerts(ctx context.Context, d dose.Dose, now time.Time) error {
	rules, err := s.alerts.ActiveRules(ctx, d.UserID, caregiver.RuleMissedDose)
	if err != nil {
		return fmt.Errorf("listing missed-dose rules: %w", err)
	}
	overdueHours := int(now.Sub(d.ScheduledTime) / time.Hour)
	for _, r := range rules {
		if r.Threshold > overdueHours {
			continue
		}
		_, err := s.alerts.AppendAlert(ctx, caregiver.Alert{
			ID:          uuid.NewString(),
			UserID:      d.UserID,
			CaregiverID: r.CaregiverID,
			RuleID:      r.ID,
			Kind:        caregiver.RuleMissedDose,
			SubjectID:   d.ID,
			Message:     fmt.Sprintf("%s missed at %s", d.MedicationName, d.ScheduledTime.Format(time.RFC3339)),
		})
		if err != nil {
			return fmt.Errorf("recording missed-dose alert: %w", err)
		}
	}
	return nil
}

// Name implements health.Pinger.
func (s *Sweeper) Name() string { return "sweeper" }

// Ping implements health.Pinger: healthy only while the loop runs.
func (s *Sweeper) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("sweeper is not running")
	}
	return nil
}
