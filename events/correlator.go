package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/dose"
	"github.com/doseline/doseline/inventory"
	"github.com/doseline/doseline/medication"
	"github.com/doseline/doseline/schedule"
)

// CorrelationWindow is the tolerated skew between the device's scheduler and
// the server's schedule materialization. Events outside the window are
// treated as un-correlated.
const CorrelationWindow = 5 * time.Minute

// Correlator routes each accepted device event to the right dose or
// inventory record. Events are processed in the order the auth gateway
// accepts them; per-dose ordering is enforced by the ledger's transition
// table, so a retrieval without a prior dispense is rejected as a no-op.
type Correlator struct {
	doses     dose.Store
	meds      medication.Store
	inventory inventory.Store
	log       Log
	alerts    caregiver.Store
	sched     *schedule.Materializer
	clock     clock.PassiveClock
}

// NewCorrelator wires the correlator over its collaborating stores.
func NewCorrelator(doses dose.Store, meds medication.Store, inv inventory.Store, log Log, alerts caregiver.Store, sched *schedule.Materializer, clk clock.PassiveClock) *Correlator {
	return &Correlator{doses: doses, meds: meds, inventory: inv, log: log, alerts: alerts, sched: sched, clock: clk}
}

// Result reports what an accepted event did.
type Result struct {
	Entry     LogEntry
	Dose      *dose.Dose
	Inventory *inventory.Row

	// Warning is set when the event was accepted and logged but could not be
	// correlated (e.g. a retrieval with no waiting dose).
	Warning string
}

// Process validates, logs and dispatches one raw device event on behalf of
// the given user. Decode failures are returned before anything is logged;
// after the log append the event is "accepted" and correlation failures
// surface as warnings, not errors.
func (c *Correlator) Process(ctx context.Context, userID string, raw []byte) (Result, error) {
	ev, err := Decode(raw)
	if err != nil {
		return Result{}, err
	}
	return c.ProcessEvent(ctx, userID, ev, raw)
}

// ProcessEvent logs and dispatches an already-decoded event. Callers that
// decode the envelope themselves (to vet it against the authenticated device)
// use this to avoid a second decode; raw is what lands in the event log.
func (c *Correlator) ProcessEvent(ctx context.Context, userID string, ev Event, raw []byte) (Result, error) {
	entry, err := c.log.Append(ctx, ev.Header().DeviceID, ev.Kind(), raw)
	if err != nil {
		return Result{}, fmt.Errorf("appending event log: %w", err)
	}
	res := Result{Entry: entry}

	switch e := ev.(type) {
	case PillDispensed:
		err = c.pillDispensed(ctx, userID, e, &res)
	case PillRetrieved:
		err = c.pillRetrieved(ctx, userID, e, &res)
	case DispenseError:
		err = c.dispenseError(ctx, userID, e, &res)
	case LowInventory:
		err = c.lowInventory(ctx, userID, e, &res)
	case CartridgeInserted:
		err = c.cartridgeInserted(ctx, userID, e, &res)
	case CartridgeRemoved:
		err = c.cartridgeRemoved(ctx, userID, e, &res)
	case ButtonPress:
		err = c.buttonPress(ctx, userID, e, &res)
	default:
		// alert_sent, band_removed, band_worn: log only.
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Correlator) pillDispensed(ctx context.Context, userID string, e PillDispensed, res *Result) error {
	if err := c.sched.EnsureDay(ctx, userID, e.ScheduledTime); err != nil {
		return err
	}
	d, ok, err := c.doses.FindNear(ctx, userID, e.MedicationID, dose.StatusPending, e.ScheduledTime, CorrelationWindow)
	if err != nil {
		return err
	}
	if ok {
		updated, err := c.doses.Transition(ctx, d.ID, dose.StatusDispensedWaiting, dose.Mutation{DispenseTime: &e.ActualDispenseTime})
		if err != nil {
			return err
		}
		res.Dose = &updated
		return nil
	}
	// No schedule slot within the window: synthesize a dose so the physical
	// pill is still tracked through retrieval or timeout.
	created, err := c.doses.Create(ctx, dose.Dose{
		ID:             uuid.NewString(),
		UserID:         userID,
		MedicationID:   e.MedicationID,
		MedicationName: c.medicationName(ctx, userID, e.MedicationID),
		ScheduledTime:  e.ScheduledTime,
		Status:         dose.StatusDispensedWaiting,
		DispenseTime:   &e.ActualDispenseTime,
	})
	if err != nil {
		return err
	}
	res.Dose = &created
	return nil
}

func (c *Correlator) pillRetrieved(ctx context.Context, userID string, e PillRetrieved, res *Result) error {
	d, ok, err := c.doses.FindCurrent(ctx, userID, e.MedicationID, dose.StatusDispensedWaiting)
	if err != nil {
		return err
	}
	if !ok {
		res.Warning = "pill_retrieved with no dose awaiting retrieval"
		return nil
	}
	elapsed := e.TimeElapsedSeconds
	if elapsed == 0 && d.DispenseTime != nil {
		elapsed = int(e.RetrievalTime.Sub(*d.DispenseTime) / time.Second)
	}
	updated, err := c.doses.Transition(ctx, d.ID, dose.StatusTaken, dose.Mutation{
		ActualTime:         &e.RetrievalTime,
		RetrievalTime:      &e.RetrievalTime,
		TimeElapsedSeconds: &elapsed,
	})
	if err != nil {
		return err
	}
	res.Dose = &updated
	return nil
}

func (c *Correlator) dispenseError(ctx context.Context, userID string, e DispenseError, res *Result) error {
	if err := c.sched.EnsureDay(ctx, userID, e.ScheduledTime); err != nil {
		return err
	}
	msg := e.ErrorMessage
	if msg == "" {
		msg = e.ErrorCode
	}
	d, ok, err := c.doses.FindNear(ctx, userID, e.MedicationID, dose.StatusPending, e.ScheduledTime, CorrelationWindow)
	if err != nil {
		return err
	}
	if ok {
		updated, err := c.doses.Transition(ctx, d.ID, dose.StatusError, dose.Mutation{ErrorMessage: msg})
		if err != nil {
			return err
		}
		res.Dose = &updated
		return nil
	}
	created, err := c.doses.Create(ctx, dose.Dose{
		ID:             uuid.NewString(),
		UserID:         userID,
		MedicationID:   e.MedicationID,
		MedicationName: c.medicationName(ctx, userID, e.MedicationID),
		ScheduledTime:  e.ScheduledTime,
		Status:         dose.StatusError,
		ErrorMessage:   msg,
	})
	if err != nil {
		return err
	}
	res.Dose = &created
	return nil
}

func (c *Correlator) lowInventory(ctx context.Context, userID string, e LowInventory, res *Result) error {
	row, err := c.inventory.SetRemaining(ctx, userID, e.MedicationID, e.PillsRemaining)
	if errors.Is(err, inventory.ErrNotFound) {
		res.Warning = "low_inventory for unknown cartridge"
		return nil
	}
	if err != nil {
		return err
	}
	res.Inventory = &row
	return c.fireLowInventoryAlerts(ctx, userID, row)
}

func (c *Correlator) cartridgeInserted(ctx context.Context, userID string, e CartridgeInserted, res *Result) error {
	row := inventory.Row{
		ID:                uuid.NewString(),
		UserID:            userID,
		MedicationID:      e.MedicationID,
		DeviceID:          e.DeviceID,
		CartridgeSlot:     e.CartridgeSlot,
		PillsRemaining:    e.PillCount,
		InitialPillCount:  e.PillCount,
		RefillThreshold:   inventory.DefaultRefillThreshold,
		CalibrationWeight: e.CalibrationWeight,
	}
	if existing, err := c.inventory.Get(ctx, userID, e.MedicationID); err == nil {
		row.RefillThreshold = existing.RefillThreshold
	}
	updated, err := c.inventory.Upsert(ctx, row)
	if err != nil {
		return err
	}
	res.Inventory = &updated
	return nil
}

func (c *Correlator) cartridgeRemoved(ctx context.Context, userID string, e CartridgeRemoved, res *Result) error {
	row, err := c.inventory.SetRemaining(ctx, userID, e.MedicationID, e.PillsRemaining)
	if errors.Is(err, inventory.ErrNotFound) {
		res.Warning = "cartridge_removed for unknown cartridge"
		return nil
	}
	if err != nil {
		return err
	}
	res.Inventory = &row
	return nil
}

func (c *Correlator) buttonPress(ctx context.Context, userID string, e ButtonPress, res *Result) error {
	var (
		d   dose.Dose
		ok  bool
		err error
	)
	if e.ScheduledTime != nil {
		d, ok, err = c.doses.FindNear(ctx, userID, e.MedicationID, dose.StatusPending, *e.ScheduledTime, CorrelationWindow)
	} else {
		d, ok, err = c.doses.FindCurrent(ctx, userID, e.MedicationID, dose.StatusPending)
	}
	if err != nil {
		return err
	}
	if !ok {
		res.Warning = "button_press with no pending dose"
		return nil
	}
	updated, err := c.doses.SetAcknowledged(ctx, d.ID)
	if err != nil {
		return err
	}
	res.Dose = &updated
	return nil
}

func (c *Correlator) fireLowInventoryAlerts(ctx context.Context, userID string, row inventory.Row) error {
	rules, err := c.alerts.ActiveRules(ctx, userID, caregiver.RuleLowInventory)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if row.PillsRemaining > r.Threshold {
			continue
		}
		_, err := c.alerts.AppendAlert(ctx, caregiver.Alert{
			ID:          uuid.NewString(),
			UserID:      userID,
			CaregiverID: r.CaregiverID,
			RuleID:      r.ID,
			Kind:        caregiver.RuleLowInventory,
			SubjectID:   row.ID,
			Message:     fmt.Sprintf("%d pills remaining", row.PillsRemaining),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Correlator) medicationName(ctx context.Context, userID, medicationID string) string {
	m, err := c.meds.Get(ctx, userID, medicationID)
	if err != nil {
		return ""
	}
	return m.Name
}
