package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/dose"
	doseinmem "github.com/doseline/doseline/dose/inmem"
	"github.com/doseline/doseline/inventory"
	"github.com/doseline/doseline/medication"
	"github.com/doseline/doseline/schedule"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clk        *clocktesting.FakeClock
	doses      *doseinmem.Store
	meds       *medication.MemStore
	inventory  *inventory.MemStore
	log        *MemLog
	caregivers *caregiver.MemStore
	correlator *Correlator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(t0)
	f := &fixture{
		clk:        clk,
		doses:      doseinmem.New(clk),
		meds:       medication.NewMemStore(clk),
		inventory:  inventory.NewMemStore(clk),
		log:        NewMemLog(clk),
		caregivers: caregiver.NewMemStore(clk),
	}
	sched := schedule.New(f.meds, f.doses, clk, time.UTC)
	f.correlator = NewCorrelator(f.doses, f.meds, f.inventory, f.log, f.caregivers, sched, clk)

	_, err := f.meds.Create(context.Background(), medication.Medication{
		ID: "m1", UserID: "u1", Name: "Lisinopril",
		Times: []string{"09:00"}, DurationDays: 30, StartDate: "2025-03-01",
	})
	require.NoError(t, err)
	return f
}

func event(kind string, extra string) []byte {
	return []byte(fmt.Sprintf(`{"event_type":%q,"device_id":"dev1","timestamp":%q%s}`,
		kind, t0.Format(time.RFC3339), extra))
}

func TestHappyPathDispenseThenRetrieve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.correlator.Process(ctx, "u1", []byte(`{
		"event_type":"pill_dispensed","device_id":"dev1","timestamp":"2025-03-01T09:00:03Z",
		"medication_id":"m1","scheduled_time":"2025-03-01T09:00:00Z","actual_dispense_time":"2025-03-01T09:00:03Z"
	}`))
	require.NoError(t, err)
	require.NotNil(t, res.Dose)
	require.Equal(t, dose.StatusDispensedWaiting, res.Dose.Status)
	require.Equal(t, t0, res.Dose.ScheduledTime, "correlated to the materialized schedule slot")

	f.clk.SetTime(time.Date(2025, 3, 1, 9, 5, 23, 0, time.UTC))
	res, err = f.correlator.Process(ctx, "u1", []byte(`{
		"event_type":"pill_retrieved","device_id":"dev1","timestamp":"2025-03-01T09:05:23Z",
		"medication_id":"m1","time_elapsed_seconds":320
	}`))
	require.NoError(t, err)
	require.NotNil(t, res.Dose)
	require.Equal(t, dose.StatusTaken, res.Dose.Status)
	require.NotNil(t, res.Dose.ActualTime)
	require.Equal(t, time.Date(2025, 3, 1, 9, 5, 23, 0, time.UTC), *res.Dose.ActualTime)
	require.NotNil(t, res.Dose.TimeElapsedSeconds)
	require.Equal(t, 320, *res.Dose.TimeElapsedSeconds)
}

func TestOutOfWindowDispenseSynthesizesDose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Scheduled slot is 09:00; the device reports 09:06, one minute past
	// the correlation window.
	res, err := f.correlator.Process(ctx, "u1", []byte(`{
		"event_type":"pill_dispensed","device_id":"dev1","timestamp":"2025-03-01T09:06:00Z",
		"medication_id":"m1","scheduled_time":"2025-03-01T09:06:00Z"
	}`))
	require.NoError(t, err)
	require.NotNil(t, res.Dose)
	require.Equal(t, dose.StatusDispensedWaiting, res.Dose.Status)
	require.Equal(t, time.Date(2025, 3, 1, 9, 6, 0, 0, time.UTC), res.Dose.ScheduledTime)
	require.Equal(t, "Lisinopril", res.Dose.MedicationName)

	// The original 09:00 slot is untouched.
	orig, ok, err := f.doses.FindScheduled(ctx, "u1", "m1", t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dose.StatusPending, orig.Status)
}

func TestDispenseExactlyAtWindowBoundaryCorrelates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.correlator.Process(ctx, "u1", []byte(`{
		"event_type":"pill_dispensed","device_id":"dev1","timestamp":"2025-03-01T09:05:00Z",
		"medication_id":"m1","scheduled_time":"2025-03-01T09:05:00Z"
	}`))
	require.NoError(t, err)
	require.Equal(t, t0, res.Dose.ScheduledTime, "exactly five minutes away still correlates")
}

func TestRetrievalWithoutDispenseIsWarningOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.correlator.Process(ctx, "u1", event("pill_retrieved", `,"medication_id":"m1"`))
	require.NoError(t, err)
	require.Nil(t, res.Dose)
	require.NotEmpty(t, res.Warning)

	// The event is still in the log.
	entries, err := f.log.ListByDevice(ctx, "dev1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDispenseErrorThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.correlator.Process(ctx, "u1", []byte(`{
		"event_type":"dispense_error","device_id":"dev1","timestamp":"2025-03-01T09:00:01Z",
		"medication_id":"m1","scheduled_time":"2025-03-01T09:00:00Z","error_code":"E102"
	}`))
	require.NoError(t, err)
	require.Equal(t, dose.StatusError, res.Dose.Status)
	require.Equal(t, "E102", res.Dose.ErrorMessage)

	// error -> pending is the only legal way out.
	retried, err := f.doses.Transition(ctx, res.Dose.ID, dose.StatusPending, dose.Mutation{})
	require.NoError(t, err)
	require.Equal(t, dose.StatusPending, retried.Status)

	_, err = f.doses.Transition(ctx, retried.ID, dose.StatusTaken, dose.Mutation{})
	_, isTransition := dose.AsTransitionError(err)
	require.True(t, isTransition)
}

func TestCartridgeInsertedThenRemovedRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.correlator.Process(ctx, "u1", event("cartridge_inserted", `,"medication_id":"m1","pill_count":30,"cartridge_slot":1`))
	require.NoError(t, err)
	require.NotNil(t, res.Inventory)
	require.Equal(t, 30, res.Inventory.PillsRemaining)
	require.Equal(t, 30, res.Inventory.InitialPillCount)
	require.False(t, res.Inventory.RefillNeeded)

	res, err = f.correlator.Process(ctx, "u1", event("cartridge_removed", `,"medication_id":"m1","pills_remaining":30`))
	require.NoError(t, err)
	require.Equal(t, 30, res.Inventory.PillsRemaining)
}

func TestLowInventoryFiresAlertRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.caregivers.AddCaregiver(ctx, caregiver.Caregiver{ID: "c1", UserID: "u1", Name: "Maria"})
	require.NoError(t, err)
	_, err = f.caregivers.AddRule(ctx, caregiver.Rule{ID: "r1", UserID: "u1", CaregiverID: "c1", Kind: caregiver.RuleLowInventory, Threshold: 7, Active: true})
	require.NoError(t, err)

	_, err = f.correlator.Process(ctx, "u1", event("cartridge_inserted", `,"medication_id":"m1","pill_count":30`))
	require.NoError(t, err)

	res, err := f.correlator.Process(ctx, "u1", event("low_inventory", `,"medication_id":"m1","pills_remaining":5`))
	require.NoError(t, err)
	require.True(t, res.Inventory.RefillNeeded)

	alerts, err := f.caregivers.ListAlerts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, caregiver.RuleLowInventory, alerts[0].Kind)
}

func TestLowInventoryUnknownCartridgeWarns(t *testing.T) {
	f := newFixture(t)

	res, err := f.correlator.Process(context.Background(), "u1", event("low_inventory", `,"medication_id":"m9","pills_remaining":3`))
	require.NoError(t, err)
	require.Nil(t, res.Inventory)
	require.NotEmpty(t, res.Warning)
}

func TestButtonPressAcknowledgesPendingDose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Materialize today's slot via a dispense-error retry path.
	_, err := f.correlator.Process(ctx, "u1", []byte(`{
		"event_type":"pill_dispensed","device_id":"dev1","timestamp":"2025-03-01T08:59:00Z",
		"medication_id":"m1","scheduled_time":"2025-03-01T09:00:00Z"
	}`))
	require.NoError(t, err)

	// The slot is now dispensed_waiting, so a button press has no pending
	// dose to acknowledge.
	res, err := f.correlator.Process(ctx, "u1", event("button_press", `,"medication_id":"m1"`))
	require.NoError(t, err)
	require.NotEmpty(t, res.Warning)
}

func TestButtonPressSetsAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// dispense_error materializes the pending slot then moves it to error;
	// create a second medication slot instead to keep a pending dose.
	_, err := f.meds.Create(ctx, medication.Medication{
		ID: "m2", UserID: "u1", Name: "Metformin",
		Times: []string{"09:00"}, DurationDays: 30, StartDate: "2025-03-01",
	})
	require.NoError(t, err)
	sched := schedule.New(f.meds, f.doses, f.clk, time.UTC)
	require.NoError(t, sched.EnsureDay(ctx, "u1", t0))

	res, err := f.correlator.Process(ctx, "u1", event("button_press", `,"medication_id":"m2"`))
	require.NoError(t, err)
	require.NotNil(t, res.Dose)
	require.True(t, res.Dose.Acknowledged)
	require.Equal(t, dose.StatusPending, res.Dose.Status)
}

func TestLogOnlyEventsTouchNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, kind := range []string{"alert_sent", "band_removed", "band_worn"} {
		res, err := f.correlator.Process(ctx, "u1", event(kind, ""))
		require.NoError(t, err)
		require.Nil(t, res.Dose)
		require.Nil(t, res.Inventory)
	}
	entries, err := f.log.ListByDevice(ctx, "dev1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestPerDeviceProcessedAtMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The clock does not advance between appends; ProcessedAt must still
	// increase per device.
	for i := 0; i < 3; i++ {
		_, err := f.correlator.Process(ctx, "u1", event("band_worn", ""))
		require.NoError(t, err)
	}
	entries, err := f.log.ListByDevice(ctx, "dev1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, entries[0].ProcessedAt.Before(entries[1].ProcessedAt))
	require.True(t, entries[1].ProcessedAt.Before(entries[2].ProcessedAt))
}
