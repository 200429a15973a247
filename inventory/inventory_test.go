package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore() *MemStore {
	return NewMemStore(clocktesting.NewFakeClock(t0))
}

func TestUpsertDefaultsThresholdAndDerivesFlag(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	row, err := s.Upsert(ctx, Row{ID: "i1", UserID: "u1", MedicationID: "m1", DeviceID: "dev1", PillsRemaining: 30, InitialPillCount: 30})
	require.NoError(t, err)
	require.Equal(t, DefaultRefillThreshold, row.RefillThreshold)
	require.False(t, row.RefillNeeded)

	row, err = s.SetRemaining(ctx, "u1", "m1", 7)
	require.NoError(t, err)
	require.True(t, row.RefillNeeded, "refill_needed at exactly the threshold")

	row, err = s.SetRemaining(ctx, "u1", "m1", 8)
	require.NoError(t, err)
	require.False(t, row.RefillNeeded)
}

func TestSetRemainingClampsToBounds(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, err := s.Upsert(ctx, Row{ID: "i1", UserID: "u1", MedicationID: "m1", PillsRemaining: 30, InitialPillCount: 30})
	require.NoError(t, err)

	row, err := s.SetRemaining(ctx, "u1", "m1", -4)
	require.NoError(t, err)
	require.Equal(t, 0, row.PillsRemaining)

	row, err = s.SetRemaining(ctx, "u1", "m1", 99)
	require.NoError(t, err)
	require.Equal(t, 30, row.PillsRemaining)
}

func TestSetRemainingUnknownRow(t *testing.T) {
	s := newStore()
	_, err := s.SetRemaining(context.Background(), "u1", "m1", 5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertPreservesRowIdentity(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	first, err := s.Upsert(ctx, Row{ID: "i1", UserID: "u1", MedicationID: "m1", PillsRemaining: 30, InitialPillCount: 30})
	require.NoError(t, err)

	second, err := s.Upsert(ctx, Row{ID: "i2", UserID: "u1", MedicationID: "m1", PillsRemaining: 60, InitialPillCount: 60})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "a cartridge swap keeps the row identity")
}

// TestRefillInvariantProperty checks refill_needed == (pills_remaining <=
// refill_threshold) after any write sequence.
func TestRefillInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every write re-derives the refill flag", prop.ForAll(
		func(initial, threshold, update int) bool {
			s := newStore()
			ctx := context.Background()
			row, err := s.Upsert(ctx, Row{
				ID: "i1", UserID: "u1", MedicationID: "m1",
				PillsRemaining: initial, InitialPillCount: initial, RefillThreshold: threshold,
			})
			if err != nil {
				return false
			}
			if row.RefillNeeded != (row.PillsRemaining <= row.RefillThreshold) {
				return false
			}
			row, err = s.SetRemaining(ctx, "u1", "m1", update)
			if err != nil {
				return false
			}
			return row.RefillNeeded == (row.PillsRemaining <= row.RefillThreshold) &&
				row.PillsRemaining >= 0 && row.PillsRemaining <= row.InitialPillCount
		},
		gen.IntRange(1, 200), gen.IntRange(1, 50), gen.IntRange(-20, 250),
	))

	properties.TestingRun(t)
}
