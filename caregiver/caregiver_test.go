package caregiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAddCaregiverStartsUnauthorized(t *testing.T) {
	s := NewMemStore(clocktesting.NewFakeClock(t0))
	ctx := context.Background()

	c, err := s.AddCaregiver(ctx, Caregiver{
		ID: "c1", UserID: "u1", Name: "Maria", Email: "maria@example.com",
		Relationship: "daughter", Permissions: []Permission{PermReceiveAlerts}, Authorized: true,
	})
	require.NoError(t, err)
	require.False(t, c.Authorized, "authorization requires out-of-band confirmation")

	require.NoError(t, s.Authorize(ctx, "u1", "c1"))
	list, err := s.ListCaregivers(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Authorized)

	require.ErrorIs(t, s.Authorize(ctx, "u2", "c1"), ErrNotFound)
}

func TestAddRuleRequiresOwnedCaregiver(t *testing.T) {
	s := NewMemStore(clocktesting.NewFakeClock(t0))
	ctx := context.Background()

	_, err := s.AddCaregiver(ctx, Caregiver{ID: "c1", UserID: "u1", Name: "Maria"})
	require.NoError(t, err)

	_, err = s.AddRule(ctx, Rule{ID: "r1", UserID: "u2", CaregiverID: "c1", Kind: RuleMissedDose, Threshold: 2, Active: true})
	require.ErrorIs(t, err, ErrNotFound)

	r, err := s.AddRule(ctx, Rule{ID: "r1", UserID: "u1", CaregiverID: "c1", Kind: RuleMissedDose, Threshold: 2, Active: true})
	require.NoError(t, err)
	require.Equal(t, 2, r.Threshold)
}

func TestActiveRulesFiltersKindAndActive(t *testing.T) {
	s := NewMemStore(clocktesting.NewFakeClock(t0))
	ctx := context.Background()

	_, err := s.AddCaregiver(ctx, Caregiver{ID: "c1", UserID: "u1"})
	require.NoError(t, err)
	for _, r := range []Rule{
		{ID: "r1", UserID: "u1", CaregiverID: "c1", Kind: RuleMissedDose, Threshold: 1, Active: true},
		{ID: "r2", UserID: "u1", CaregiverID: "c1", Kind: RuleMissedDose, Threshold: 4, Active: false},
		{ID: "r3", UserID: "u1", CaregiverID: "c1", Kind: RuleLowInventory, Threshold: 7, Active: true},
	} {
		_, err := s.AddRule(ctx, r)
		require.NoError(t, err)
	}

	got, err := s.ActiveRules(ctx, "u1", RuleMissedDose)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "r1", got[0].ID)
}

func TestAlertOutboxOrdering(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	s := NewMemStore(clk)
	ctx := context.Background()

	_, err := s.AppendAlert(ctx, Alert{ID: "a1", UserID: "u1", Kind: RuleMissedDose})
	require.NoError(t, err)
	clk.Step(time.Minute)
	_, err = s.AppendAlert(ctx, Alert{ID: "a2", UserID: "u1", Kind: RuleLowInventory})
	require.NoError(t, err)

	got, err := s.ListAlerts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a1", got[0].ID)
	require.True(t, got[1].CreatedAt.After(got[0].CreatedAt))
}
