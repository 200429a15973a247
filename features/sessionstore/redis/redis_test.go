package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/doseline/doseline/identity"
)

func newSessions(t *testing.T, ttl time.Duration) (*Sessions, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s, err := New(rdb, ttl)
	require.NoError(t, err)
	return s, mr
}

func TestCreateResolveRoundTrip(t *testing.T) {
	s, _ := newSessions(t, time.Hour)
	ctx := context.Background()

	token, err := s.Create(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := s.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
}

func TestTokensAreOpaqueAndUnique(t *testing.T) {
	s, _ := newSessions(t, time.Hour)
	ctx := context.Background()

	t1, err := s.Create(ctx, "u1")
	require.NoError(t, err)
	t2, err := s.Create(ctx, "u1")
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)
	require.NotContains(t, t1, "u1", "token does not embed the user id")
}

func TestUnknownTokenIsInvalidCredentials(t *testing.T) {
	s, _ := newSessions(t, time.Hour)

	_, err := s.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = s.Resolve(context.Background(), "")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestExpiryAndSlidingTTL(t *testing.T) {
	s, mr := newSessions(t, time.Minute)
	ctx := context.Background()

	token, err := s.Create(ctx, "u1")
	require.NoError(t, err)

	// A resolve refreshes the TTL, so activity keeps the session alive past
	// the original deadline.
	mr.FastForward(45 * time.Second)
	_, err = s.Resolve(ctx, token)
	require.NoError(t, err)
	mr.FastForward(45 * time.Second)
	_, err = s.Resolve(ctx, token)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = s.Resolve(ctx, token)
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestRevoke(t *testing.T) {
	s, _ := newSessions(t, time.Hour)
	ctx := context.Background()

	token, err := s.Create(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, token))

	_, err = s.Resolve(ctx, token)
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	require.NoError(t, s.Revoke(ctx, "unknown"), "revoking an unknown token is a no-op")
}
