// Package redis implements identity.Sessions on Redis. Tokens are opaque
// random strings mapped to user ids with a sliding TTL, replacing the
// forgeable in-memory token shape for multi-process deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/doseline/doseline/identity"
)

const (
	// DefaultTTL is how long a session token stays valid without use.
	DefaultTTL = 24 * time.Hour

	keyPrefix  = "doseline:session:"
	clientName = "session-redis"
)

// Sessions is a Redis-backed identity.Sessions.
type Sessions struct {
	rdb *goredis.Client
	ttl time.Duration
}

// New returns a Sessions store. A zero ttl falls back to DefaultTTL.
func New(rdb *goredis.Client, ttl time.Duration) (*Sessions, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sessions{rdb: rdb, ttl: ttl}, nil
}

// Create mints an opaque token for the user.
func (s *Sessions) Create(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	token, err := identity.NewToken()
	if err != nil {
		return "", fmt.Errorf("minting session token: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+token, userID, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing session: %w", err)
	}
	return token, nil
}

// Resolve maps a token back to its user id and refreshes the TTL. Unknown or
// expired tokens fail as invalid credentials.
func (s *Sessions) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", identity.ErrInvalidCredentials
	}
	userID, err := s.rdb.GetEx(ctx, keyPrefix+token, s.ttl).Result()
	if errors.Is(err, goredis.Nil) {
		return "", identity.ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}
	return userID, nil
}

// Revoke drops a token. Revoking an unknown token is a no-op.
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, keyPrefix+token).Err()
}

// Name implements health.Pinger.
func (s *Sessions) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Sessions) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
