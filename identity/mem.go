package identity

import (
	"context"
	"crypto/subtle"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// MemUsers is an in-memory Users implementation.
type MemUsers struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string
	clock   clock.PassiveClock
}

// NewMemUsers returns an empty user store.
func NewMemUsers(clk clock.PassiveClock) *MemUsers {
	return &MemUsers{byID: make(map[string]User), byEmail: make(map[string]string), clock: clk}
}

// Register creates a user unless the email is already taken.
func (s *MemUsers) Register(_ context.Context, email, name, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	salt, err := NewSalt()
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[email]; taken {
		return User{}, ErrEmailTaken
	}
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordSalt: salt,
		PasswordHash: HashSecret(salt, password),
		CreatedAt:    s.clock.Now().UTC(),
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	return u, nil
}

// Authenticate verifies the email/password pair.
func (s *MemUsers) Authenticate(_ context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	u := s.byID[id]
	want := []byte(u.PasswordHash)
	got := []byte(HashSecret(u.PasswordSalt, password))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Get returns the user by id.
func (s *MemUsers) Get(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// DeleteByEmail removes the user unconditionally.
func (s *MemUsers) DeleteByEmail(_ context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return ErrNotFound
	}
	delete(s.byEmail, email)
	delete(s.byID, id)
	return nil
}

// MemDevices is an in-memory Devices implementation.
type MemDevices struct {
	mu      sync.RWMutex
	devices map[string]Device
	clock   clock.PassiveClock
}

// NewMemDevices returns an empty device registry.
func NewMemDevices(clk clock.PassiveClock) *MemDevices {
	return &MemDevices{devices: make(map[string]Device), clock: clk}
}

// Provision creates a device with a fresh write-once auth token.
func (s *MemDevices) Provision(_ context.Context, userID string, kind DeviceKind) (Device, error) {
	token, err := NewToken()
	if err != nil {
		return Device{}, err
	}
	d := Device{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		AuthToken: token,
		Status:    StatusOnline,
		LastSeen:  s.clock.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return d, nil
}

// Authenticate resolves the device header pair and refreshes liveness.
func (s *MemDevices) Authenticate(_ context.Context, id, token string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(d.AuthToken), []byte(token)) != 1 {
		return Device{}, ErrInvalidCredentials
	}
	if d.Status == StatusOffline {
		return Device{}, ErrDeviceOffline
	}
	d.Status = StatusOnline
	d.LastSeen = s.clock.Now().UTC()
	s.devices[id] = d
	return d, nil
}

// List returns the user's devices sorted by id.
func (s *MemDevices) List(_ context.Context, userID string) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Device
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetStatus overrides a device's liveness marker. Used by operators to take
// a device out of rotation; offline devices fail authentication.
func (s *MemDevices) SetStatus(_ context.Context, id string, status DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	s.devices[id] = d
	return nil
}

// MemAPIKeys is an in-memory APIKeys implementation.
type MemAPIKeys struct {
	mu     sync.RWMutex
	byID   map[string]APIKey
	byHash map[string]string
	clock  clock.PassiveClock
}

// NewMemAPIKeys returns an empty key store.
func NewMemAPIKeys(clk clock.PassiveClock) *MemAPIKeys {
	return &MemAPIKeys{byID: make(map[string]APIKey), byHash: make(map[string]string), clock: clk}
}

// Issue mints a key, persists only its hash and returns the plaintext once.
func (s *MemAPIKeys) Issue(_ context.Context, userID, name string, permissions []string) (APIKey, string, error) {
	now := s.clock.Now().UTC()
	plaintext, err := NewKeyPlaintext(now)
	if err != nil {
		return APIKey{}, "", err
	}
	k := APIKey{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Hash:        HashSecret("", plaintext),
		Permissions: append([]string(nil), permissions...),
		Active:      true,
		ExpiresAt:   now.Add(KeyLifetime),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[k.ID] = k
	s.byHash[k.Hash] = k.ID
	return k, plaintext, nil
}

// Verify resolves a plaintext bearer credential.
func (s *MemAPIKeys) Verify(_ context.Context, plaintext string) (APIKey, error) {
	hash := HashSecret("", plaintext)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return APIKey{}, ErrInvalidCredentials
	}
	k := s.byID[id]
	now := s.clock.Now().UTC()
	if !k.Active || !k.ExpiresAt.After(now) {
		return APIKey{}, ErrInvalidCredentials
	}
	k.LastUsedAt = &now
	k.UpdatedAt = now
	s.byID[id] = k
	return k, nil
}

// List returns the user's keys sorted by creation time.
func (s *MemAPIKeys) List(_ context.Context, userID string) ([]APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []APIKey
	for _, k := range s.byID {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Revoke deletes the key, scoped to its owner.
func (s *MemAPIKeys) Revoke(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok || k.UserID != userID {
		return ErrNotFound
	}
	delete(s.byHash, k.Hash)
	delete(s.byID, id)
	return nil
}

// MemSessions is an in-memory Sessions implementation. Tokens use a
// deterministic "session-for-<user-id>" shape, which is trivially forgeable;
// deployments wanting opaque random tokens should use the redis-backed store
// under features/sessionstore/redis.
type MemSessions struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemSessions returns an empty session store.
func NewMemSessions() *MemSessions {
	return &MemSessions{tokens: make(map[string]string)}
}

// Create issues the user's session token.
func (s *MemSessions) Create(_ context.Context, userID string) (string, error) {
	token := "session-for-" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
	return token, nil
}

// Resolve maps a token back to its user id.
func (s *MemSessions) Resolve(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.tokens[token]
	if !ok {
		return "", ErrInvalidCredentials
	}
	return userID, nil
}
