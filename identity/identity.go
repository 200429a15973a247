// Package identity holds the credential fabric: user accounts, provisioned
// devices, API keys and session tokens. Three independent credential modes
// are built on it (device headers, user session bearer tokens and API-key
// bearer tokens), each resolved by its own store.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record id does not resolve.
	ErrNotFound = errors.New("identity record not found")

	// ErrEmailTaken is returned by Register when the email is already used.
	ErrEmailTaken = errors.New("user already exists")

	// ErrInvalidCredentials covers failed lookups, mismatched secrets and
	// expired or inactive keys. Callers surface it without detail.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDeviceOffline is returned when a device authenticates while its
	// record marks it offline.
	ErrDeviceOffline = errors.New("device is offline")
)

// User is a patient account. Only the salted hash of the password is kept.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordSalt string
	PasswordHash string
	CreatedAt    time.Time
}

// DeviceKind distinguishes the two appliance classes.
type DeviceKind string

const (
	// KindDispenser is the pill-dispensing appliance.
	KindDispenser DeviceKind = "dispenser"
	// KindBand is the wearable reminder band.
	KindBand DeviceKind = "band"
)

// Valid reports whether k names a known device kind.
func (k DeviceKind) Valid() bool { return k == KindDispenser || k == KindBand }

// DeviceStatus is the device liveness marker.
type DeviceStatus string

const (
	// StatusOnline marks a device seen recently.
	StatusOnline DeviceStatus = "online"
	// StatusOffline marks a device that must not authenticate.
	StatusOffline DeviceStatus = "offline"
	// StatusError marks a device reporting a fault condition.
	StatusError DeviceStatus = "error"
)

// Device is a provisioned appliance. AuthToken is write-once at provisioning.
type Device struct {
	ID        string
	UserID    string
	Kind      DeviceKind
	AuthToken string
	Status    DeviceStatus
	LastSeen  time.Time
}

// APIKey is a third-party credential. Only the hash of the plaintext is kept;
// the plaintext is returned exactly once at issuance.
type APIKey struct {
	ID          string
	UserID      string
	Name        string
	Hash        string
	Permissions []string
	Active      bool
	LastUsedAt  *time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Users manages accounts.
type Users interface {
	Register(ctx context.Context, email, name, password string) (User, error)
	Authenticate(ctx context.Context, email, password string) (User, error)
	Get(ctx context.Context, id string) (User, error)
	DeleteByEmail(ctx context.Context, email string) error
}

// Devices manages appliance records and device-mode authentication.
type Devices interface {
	// Provision creates a device for the user and returns its write-once
	// auth token.
	Provision(ctx context.Context, userID string, kind DeviceKind) (Device, error)

	// Authenticate resolves the (id, token) header pair. Unknown ids and
	// mismatched tokens yield ErrInvalidCredentials; offline devices yield
	// ErrDeviceOffline. On success the device is marked online with a fresh
	// last-seen instant.
	Authenticate(ctx context.Context, id, token string) (Device, error)

	List(ctx context.Context, userID string) ([]Device, error)
}

// APIKeys manages third-party keys.
type APIKeys interface {
	// Issue mints a key and returns the record plus the plaintext, which is
	// never stored.
	Issue(ctx context.Context, userID, name string, permissions []string) (APIKey, string, error)

	// Verify resolves a plaintext bearer credential by one-way hash.
	// Validity requires the key to be active and unexpired.
	Verify(ctx context.Context, plaintext string) (APIKey, error)

	List(ctx context.Context, userID string) ([]APIKey, error)
	Revoke(ctx context.Context, userID, id string) error
}

// Sessions maps bearer tokens to user ids. A valid token resolves to exactly
// one user id.
type Sessions interface {
	Create(ctx context.Context, userID string) (string, error)
	Resolve(ctx context.Context, token string) (string, error)
}
