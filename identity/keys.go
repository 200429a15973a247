package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// KeyLifetime is how long an issued API key stays valid.
const KeyLifetime = 14 * 24 * time.Hour

// keyPrefix identifies doseline-issued API keys.
const keyPrefix = "dl"

const randAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewKeyPlaintext mints a key of the form dl_<base36-time>_<14-char-random>.
func NewKeyPlaintext(now time.Time) (string, error) {
	suffix, err := randomString(14)
	if err != nil {
		return "", fmt.Errorf("generating key suffix: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s", keyPrefix, strconv.FormatInt(now.Unix(), 36), suffix), nil
}

// HashSecret returns the hex SHA-256 of a secret, optionally salted. Used for
// both API keys (no salt) and passwords (per-user salt).
func HashSecret(salt, secret string) string {
	sum := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(sum[:])
}

// NewSalt returns a random hex salt.
func NewSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewToken returns a random hex token for device provisioning.
func NewToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = randAlphabet[int(b[i])%len(randAlphabet)]
	}
	return string(b), nil
}
