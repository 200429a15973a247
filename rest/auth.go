package rest

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/doseline/doseline/identity"
)

// Header names for device-mode authentication.
const (
	HeaderDeviceID    = "X-Device-ID"
	HeaderDeviceToken = "X-Device-Auth-Token"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	deviceKey
)

// UserID returns the authenticated user id stored by the auth middleware.
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// authedDevice returns the device record stored by the device middleware.
func authedDevice(r *http.Request) identity.Device {
	d, _ := r.Context().Value(deviceKey).(identity.Device)
	return d
}

// bearer extracts the Authorization bearer credential.
func bearer(r *http.Request) (string, *ServiceError) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", Errf(KindMissingCredentials, "missing Authorization header")
	}
	token := strings.TrimPrefix(h, "Bearer ")
	if token == h || token == "" {
		return "", Errf(KindInvalidCredentials, "invalid credentials")
	}
	return token, nil
}

// withUser authenticates the request in user-session mode and stores the
// resolved user id in the context. When allowKey is true an API-key bearer is
// also accepted; this is restricted to read-only endpoints.
func (s *Service) withUser(allowKey bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, serr := bearer(r)
		if serr != nil {
			s.writeError(r.Context(), w, serr)
			return
		}
		userID, err := s.sessions.Resolve(r.Context(), token)
		if err != nil {
			if !allowKey {
				s.writeError(r.Context(), w, Errf(KindInvalidCredentials, "invalid credentials"))
				return
			}
			key, kerr := s.keys.Verify(r.Context(), token)
			if kerr != nil {
				s.writeError(r.Context(), w, kerr)
				return
			}
			userID = key.UserID
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(ctx))
	}
}

// withDevice authenticates the request in device-header mode. The device must
// be of the given kind; a band posting to the dispenser endpoint (or vice
// versa) is refused.
func (s *Service) withDevice(kind identity.DeviceKind, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderDeviceID)
		token := r.Header.Get(HeaderDeviceToken)
		if id == "" || token == "" {
			s.writeError(r.Context(), w, Errf(KindMissingCredentials, "missing device credentials"))
			return
		}
		device, err := s.devices.Authenticate(r.Context(), id, token)
		if err != nil {
			s.writeError(r.Context(), w, err)
			return
		}
		if device.Kind != kind {
			s.writeError(r.Context(), w, Errf(KindWrongDeviceKind, "endpoint requires a %s, device is a %s", kind, device.Kind))
			return
		}
		ctx := context.WithValue(r.Context(), deviceKey, device)
		ctx = context.WithValue(ctx, userIDKey, device.UserID)
		next(w, r.WithContext(ctx))
	}
}

// ipLimiter keeps one token bucket per client address. Buckets are created on
// first sight and never expire; the credential endpoints it guards see a
// bounded address population in practice.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{buckets: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[host] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// limited guards the unauthenticated credential endpoints against
// brute-force attempts.
func (s *Service) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authLimiter.allow(r.RemoteAddr) {
			s.writeError(r.Context(), w, Errf(KindRateLimited, "too many attempts, slow down"))
			return
		}
		next(w, r)
	}
}
