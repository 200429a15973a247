package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"goa.design/clue/log"

	"github.com/doseline/doseline/caregiver"
	"github.com/doseline/doseline/dose"
	"github.com/doseline/doseline/events"
	"github.com/doseline/doseline/identity"
	"github.com/doseline/doseline/inventory"
	"github.com/doseline/doseline/medication"
)

// ErrorKind is the stable wire name of an error condition. Every error body
// carries exactly one kind so clients can branch without parsing messages.
type ErrorKind string

const (
	KindMissingCredentials ErrorKind = "missing-credentials"
	KindInvalidCredentials ErrorKind = "invalid-credentials"
	KindWrongDeviceKind    ErrorKind = "wrong-device-kind"
	KindDeviceOffline      ErrorKind = "device-offline"
	KindNotFound           ErrorKind = "not-found"
	KindConflict           ErrorKind = "conflict"
	KindInvalidInput       ErrorKind = "invalid-input"
	KindIllegalTransition  ErrorKind = "illegal-transition"
	KindRateLimited        ErrorKind = "rate-limited"
	KindInternal           ErrorKind = "internal-error"
)

// Status returns the HTTP status for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindMissingCredentials, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindWrongDeviceKind:
		return http.StatusForbidden
	case KindDeviceOffline:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindIllegalTransition:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ServiceError is the transport error. Message is safe to return to the
// caller; it never carries credential material or hashes.
type ServiceError struct {
	Kind    ErrorKind
	Message string
}

// Error implements error.
func (e *ServiceError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Errf builds a ServiceError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *ServiceError {
	return &ServiceError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsServiceError returns the ServiceError in err's chain, if any.
func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	return se, errors.As(err, &se)
}

// errorBody is the JSON error shape.
type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// toServiceError maps domain errors onto wire kinds. Unexpected errors become
// internal-error with a generic message; the detail stays in the logs.
func toServiceError(err error) *ServiceError {
	if se, ok := AsServiceError(err); ok {
		return se
	}
	if te, ok := dose.AsTransitionError(err); ok {
		return Errf(KindIllegalTransition, "dose is %s, cannot move to %s", te.From, te.To)
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return Errf(KindInvalidInput, "%s", verrs)
	}
	switch {
	case errors.Is(err, identity.ErrEmailTaken):
		return Errf(KindConflict, "%s", err)
	case errors.Is(err, identity.ErrInvalidCredentials):
		return Errf(KindInvalidCredentials, "invalid credentials")
	case errors.Is(err, identity.ErrDeviceOffline):
		return Errf(KindDeviceOffline, "device is offline")
	case errors.Is(err, events.ErrUnknownKind), errors.Is(err, events.ErrInvalidEvent):
		return Errf(KindInvalidInput, "%s", err)
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, medication.ErrNotFound),
		errors.Is(err, dose.ErrNotFound),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, caregiver.ErrNotFound):
		return Errf(KindNotFound, "%s", err)
	}
	return &ServiceError{Kind: KindInternal, Message: "internal error"}
}

// writeError encodes err as the standard error body. Internal errors are
// logged with their original cause before the generic body goes out.
func (s *Service) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	se := toServiceError(err)
	if se.Kind == KindInternal {
		log.Errorf(ctx, err, "request failed")
	}
	enc := s.enc(ctx, w)
	w.WriteHeader(se.Kind.Status())
	if eerr := enc.Encode(errorBody{Name: string(se.Kind), Message: se.Message}); eerr != nil {
		log.Errorf(ctx, eerr, "encoding error response")
	}
}
