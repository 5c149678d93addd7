package session

import (
	"errors"
	"fmt"

	"mindprint/internal/store"
)

// Kind classifies protocol errors so transports can map them without
// matching on messages.
type Kind int

const (
	// KindUnknown is returned for errors that did not come from this package.
	KindUnknown Kind = iota
	// KindValidation marks malformed input. Retrying with corrected input is safe.
	KindValidation
	// KindAuth marks bad credentials, expired sessions and replays.
	KindAuth
	// KindUnavailable marks durable storage failures.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a protocol rejection. Msg is safe to show to clients.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Protocol errors.
var (
	ErrMissingCredentials = &Error{KindValidation, "Missing telemetry session credentials."}
	ErrInvalidSequence    = &Error{KindValidation, "Invalid telemetry batch sequence."}
	ErrInvalidPayload     = &Error{KindValidation, "Telemetry payload rejected due to invalid shape or ordering."}
	ErrInvalidToken       = &Error{KindAuth, "Telemetry session token is invalid."}
	ErrTokenExpired       = &Error{KindAuth, "Telemetry session token has expired."}
	ErrSessionNotFound    = &Error{KindAuth, "Telemetry session does not exist."}
	ErrNonceMismatch      = &Error{KindAuth, "Telemetry session nonce mismatch."}
	ErrSessionExpired     = &Error{KindAuth, "Telemetry session has expired."}
	ErrReplay             = &Error{KindAuth, "Out-of-order or replayed telemetry batch rejected."}
	ErrStorageUnavailable = &Error{KindUnavailable, "Trusted storage unavailable."}
)

// KindOf returns the kind of err, looking through wrapping. Bare store
// availability errors are reported as KindUnavailable.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, store.ErrUnavailable) {
		return KindUnavailable
	}
	return KindUnknown
}

// PublicMessage returns the client-facing message for err. Detail from
// wrapped causes is not included.
func PublicMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Msg
	}
	if errors.Is(err, store.ErrUnavailable) {
		return ErrStorageUnavailable.Msg
	}
	return "Internal error."
}

// reject wraps a detailed cause under a protocol error.
func reject(pe *Error, cause error) error {
	if cause == nil {
		return pe
	}
	return fmt.Errorf("%w: %w", pe, cause)
}
