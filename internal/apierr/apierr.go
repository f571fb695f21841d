// Package apierr defines the core error taxonomy and its HTTP mapping.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error categories the core produces. It is not a type
// name — it tags where in the HTTP response an error surfaces.
type Kind int

const (
	KindNotFound Kind = iota
	KindGone
	KindBadState
	KindCapacityFull
	KindNoRunners
	KindBridgeStartup
	KindBridgeCrash
	KindClientTimeout
	KindIo
)

// Error wraps an underlying cause with a Kind for HTTP-status mapping.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound, Gone, BadState, CapacityFull, NoRunners construct the
// corresponding correctness-error kinds.
func NotFound(format string, a ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, a...)}
}

func Gone(format string, a ...any) *Error {
	return &Error{Kind: KindGone, Message: fmt.Sprintf(format, a...)}
}

func BadState(format string, a ...any) *Error {
	return &Error{Kind: KindBadState, Message: fmt.Sprintf(format, a...)}
}

func CapacityFull(format string, a ...any) *Error {
	return &Error{Kind: KindCapacityFull, Message: fmt.Sprintf(format, a...)}
}

func NoRunners(format string, a ...any) *Error {
	return &Error{Kind: KindNoRunners, Message: fmt.Sprintf(format, a...)}
}

func BridgeStartup(cause error, stderr string, exitCode int) *Error {
	return &Error{
		Kind:    KindBridgeStartup,
		Message: fmt.Sprintf("bridge failed to start (exit %d): %s", exitCode, stderr),
		Cause:   cause,
	}
}

func BridgeCrash(format string, a ...any) *Error {
	return &Error{Kind: KindBridgeCrash, Message: fmt.Sprintf(format, a...)}
}

func ClientTimeout(format string, a ...any) *Error {
	return &Error{Kind: KindClientTimeout, Message: fmt.Sprintf(format, a...)}
}

func Io(cause error, format string, a ...any) *Error {
	return &Error{Kind: KindIo, Message: fmt.Sprintf(format, a...), Cause: cause}
}

// KindOf extracts the Kind from err. For an error that wraps no *Error it
// returns ok=false and the zero Kind.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// HTTPStatus maps a Kind to the status code spec.md §7 assigns it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindBadState:
		return http.StatusBadRequest
	case KindCapacityFull, KindNoRunners:
		return http.StatusServiceUnavailable
	case KindBridgeStartup:
		return http.StatusInternalServerError
	case KindBridgeCrash:
		return http.StatusInternalServerError
	case KindClientTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor returns the HTTP status for err, defaulting to 500 when err
// carries no *Error tag.
func StatusFor(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	return HTTPStatus(kind)
}
