package errors

import (
	"fmt"
	"net/http"
)

// GateError is a terminal, client-visible pipeline error. Writing one ends
// the request: the body is the message verbatim, which callers on the other
// side of the proxy rely on (auth rejection messages are passed through
// untouched).
type GateError struct {
	Code       int
	Message    string
	underlying error
}

func (e *GateError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GateError) Unwrap() error {
	return e.underlying
}

// Write writes the error to the response as plain text. The body carries
// exactly e.Message; no envelope, no trailing newline.
func (e *GateError) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(e.Code)
	w.Write([]byte(e.Message))
}

// New creates a new GateError.
func New(code int, message string) *GateError {
	return &GateError{Code: code, Message: message}
}

// Wrap wraps an error with a status code and client-visible message.
func Wrap(err error, code int, message string) *GateError {
	return &GateError{Code: code, Message: message, underlying: err}
}

// WithMessage derives a copy of e carrying a different client-visible message.
func (e *GateError) WithMessage(message string) *GateError {
	return &GateError{Code: e.Code, Message: message, underlying: e.underlying}
}

// Base errors for the dispatch pipeline. Handlers derive request-specific
// messages with WithMessage; the status codes are fixed.
var (
	ErrConfigMissing = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Error",
	}

	ErrMalformedPath = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Expected first node in URI path to be rewrite token.",
	}

	ErrUnknownRoute = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Unknown routing token",
	}

	ErrBadTargetURL = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Failed to construct target URL",
	}

	ErrAuthUnreachable = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Authentication service unreachable",
	}

	ErrAuthParse = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Received OK status, but did not receive any response message",
	}

	ErrAuthRejected = &GateError{
		Code:    http.StatusUnauthorized,
		Message: "Authentication failed",
	}

	ErrPayloadTooLarge = &GateError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request entity too large",
	}

	ErrBadOriginalURI = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Bad URI",
	}

	ErrSidRequired = &GateError{
		Code:    http.StatusBadRequest,
		Message: "SID is required for request to non-default service",
	}

	ErrSigningFailure = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Signing failed",
	}

	ErrBackendUnreachable = &GateError{
		Code:    http.StatusInternalServerError,
		Message: "Backend unreachable",
	}
)

// IsGateError checks if an error is a GateError.
func IsGateError(err error) (*GateError, bool) {
	if ge, ok := err.(*GateError); ok {
		return ge, true
	}
	return nil, false
}
