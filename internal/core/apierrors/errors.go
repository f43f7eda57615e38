// Package apierrors defines the closed set of error kinds the core
// surfaces across the HTTP envelope. Middleware and handler errors are
// explicit result values, never panics, and each kind maps to exactly
// one HTTP status.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed classification of core-level failures.
type Kind string

const (
	KindAuthMissing         Kind = "auth_missing"
	KindAuthInvalidToken    Kind = "auth_invalid_token"
	KindAuthDisabledUser    Kind = "auth_disabled_user"
	KindPermissionDenied    Kind = "permission_denied"
	KindRateLimited         Kind = "rate_limited"
	KindNotFound            Kind = "not_found"
	KindInvalidRequest      Kind = "invalid_request"
	KindModelNotLoaded      Kind = "model_not_loaded"
	KindClusterInsufficient Kind = "cluster_insufficient"
	KindBackendUnavailable  Kind = "backend_unavailable"
	KindInternal            Kind = "internal"
)

// statusByKind is the fixed Kind→HTTP-status mapping.
var statusByKind = map[Kind]int{
	KindAuthMissing:         http.StatusUnauthorized,
	KindAuthInvalidToken:    http.StatusUnauthorized,
	KindAuthDisabledUser:    http.StatusForbidden,
	KindPermissionDenied:    http.StatusForbidden,
	KindRateLimited:         http.StatusTooManyRequests,
	KindNotFound:            http.StatusNotFound,
	KindInvalidRequest:      http.StatusBadRequest,
	KindModelNotLoaded:      http.StatusServiceUnavailable,
	KindClusterInsufficient: http.StatusServiceUnavailable,
	KindBackendUnavailable:  http.StatusServiceUnavailable,
	KindInternal:            http.StatusInternalServerError,
}

// CoreError is a Kind-carrying error usable directly as a Go error while
// still letting the HTTP surface recover structured detail (required
// scope, retry-after, shortfall) for the uniform error envelope.
type CoreError struct {
	Kind    Kind
	Message string

	// RequiredScope is set for KindPermissionDenied.
	RequiredScope string
	// RetryAfterSeconds is set for KindRateLimited.
	RetryAfterSeconds float64
	// ShortfallGB is set for KindClusterInsufficient.
	ShortfallGB float64

	Err error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Status returns the HTTP status code for e's Kind.
func (e *CoreError) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs a CoreError of the given kind.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap constructs a CoreError of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

// AsCoreError extracts a *CoreError from err, if any.
func AsCoreError(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Envelope is the uniform error response body.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody carries the machine-readable code and a human message.
type EnvelopeBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToEnvelope renders e as the wire-level error envelope.
func (e *CoreError) ToEnvelope() Envelope {
	return Envelope{Error: EnvelopeBody{Code: string(e.Kind), Message: e.Message}}
}

// FromError coerces any error into a CoreError, defaulting unclassified
// errors to KindInternal so every failure path produces a valid envelope.
func FromError(err error) *CoreError {
	if err == nil {
		return nil
	}
	if ce, ok := AsCoreError(err); ok {
		return ce
	}
	return Wrap(KindInternal, "internal error", err)
}
