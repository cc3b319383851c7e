// Package dserr defines the Delivery Service's typed error taxonomy and maps
// it onto HTTP status codes and the standard JSON error envelope
// {"error": {"code": ..., "message": ...}}, generalizing the ad hoc
// writeError helpers duplicated across handler packages into one mapper.
package dserr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind identifies one of the taxonomy's error classes.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindBadRequest        Kind = "bad_request"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindRateLimited       Kind = "rate_limited"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal          Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindUnauthorized:       http.StatusUnauthorized,
	KindForbidden:          http.StatusForbidden,
	KindBadRequest:         http.StatusBadRequest,
	KindConflict:           http.StatusConflict,
	KindNotFound:           http.StatusNotFound,
	KindRateLimited:        http.StatusTooManyRequests,
	KindServiceUnavailable: http.StatusServiceUnavailable,
	KindInternal:           http.StatusInternalServerError,
}

// Error is a typed, user-facing error carrying an HTTP status, a
// machine-readable code, and a message safe to return to the client. Never
// wrap caller input into Message — it is echoed verbatim in responses.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func build(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Unauthorized builds a 401: JWT invalid, expired, replayed, or lxm-mismatched.
func Unauthorized(code, message string) *Error { return build(KindUnauthorized, code, message) }

// Forbidden builds a 403: not a member, not an admin, block conflict, banned.
func Forbidden(code, message string) *Error { return build(KindForbidden, code, message) }

// BadRequest builds a 400: malformed input, size exceeded, invalid DID format.
func BadRequest(code, message string) *Error { return build(KindBadRequest, code, message) }

// Conflict builds a 409: duplicate msg_id with different content, epoch
// mismatch, member already present.
func Conflict(code, message string) *Error { return build(KindConflict, code, message) }

// NotFound builds a 404: conversation, message, report, or key package absent.
func NotFound(code, message string) *Error { return build(KindNotFound, code, message) }

// RateLimited builds a 429.
func RateLimited(code, message string) *Error { return build(KindRateLimited, code, message) }

// ServiceUnavailable builds a 503: actor deadline exceeded, storage retry
// exhausted.
func ServiceUnavailable(code, message string) *Error {
	return build(KindServiceUnavailable, code, message)
}

// Internal builds a 500. Message should be opaque; never include err.Error().
func Internal(code, message string) *Error { return build(KindInternal, code, message) }

// As extracts a *Error from err via errors.As, for handlers that need to
// inspect Kind/Code before writing a response.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// envelope is the standard JSON error body.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes err as the standard JSON error envelope. If err is not a
// *Error, it is treated as an opaque Internal error — its message is never
// exposed to the client.
func WriteJSON(w http.ResponseWriter, err error) {
	dsErr, ok := As(err)
	if !ok {
		dsErr = Internal("internal_error", "an unexpected error occurred")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dsErr.Status())
	json.NewEncoder(w).Encode(envelope{
		Error: envelopeBody{Code: dsErr.Code, Message: dsErr.Message},
	})
}
