// Package qopyerr defines the error taxonomy shared by every component and
// the standard JSON envelope HTTPSurface returns to clients. Handlers never
// write raw error text to the response; they call Respond with a *Error so
// that internal detail is always logged, never leaked.
package qopyerr

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Dropicx/qopy-sub004/internal/ratelimit"
)

// Kind is a coarse error category, not a concrete type hierarchy. It maps
// directly onto an HTTP status and a stable machine-readable code.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindGone        Kind = "gone"
	KindPayload     Kind = "payload"
	KindRate        Kind = "rate"
	KindInternal    Kind = "internal"
)

// Error is the error type every component returns for expected failure
// modes. Code is the stable machine-readable identifier from spec section
// 7 (e.g. "SESSION_EXPIRED", "ID_EXHAUSTED"); Hint is an optional, safe
// human-readable elaboration. Err, if set, is the underlying cause and is
// logged but never serialized to the client.
type Error struct {
	Kind Kind
	Code string
	Hint string
	Err  error

	// RateLimit, when set, carries the window state a Limiter.Check call
	// returned so Respond can set the standard X-RateLimit-* headers.
	RateLimit *ratelimit.RateLimitInfo
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no underlying cause.
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Wrap builds an Error around an underlying cause, which is logged
// server-side but never exposed to the client.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// WithHint attaches a safe, client-visible elaboration.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithRateLimit attaches window state for Respond to render as
// X-RateLimit-* headers, and fills Hint with a human-readable reset time
// if none is set yet.
func (e *Error) WithRateLimit(info ratelimit.RateLimitInfo) *Error {
	e.RateLimit = &info
	if e.Hint == "" {
		e.Hint = "try again in " + ratelimit.FormatResetTime(info.ResetAt)
	}
	return e
}

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindPayload:
		return http.StatusUnprocessableEntity
	case KindRate:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// envelope is the wire shape of every error response.
type envelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

// Respond writes the standard error envelope for err, logging the full
// detail (including any wrapped cause) server-side with the request's
// logger. In production, internal-kind errors never reveal Err's message
// to the client; in development the message replaces the hint of an
// internal-kind error to speed up debugging.
func Respond(w http.ResponseWriter, logger *zerolog.Logger, err error, production bool) {
	qerr, ok := err.(*Error)
	if !ok {
		qerr = Wrap(KindInternal, "INTERNAL", err)
	}

	ev := logger.Error()
	if qerr.Err != nil {
		ev = ev.Err(qerr.Err)
	}
	ev.Str("code", qerr.Code).Str("kind", string(qerr.Kind)).Msg("request failed")

	status := statusFor(qerr.Kind)
	hint := qerr.Hint
	if !production && qerr.Err != nil && qerr.Kind == KindInternal {
		hint = qerr.Err.Error()
	}

	msg := publicMessage(qerr)

	if qerr.RateLimit != nil {
		ratelimit.AddRateLimitHeaders(w, *qerr.RateLimit)
		w.Header().Set("Retry-After", strconv.Itoa(qerr.RateLimit.RetryAfterSeconds()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg, Code: qerr.Code, Hint: hint})
}

// publicMessage returns a safe, generic message for the given code. It
// never echoes storage paths, SQL errors, or other internal detail.
func publicMessage(e *Error) string {
	switch e.Code {
	case "ID_EXHAUSTED":
		return "unable to allocate an identifier, try again"
	case "PATH_ESCAPE":
		return "invalid path"
	case "INVALID_STATE":
		return "upload session is not in a valid state for this operation"
	case "SESSION_EXPIRED":
		return "upload session has expired"
	case "INVALID_CHUNK_SIZE":
		return "chunk size does not match the declared session parameters"
	case "INCOMPLETE":
		return "not all chunks have been received"
	case "SIZE_MISMATCH":
		return "assembled content size does not match the declared filesize"
	case "INVALID_RETENTION":
		return "unknown retention value"
	case "ACCESS_DENIED":
		return "access code is incorrect"
	case "GONE":
		return "this content has already been consumed"
	case "NOT_FOUND":
		return "not found"
	default:
		if e.Kind == KindInternal {
			return "internal error"
		}
		return e.Code
	}
}
