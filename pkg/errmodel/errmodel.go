// Package errmodel defines the compact error taxonomy shared by every
// store backend. Callers branch on categories, not on backend-specific
// error types, so the taxonomy is the contract: absence is not a failure
// (not_found), malformed participant keys are a caller error (key_format),
// connectivity and query execution problems propagate unretried (backend),
// and impossible states surface loudly (invariant).
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Category values for store errors.
const (
	// CategoryNotFound marks the expected empty outcome of a lookup.
	// Never logged as an error.
	CategoryNotFound = "not_found"
	// CategoryKeyFormat marks a participant key with an unrecognized
	// prefix. Caller error, not retried.
	CategoryKeyFormat = "key_format"
	// CategoryBackend marks connectivity or query execution failures.
	CategoryBackend = "backend"
	// CategoryInvariant marks operations attempted against impossible
	// state, e.g. cleaning a game that has no saves.
	CategoryInvariant = "invariant"
)

// Codes under CategoryBackend.
const (
	CodeUnavailable = "unavailable"
	CodeQuery       = "query"
)

// Error is the typed error returned by all store operations.
// Op names the failing operation for diagnosability; Cause retains the
// backend error for errors.Is/As chains.
type Error struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Op       string `json:"op,omitempty"`
	Message  string `json:"message"`
	Cause    error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Category + "/" + e.Code
	if e.Op != "" {
		msg += " [" + e.Op + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an error with an explicit category and code.
func New(category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// NotFound reports a missing game, version, or participant reference.
// The code names what was looked up ("game", "version", "participant").
func NotFound(code, message string) *Error {
	return &Error{Category: CategoryNotFound, Code: code, Message: message}
}

// KeyFormat reports an unrecognized participant-key prefix.
func KeyFormat(message string) *Error {
	return &Error{Category: CategoryKeyFormat, Code: "prefix", Message: message}
}

// Invariant reports an operation attempted against impossible state.
func Invariant(op, message string) *Error {
	return &Error{Category: CategoryInvariant, Code: "violated", Op: op, Message: message}
}

// Query wraps a failed query execution with the operation name.
func Query(op string, cause error) *Error {
	return &Error{Category: CategoryBackend, Code: CodeQuery, Op: op, Cause: cause}
}

// Unavailable wraps a connectivity failure with the operation name.
func Unavailable(op string, cause error) *Error {
	return &Error{Category: CategoryBackend, Code: CodeUnavailable, Op: op, Cause: cause}
}

// From converts any error into an *Error. Already-typed errors pass
// through; anything else is treated as a backend query failure.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Category: CategoryBackend, Code: CodeQuery, Message: err.Error(), Cause: err}
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, category string) bool {
	var e *Error
	return errors.As(err, &e) && e.Category == category
}

// IsNotFound reports whether err is the expected empty-lookup outcome.
func IsNotFound(err error) bool { return IsCategory(err, CategoryNotFound) }

// IsKeyFormat reports whether err is an unrecognized participant key.
func IsKeyFormat(err error) bool { return IsCategory(err, CategoryKeyFormat) }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return IsCategory(err, CategoryInvariant) }

// HTTPStatus maps an error to the status the ops surface responds with.
func HTTPStatus(err error) int {
	e := From(err)
	if e == nil {
		return http.StatusOK
	}
	switch e.Category {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryKeyFormat:
		return http.StatusBadRequest
	case CategoryInvariant:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes the error envelope used by the ops endpoints,
// including the active trace id when one is present on the request.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e))

	traceID := ""
	if r != nil {
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    e,
		"trace_id": traceID,
	})
}
