// Package errs defines the orchestration engine's error taxonomy
// (§7) and the HTTP mapping for it. Every component that can fail
// wraps the underlying cause with one of these kinds so the Control
// API and the Supervisor's escalation logic can dispatch on it
// without string matching.
package errs

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed.
type Kind string

const (
	NotFound  Kind = "not_found"
	Conflict  Kind = "conflict"
	Invariant Kind = "invariant"
	Budget    Kind = "budget"
	Timeout   Kind = "timeout"
	External  Kind = "external"
	Transient Kind = "transient"
	Fatal     Kind = "fatal"
)

// Error carries a Kind plus whatever pkg/errors stack trace was
// attached at Wrap time, so a panic-recovery log line still has a
// useful trace even though the caller only sees the Kind.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap annotates err with a Kind and a stack trace. A nil err returns
// nil, so call sites can do `return errs.Wrap(fn(), errs.External, "push")`.
func Wrap(err error, kind Kind, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, cause: errors.WithStack(err)}
}

// New constructs a fresh Error with a stack trace and no wrapped cause.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail, cause: errors.New(detail)}
}

// KindOf extracts the Kind from err, defaulting to Fatal when err
// carries none — an un-kinded error reaching the API boundary is
// treated as a bug, never silently downgraded to a 500-with-no-signal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// HTTPStatus maps a Kind to the status codes named in §6/§7.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Invariant:
		return http.StatusUnprocessableEntity
	case Budget:
		return http.StatusForbidden // code "budget" distinguishes from auth failures
	case Timeout:
		return http.StatusGatewayTimeout
	case External, Transient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body is the structured error body clients see: {code, message, detail?}.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ToBody renders err as the wire body for a failed request.
func ToBody(err error) Body {
	kind := KindOf(err)
	var detail string
	var e *Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	return Body{Code: string(kind), Message: err.Error(), Detail: detail}
}
