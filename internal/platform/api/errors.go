package api

import (
	"fmt"
	"net/http"
)

// Kind classifies a failure the way clients experience it. The HTTP status
// is derived from the kind in exactly one place (Status), so two handlers
// can never disagree about what a conflict or a denial looks like.
type Kind int

const (
	// KindAuthentication covers missing, invalid, expired, revoked and
	// replayed credentials.
	KindAuthentication Kind = iota + 1
	// KindAuthorization covers wrong role, insufficient permission,
	// missing relationship, missing verification and medical-scope
	// mismatches.
	KindAuthorization
	// KindMalformed is an unparseable request.
	KindMalformed
	// KindValidation is a parseable request with bad field values.
	KindValidation
	// KindNotFound is a reference the caller is allowed to know is absent.
	KindNotFound
	// KindConflict is a business conflict such as a duplicate identifier.
	KindConflict
	// KindRateLimited is a spent request budget.
	KindRateLimited
	// KindDegraded is a dependency outage the request cannot survive.
	KindDegraded
	// KindInternal is everything nobody planned for.
	KindInternal
)

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindMalformed:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed failure handlers and guards return. Message is the
// client-visible text; the wrapped cause stays internal, correlated through
// ErrorID.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	ErrorID string
	status  int
	cause   error
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Status is the HTTP status this error leaves with. It follows the kind
// except for statuses raised by the framework itself (405, 413), which
// keep their original code.
func (e *Error) Status() int {
	if e.status != 0 {
		return e.status
	}
	return e.Kind.Status()
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the internal error behind this failure.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithFields attaches per-field validation detail.
func (e *Error) WithFields(fields ...FieldError) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

// WithErrorID pins the correlation id shared with the audit trail.
func (e *Error) WithErrorID(id string) *Error {
	e.ErrorID = id
	return e
}

func Unauthorized(message string) *Error {
	return NewError(KindAuthentication, message)
}

func Forbidden(message string) *Error {
	return NewError(KindAuthorization, message)
}

func Malformed(message string) *Error {
	return NewError(KindMalformed, message)
}

func Invalid(message string, fields ...FieldError) *Error {
	return NewError(KindValidation, message).WithFields(fields...)
}

func NotFound(message string) *Error {
	return NewError(KindNotFound, message)
}

func Conflict(message string) *Error {
	return NewError(KindConflict, message)
}

func Degraded(message string) *Error {
	return NewError(KindDegraded, message)
}

func Internal(message string) *Error {
	return NewError(KindInternal, message)
}
