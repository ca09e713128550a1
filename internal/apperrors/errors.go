package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for callers and for the HTTP layer.
type Kind int

const (
	// KindNotFound - addressed entity absent
	KindNotFound Kind = iota
	// KindValidation - input violates a stated rule
	KindValidation
	// KindPermissionDenied - authorization failure
	KindPermissionDenied
	// KindConflict - duplicate key, CAS failure, or ref moved since job queued
	KindConflict
	// KindBusinessRule - operation not allowed in current state
	KindBusinessRule
	// KindResourceExhausted - upload too large, rate/quota exceeded
	KindResourceExhausted
	// KindExternalService - parser/executor subsystem failure
	KindExternalService
	// KindInternal - last-resort catch-all
	KindInternal
)

// Error is the structured error carried across layers. Details are safe to
// surface to API clients; Cause is not.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || t.Code == e.Code)
}

// WithDetail attaches a client-visible detail and returns the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause attaches the wrapped cause and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an absent entity, e.g. NotFound("dataset", id).
func NotFound(entity, id string) *Error {
	return newf(KindNotFound, "not_found", "%s %q not found", entity, id).
		WithDetail("entity", entity).WithDetail("id", id)
}

// Validationf reports invalid input.
func Validationf(format string, args ...interface{}) *Error {
	return newf(KindValidation, "validation_error", format, args...)
}

// PermissionDenied reports an authorization failure on a resource.
func PermissionDenied(resourceType, resourceID, required string) *Error {
	return newf(KindPermissionDenied, "permission_denied",
		"permission denied: %s required on %s %s", required, resourceType, resourceID).
		WithDetail("resource_type", resourceType).
		WithDetail("resource_id", resourceID).
		WithDetail("required_level", required)
}

// Conflictf reports a duplicate key or CAS failure.
func Conflictf(format string, args ...interface{}) *Error {
	return newf(KindConflict, "conflict", format, args...)
}

// BusinessRule reports an operation forbidden in the current state. The rule
// name is machine-readable, e.g. "protect_default_branch".
func BusinessRule(rule, message string) *Error {
	return newf(KindBusinessRule, rule, "%s", message).WithDetail("rule", rule)
}

// ResourceExhaustedf reports an exceeded size or rate limit.
func ResourceExhaustedf(format string, args ...interface{}) *Error {
	return newf(KindResourceExhausted, "resource_exhausted", format, args...)
}

// ExternalService wraps a failure in an injected subsystem (parser, SQL engine).
func ExternalService(subsystem string, cause error) *Error {
	return newf(KindExternalService, "external_service_error",
		"%s failed", subsystem).WithDetail("subsystem", subsystem).WithCause(cause)
}

// Internalf reports an unexpected internal failure.
func Internalf(format string, args ...interface{}) *Error {
	return newf(KindInternal, "internal_error", format, args...)
}

// KindOf extracts the Kind from err, defaulting to KindInternal for plain errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// AsError extracts the structured error, wrapping plain errors as internal.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internalf("internal error").WithCause(err)
}

// HTTPStatus maps the taxonomy to response status codes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindBusinessRule:
		return http.StatusBadRequest
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
