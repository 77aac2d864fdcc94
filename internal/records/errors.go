package records

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies failures reported across the record service boundary.
type Kind string

const (
	// KindTransport covers network failures, timeouts and server-side outages.
	KindTransport Kind = "transport"
	// KindAuthRequired means the caller has no valid session.
	KindAuthRequired Kind = "auth_required"
	// KindForbidden means the caller is authenticated but not allowed.
	KindForbidden Kind = "forbidden"
	// KindValidation means the request carried malformed or missing fields.
	KindValidation Kind = "validation"
	// KindNotFound means the target record does not exist.
	KindNotFound Kind = "not_found"
	// KindInternal is a server-side failure. Clients observe it as KindTransport.
	KindInternal Kind = "internal"
)

var (
	ErrTransport    = &Error{Kind: KindTransport}
	ErrAuthRequired = &Error{Kind: KindAuthRequired}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInternal     = &Error{Kind: KindInternal}
)

// FieldError describes a problem with one field of a request.
type FieldError struct {
	Field   string
	Message string
}

// Error is the typed failure returned by record services and the mutation
// coordinator. Code follows the "<package>.<operation>.<reason>" convention.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString(string(e.Kind))
	if e.Code != "" {
		builder.WriteString(" [")
		builder.WriteString(e.Code)
		builder.WriteString("]")
	}
	if e.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Message)
	}
	for _, field := range e.Fields {
		fmt.Fprintf(&builder, "; %s: %s", field.Field, field.Message)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so errors.Is(err, ErrForbidden)
// works regardless of code or message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// FieldMap returns field errors keyed by field name.
func (e *Error) FieldMap() map[string]string {
	if len(e.Fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.Fields))
	for _, field := range e.Fields {
		out[field.Field] = field.Message
	}
	return out
}

// NewError builds a typed error.
func NewError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// NewValidationError builds a KindValidation error carrying field feedback.
// Field errors are sorted by field name.
func NewValidationError(code string, fields ...FieldError) *Error {
	sorted := append([]FieldError(nil), fields...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })
	return &Error{Kind: KindValidation, Code: code, Message: "invalid fields", Fields: sorted}
}

// KindOf extracts the kind of err. Unclassified errors are treated as
// transport failures because the caller can only retry them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindTransport
}

// AsError converts any error into a *Error, wrapping unclassified failures
// as KindTransport.
func AsError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Kind: KindTransport, Code: code, Err: err}
}
