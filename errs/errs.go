// Package errs provides structured error types and helpers for fleetbus services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the event backbone.
type Code string

const (
	// CodeValidation indicates a malformed event rejected before queuing.
	CodeValidation Code = "validation"
	// CodeAuth indicates a missing or unverifiable credential.
	CodeAuth Code = "auth"
	// CodeForbidden indicates the principal's role lacks permission for the action.
	CodeForbidden Code = "forbidden"
	// CodeDelivery indicates an adapter failed to write to a specific client.
	CodeDelivery Code = "delivery"
	// CodeRelay indicates the external workflow endpoint was unreachable or returned non-2xx.
	CodeRelay Code = "relay"
	// CodeCapacity indicates a connection or queue limit was reached.
	CodeCapacity Code = "capacity"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal captures uncategorized internal failures.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the fleetbus stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string
	Field     string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		Field:     "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithField names the payload field that failed validation.
func WithField(field string) Option {
	trimmed := strings.TrimSpace(field)
	return func(e *E) {
		e.Field = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata appends a single metadata key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, walking the wrap chain.
// Returns CodeInternal when err carries no envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		if envelope.Code != "" {
			return envelope.Code
		}
	}
	return CodeInternal
}

// HTTPStatus maps an error to its transport status code.
func HTTPStatus(err error) int {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil && envelope.HTTP > 0 {
		return envelope.HTTP
	}
	switch CodeOf(err) {
	case CodeValidation:
		return 400
	case CodeAuth:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeCapacity, CodeUnavailable:
		return 503
	default:
		return 500
	}
}

// Validation returns a standardized validation failure for a payload field.
func Validation(component, field, msg string) *E {
	return New(component, CodeValidation, WithField(field), WithMessage(msg))
}

// Capacity returns a standardized capacity-exceeded error.
func Capacity(component, msg string) *E {
	return New(component, CodeCapacity, WithMessage(strings.TrimSpace(msg)))
}
