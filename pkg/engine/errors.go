package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for scheduling and escalation.
type ErrorClass string

const (
	// ErrorClassInvalid indicates invalid usage of the controller API.
	// Examples: unknown guid, invalid attribute value, illegal state transition.
	// Invalid errors are reported to the caller and never fail the experiment.
	ErrorClassInvalid ErrorClass = "invalid"

	// ErrorClassUnready indicates a pre-condition is not met yet.
	// The controller reschedules the operation instead of failing.
	ErrorClassUnready ErrorClass = "unready"

	// ErrorClassDriver indicates a resource driver failed to perform an operation.
	ErrorClassDriver ErrorClass = "driver"

	// ErrorClassTransport indicates the link to a remote resource failed.
	ErrorClassTransport ErrorClass = "transport"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for escalation logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the guid of the resource that caused the error, if applicable.
	Resource Guid `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Resource != 0 && e.Operation != "":
		return fmt.Sprintf("[%s] %s (guid=%d, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	case e.Resource != 0:
		return fmt.Sprintf("[%s] %s (guid=%d)", e.Class, msg, e.Resource)
	case e.Operation != "":
		return fmt.Sprintf("[%s] %s (operation=%s)", e.Class, msg, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewInvalidError creates a new invalid-usage error.
func NewInvalidError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInvalid,
		Message: message,
		Err:     err,
	}
}

// NewDriverError creates a new driver error.
func NewDriverError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDriver,
		Message: message,
		Err:     err,
		Code:    ErrCodeDriverFailed,
	}
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransport,
		Message: message,
		Err:     err,
		Code:    ErrCodeTransportFailed,
	}
}

// NotReady returns an unready error. Drivers return it from Deploy when a
// dependency has not reached the required state yet.
func NotReady(format string, args ...interface{}) *EngineError {
	return &EngineError{
		Class:   ErrorClassUnready,
		Message: fmt.Sprintf(format, args...),
		Code:    ErrCodeNotReady,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(guid Guid) *EngineError {
	e.Resource = guid
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsInvalid returns true if the error is classified as invalid usage.
func IsInvalid(err error) bool {
	return classOf(err) == ErrorClassInvalid
}

// IsUnready returns true if the error signals an unmet pre-condition.
func IsUnready(err error) bool {
	return classOf(err) == ErrorClassUnready
}

// IsDriver returns true if the error is classified as a driver failure.
func IsDriver(err error) bool {
	return classOf(err) == ErrorClassDriver
}

// IsTransport returns true if the error is classified as a transport failure.
func IsTransport(err error) bool {
	return classOf(err) == ErrorClassTransport
}

// IsFatal returns true if the error must fail the whole experiment.
// Anything that is neither invalid usage nor unreadiness is fatal,
// including plain errors that carry no classification.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	c := classOf(err)
	return c != ErrorClassInvalid && c != ErrorClassUnready
}

// HasCode returns true if the error chain contains an EngineError with the code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeControllerStopped = "CONTROLLER_STOPPED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeDriverFailed      = "DRIVER_FAILED"
	ErrCodeTransportFailed   = "TRANSPORT_FAILED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
)

// errUnknownGuid builds the invalid-usage error for a guid that is not registered.
func errUnknownGuid(guid Guid) *EngineError {
	return NewInvalidError("unknown guid", nil).
		WithCode(ErrCodeNotFound).
		WithResource(guid)
}

// errStopped builds the error returned by API calls once the controller left RUNNING.
func errStopped(state ECState) *EngineError {
	return NewInvalidError(fmt.Sprintf("experiment controller is %s", state), nil).
		WithCode(ErrCodeControllerStopped)
}
