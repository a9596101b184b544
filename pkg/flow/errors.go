package flow

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for routing and retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary external failure that may succeed on retry.
	// Examples: network timeouts, provider throttling, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassNotFoundYet indicates a lookup against an eventually-consistent catalog
	// that did not see a just-created resource yet.
	ErrorClassNotFoundYet ErrorClass = "not_found_yet"

	// ErrorClassPermanent indicates a non-recoverable external error.
	// Flows route it to their failure state.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassProgramming indicates a defect in a flow definition, such as an
	// unknown transition or an unbound action.
	ErrorClassProgramming ErrorClass = "programming"

	// ErrorClassCancelled indicates a user-initiated abort.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Error represents a classified flow error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID the flow operates on, if applicable.
	Resource string `json:"resource,omitempty"`

	// State is the flow state active when the error occurred.
	State StateID `json:"state,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.State != "" {
		msg = fmt.Sprintf("%s (resource=%s, state=%s)", msg, e.Resource, e.State)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.State != "" {
		msg = fmt.Sprintf("%s (state=%s)", msg, e.State)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two flow errors match when class and code are equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient external error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewNotFoundYetError creates an error for a resource that is not visible yet.
func NewNotFoundYetError(message string, err error) *Error {
	return &Error{Class: ErrorClassNotFoundYet, Message: message, Err: err, Code: ErrCodeNotFound}
}

// NewPermanentError creates a new permanent external error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewProgrammingError creates an error for a definition defect.
func NewProgrammingError(message string, err error) *Error {
	return &Error{Class: ErrorClassProgramming, Message: message, Err: err}
}

// NewCancelledError creates an error for a user-initiated abort.
func NewCancelledError(message string, err error) *Error {
	return &Error{Class: ErrorClassCancelled, Message: message, Err: err, Code: ErrCodeAborted}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithState adds state context to an error.
func (e *Error) WithState(state StateID) *Error {
	e.State = state
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first flow error in the chain.
func ClassOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func hasClass(err error, class ErrorClass) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsNotFoundYet returns true if the error is classified as not found yet.
func IsNotFoundYet(err error) bool {
	return hasClass(err, ErrorClassNotFoundYet)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// IsProgramming returns true if the error is a definition defect.
func IsProgramming(err error) bool {
	return hasClass(err, ErrorClassProgramming)
}

// IsCancelled returns true if the error is a user-initiated abort.
func IsCancelled(err error) bool {
	return hasClass(err, ErrorClassCancelled)
}

// Common error codes.
const (
	ErrCodeUnknownTransition = "UNKNOWN_TRANSITION"
	ErrCodeUnboundAction     = "UNBOUND_ACTION"
	ErrCodeUnknownState      = "UNKNOWN_STATE"
	ErrCodeInvalidDefinition = "INVALID_DEFINITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAborted           = "ABORTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinel errors usable with errors.Is.
var (
	ErrUnknownTransition = &Error{Class: ErrorClassProgramming, Code: ErrCodeUnknownTransition}
	ErrUnboundAction     = &Error{Class: ErrorClassProgramming, Code: ErrCodeUnboundAction}
	ErrUnknownState      = &Error{Class: ErrorClassProgramming, Code: ErrCodeUnknownState}
	ErrInvalidDefinition = &Error{Class: ErrorClassProgramming, Code: ErrCodeInvalidDefinition}
	ErrAborted           = &Error{Class: ErrorClassCancelled, Code: ErrCodeAborted}
)
