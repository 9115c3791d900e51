package entity

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling and retry logic.
type Kind string

const (
	// KindInvalid indicates a configuration error. Fail fast, never retry.
	// Examples: malformed definition, unregistered entity type or action.
	KindInvalid Kind = "invalid"

	// KindUnauthorized indicates missing or rejected credentials.
	KindUnauthorized Kind = "unauthorized"

	// KindNotFound indicates the referenced resource does not exist.
	// On delete this means the work is already done.
	KindNotFound Kind = "not_found"

	// KindConflict indicates the resource already exists or was modified
	// concurrently. Create reroutes conflicts through adoption.
	KindConflict Kind = "conflict"

	// KindTransient indicates a temporary failure that may succeed on
	// retry. Examples: network timeouts, 5xx responses.
	KindTransient Kind = "transient"

	// KindThrottled indicates rate limiting or quota exhaustion.
	KindThrottled Kind = "throttled"

	// KindTimeout indicates a bounded wait exhausted its attempt budget
	// without the awaited state being reached.
	KindTimeout Kind = "timeout"

	// KindTerminal indicates the provider reported an unambiguous
	// failure. Surface immediately, never retry.
	KindTerminal Kind = "terminal"
)

// Error is a classified engine error with context.
type Error struct {
	// Kind is the error classification for handling logic.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the namespace/name of the instance involved, if any.
	Entity string `json:"entity,omitempty"`

	// Op is the verb or hook being executed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if e.Entity != "" && e.Op != "" {
		return fmt.Sprintf("[%s] %s (entity=%s, op=%s)", e.Kind, msg, e.Entity, e.Op)
	}
	if e.Entity != "" {
		return fmt.Sprintf("[%s] %s (entity=%s)", e.Kind, msg, e.Entity)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewInvalid creates a configuration error.
func NewInvalid(message string, err error) *Error {
	return &Error{Kind: KindInvalid, Message: message, Err: err}
}

// NewUnauthorized creates an authorization error.
func NewUnauthorized(message string, err error) *Error {
	return &Error{Kind: KindUnauthorized, Message: message, Err: err}
}

// NewNotFound creates a not-found error.
func NewNotFound(message string, err error) *Error {
	return &Error{Kind: KindNotFound, Message: message, Err: err}
}

// NewConflict creates a conflict error.
func NewConflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// NewTransient creates a transient error.
func NewTransient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// NewThrottled creates a throttled error.
func NewThrottled(message string, err error) *Error {
	return &Error{Kind: KindThrottled, Message: message, Err: err}
}

// NewTimeout creates a budget-exhaustion error.
func NewTimeout(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// NewTerminal creates a terminal provider-failure error.
func NewTerminal(message string, err error) *Error {
	return &Error{Kind: KindTerminal, Message: message, Err: err}
}

// WithEntity adds instance context to an error.
func (e *Error) WithEntity(ref string) *Error {
	e.Entity = ref
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// kindOf returns the classification of err, or an empty Kind when err
// carries no classification.
func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsInvalid returns true if the error is a configuration error.
func IsInvalid(err error) bool { return kindOf(err) == KindInvalid }

// IsUnauthorized returns true if the error is an authorization error.
func IsUnauthorized(err error) bool { return kindOf(err) == KindUnauthorized }

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return kindOf(err) == KindConflict }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return kindOf(err) == KindTransient }

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool { return kindOf(err) == KindThrottled }

// IsTimeout returns true if the error is a budget-exhaustion timeout.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// IsTerminal returns true if the error is a terminal provider failure.
func IsTerminal(err error) bool { return kindOf(err) == KindTerminal }

// IsRetryable returns true if the error may succeed on retry.
// Transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// CodeOf returns the error code of a classified error, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeUnknownAction  = "UNKNOWN_ACTION"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeNotFound       = "NOT_FOUND"
	CodeTimeout        = "TIMEOUT"
	CodeRateLimited    = "RATE_LIMITED"
	CodeProviderFailed = "PROVIDER_FAILED"
	CodePolicyDenied   = "POLICY_DENIED"
)

// NewUnknownType creates the error returned for verbs against an
// unregistered entity type.
func NewUnknownType(typeName string) *Error {
	return &Error{
		Kind:    KindInvalid,
		Message: fmt.Sprintf("entity type %q is not registered", typeName),
		Code:    CodeUnknownType,
	}
}

// NewUnknownAction creates the error returned when an action name is not
// in the type's action registry.
func NewUnknownAction(typeName, action string) *Error {
	return &Error{
		Kind:    KindInvalid,
		Message: fmt.Sprintf("action %q is not registered for entity type %q", action, typeName),
		Code:    CodeUnknownAction,
	}
}

// IsUnknownAction returns true for action-not-registered errors.
func IsUnknownAction(err error) bool {
	return IsInvalid(err) && CodeOf(err) == CodeUnknownAction
}

// IsUnknownType returns true for type-not-registered errors.
func IsUnknownType(err error) bool {
	return IsInvalid(err) && CodeOf(err) == CodeUnknownType
}
