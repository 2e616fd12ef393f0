// Package errors provides centralized error definitions and error handling utilities
// for the settlement pipeline. It defines pipeline-specific error types, semantic
// error types, error constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// Pipeline errors represent invariant violations and infrastructure conditions:
//   - InvalidStateError: an operation required a state the entity is not in
//   - InvalidTransitionError: an illegal state machine transition was attempted
//   - NotFundedError: execution attempted against a task whose escrow is not funded
//   - ResourceExceededError: an execution ran past its timeout or memory ceiling
//   - TransientInfraError: network or provider hiccup, safe to retry
//   - VerificationUnavailableError: automated scoring could not run
//   - DuplicateEventError: an inbound payment event was already processed
//   - SignatureError: an inbound webhook failed signature verification
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input
//
// # Usage
//
//	err := errors.NewInvalidStateError("task", taskID, "release").
//		WithCurrent(string(task.PaymentStatus)).
//		WithRequired("funded")
//
//	if errors.IsRetryable(err) { ... }
//
//	var notFunded *errors.NotFundedError
//	if errors.As(err, &notFunded) { ... }
//
// # Error Classification
//
// Domain-invariant violations are never retryable. ResourceExceededError and
// TransientInfraError are retryable and drive the bounded retry policies.
// DuplicateEventError has SeverityInfo: callers treat it as a successful no-op.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lookup sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrSubmissionNotFound indicates that a submission could not be found.
	ErrSubmissionNotFound = New("submission not found")
	// ErrExecutionNotFound indicates that an execution could not be found.
	ErrExecutionNotFound = New("execution not found")
	// ErrAuditNotFound indicates that a verification audit could not be found.
	ErrAuditNotFound = New("verification audit not found")
)

// Concurrency and integrity sentinel errors
var (
	// ErrVersionConflict indicates an optimistic concurrency check failed because
	// another writer updated the row first.
	ErrVersionConflict = New("version conflict")
	// ErrAuditFinalized indicates a manual decision was already recorded.
	ErrAuditFinalized = New("verification audit is finalized")
	// ErrInvalidSignature indicates webhook signature verification failed.
	ErrInvalidSignature = New("invalid webhook signature")
	// ErrProviderUnavailable indicates the reasoning provider could not be reached.
	ErrProviderUnavailable = New("reasoning provider unavailable")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// PipelineError is the base interface for all pipeline errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type PipelineError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatWithContext renders "prefix [k=v, ...]: message: cause".
func formatWithContext(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if message == "" {
		if cause != nil {
			return fmt.Sprintf("%s: %v", prefix, cause)
		}
		return prefix
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Pipeline Errors
// -----------------------------------------------------------------------------

// InvalidStateError is returned when an operation requires the entity to be in a
// state it is not in, e.g. releasing escrow on a task that is not funded.
//
// Example:
//
//	err := errors.NewInvalidStateError("task", "t-1", "release").
//		WithCurrent("pending").WithRequired("funded")
//	fmt.Println(err) // "invalid state [task=t-1, op=release, current=pending, required=funded]"
type InvalidStateError struct {
	baseError
	Entity    string
	EntityID  string
	Operation string
	Current   string
	Required  []string
}

// NewInvalidStateError creates a new InvalidStateError.
func NewInvalidStateError(entity, entityID, operation string) *InvalidStateError {
	return &InvalidStateError{
		baseError: baseError{
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		Entity:    entity,
		EntityID:  entityID,
		Operation: operation,
	}
}

// WithCurrent records the state the entity was actually in.
func (e *InvalidStateError) WithCurrent(current string) *InvalidStateError {
	e.Current = current
	return e
}

// WithRequired records the state(s) the operation requires.
func (e *InvalidStateError) WithRequired(required ...string) *InvalidStateError {
	e.Required = append(e.Required, required...)
	return e
}

// WithMessage adds a human-readable explanation.
func (e *InvalidStateError) WithMessage(msg string) *InvalidStateError {
	e.message = msg
	return e
}

// WithCause adds a cause to the error.
func (e *InvalidStateError) WithCause(cause error) *InvalidStateError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *InvalidStateError) Error() string {
	var parts []string
	if e.EntityID != "" {
		parts = append(parts, fmt.Sprintf("%s=%s", e.Entity, e.EntityID))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Operation))
	}
	if e.Current != "" {
		parts = append(parts, fmt.Sprintf("current=%s", e.Current))
	}
	if len(e.Required) > 0 {
		parts = append(parts, fmt.Sprintf("required=%s", strings.Join(e.Required, "|")))
	}
	return formatWithContext("invalid state", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *InvalidStateError) Is(target error) bool {
	_, ok := target.(*InvalidStateError)
	return ok
}

// InvalidTransitionError is returned when a state machine is asked to move along an
// edge that does not exist. The attempted transition has no side effects.
type InvalidTransitionError struct {
	baseError
	Entity   string
	EntityID string
	From     string
	To       string
}

// NewInvalidTransitionError creates a new InvalidTransitionError.
func NewInvalidTransitionError(entity, entityID, from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{
		baseError: baseError{
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		Entity:   entity,
		EntityID: entityID,
		From:     from,
		To:       to,
	}
}

// Error returns the formatted error message.
func (e *InvalidTransitionError) Error() string {
	parts := []string{fmt.Sprintf("%s=%s", e.Entity, e.EntityID)}
	return formatWithContext("invalid transition", parts, fmt.Sprintf("%s -> %s", e.From, e.To), e.cause)
}

// Is checks if this error matches the target.
func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// NotFundedError is returned when execution is attempted on a task whose escrow has
// not been confirmed.
type NotFundedError struct {
	baseError
	TaskID        string
	PaymentStatus string
}

// NewNotFundedError creates a new NotFundedError.
func NewNotFundedError(taskID, paymentStatus string) *NotFundedError {
	return &NotFundedError{
		baseError: baseError{
			message:    "task escrow is not funded",
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		TaskID:        taskID,
		PaymentStatus: paymentStatus,
	}
}

// Error returns the formatted error message.
func (e *NotFundedError) Error() string {
	parts := []string{fmt.Sprintf("task=%s", e.TaskID)}
	if e.PaymentStatus != "" {
		parts = append(parts, fmt.Sprintf("payment=%s", e.PaymentStatus))
	}
	return formatWithContext("not funded", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *NotFundedError) Is(target error) bool {
	_, ok := target.(*NotFundedError)
	return ok
}

// ResourceExceededError is returned when an execution exceeds its timeout or memory
// ceiling. Executions failing this way are eligible for bounded retry.
type ResourceExceededError struct {
	baseError
	ExecutionID string
	Resource    string // "timeout" or "memory"
	Limit       string
}

// Resource names used by ResourceExceededError.
const (
	ResourceTimeout = "timeout"
	ResourceMemory  = "memory"
)

// NewResourceExceededError creates a new ResourceExceededError.
func NewResourceExceededError(resource, limit string) *ResourceExceededError {
	return &ResourceExceededError{
		baseError: baseError{
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Resource: resource,
		Limit:    limit,
	}
}

// WithExecutionID adds an execution ID to the error context.
func (e *ResourceExceededError) WithExecutionID(id string) *ResourceExceededError {
	e.ExecutionID = id
	return e
}

// Error returns the formatted error message.
func (e *ResourceExceededError) Error() string {
	var parts []string
	if e.ExecutionID != "" {
		parts = append(parts, fmt.Sprintf("execution=%s", e.ExecutionID))
	}
	parts = append(parts, fmt.Sprintf("%s=%s", e.Resource, e.Limit))
	return formatWithContext("resource exceeded", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ResourceExceededError) Is(target error) bool {
	if _, ok := target.(*ResourceExceededError); ok {
		return true
	}
	return e.Resource == ResourceTimeout && target == ErrTimeout
}

// TransientInfraError wraps a network, processor or provider failure that may
// succeed on retry.
type TransientInfraError struct {
	baseError
	Operation string
	Attempts  int
}

// NewTransientInfraError creates a new TransientInfraError.
func NewTransientInfraError(operation string, cause error) *TransientInfraError {
	return &TransientInfraError{
		baseError: baseError{
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: false,
		},
		Operation: operation,
	}
}

// WithAttempts records how many attempts were made before giving up.
func (e *TransientInfraError) WithAttempts(n int) *TransientInfraError {
	e.Attempts = n
	return e
}

// Error returns the formatted error message.
func (e *TransientInfraError) Error() string {
	parts := []string{fmt.Sprintf("op=%s", e.Operation)}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return formatWithContext("transient infrastructure error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *TransientInfraError) Is(target error) bool {
	_, ok := target.(*TransientInfraError)
	return ok
}

// VerificationUnavailableError is returned when automated scoring cannot run.
// The audit is moved to needs_review; it is never silently passed.
type VerificationUnavailableError struct {
	baseError
	AuditID string
}

// NewVerificationUnavailableError creates a new VerificationUnavailableError.
func NewVerificationUnavailableError(auditID string, cause error) *VerificationUnavailableError {
	return &VerificationUnavailableError{
		baseError: baseError{
			message:    "automated verification unavailable",
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		AuditID: auditID,
	}
}

// Error returns the formatted error message.
func (e *VerificationUnavailableError) Error() string {
	return formatWithContext("verification error", []string{fmt.Sprintf("audit=%s", e.AuditID)}, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *VerificationUnavailableError) Is(target error) bool {
	_, ok := target.(*VerificationUnavailableError)
	return ok
}

// DuplicateEventError signals the idempotency short-circuit for an inbound payment
// event. It is logged and treated as a no-op by callers.
type DuplicateEventError struct {
	baseError
	EventID string
	TaskID  string
}

// NewDuplicateEventError creates a new DuplicateEventError.
func NewDuplicateEventError(eventID, taskID string) *DuplicateEventError {
	return &DuplicateEventError{
		baseError: baseError{
			message:    "event already processed",
			severity:   SeverityInfo,
			retryable:  false,
			userFacing: false,
		},
		EventID: eventID,
		TaskID:  taskID,
	}
}

// Error returns the formatted error message.
func (e *DuplicateEventError) Error() string {
	parts := []string{fmt.Sprintf("event=%s", e.EventID)}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	return formatWithContext("duplicate event", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *DuplicateEventError) Is(target error) bool {
	_, ok := target.(*DuplicateEventError)
	return ok
}

// SignatureError is returned when an inbound webhook cannot be authenticated.
type SignatureError struct {
	baseError
	Reason string
}

// NewSignatureError creates a new SignatureError.
func NewSignatureError(reason string) *SignatureError {
	return &SignatureError{
		baseError: baseError{
			message:    reason,
			cause:      ErrInvalidSignature,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		Reason: reason,
	}
}

// Is checks if this error matches the target.
func (e *SignatureError) Is(target error) bool {
	if _, ok := target.(*SignatureError); ok {
		return true
	}
	return target == ErrInvalidSignature
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	fmt.Println(err) // "task 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// ValidationError represents invalid input.
//
// Example:
//
//	err := errors.NewValidationError("reward must be positive").WithField("reward")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrInvalidInput
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing PipelineError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout or ErrVersionConflict
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pipelineErr PipelineError
	if As(err, &pipelineErr) {
		return pipelineErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrVersionConflict)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var pipelineErr PipelineError
	if As(err, &pipelineErr) {
		return pipelineErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement PipelineError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var pipelineErr PipelineError
	if As(err, &pipelineErr) {
		return pipelineErr.Severity()
	}

	return SeverityError
}

// IsDomainViolation returns true if the error is an invariant violation that
// must be surfaced to the caller and never retried.
func IsDomainViolation(err error) bool {
	if err == nil {
		return false
	}

	var invalidState *InvalidStateError
	var invalidTransition *InvalidTransitionError
	var notFunded *NotFundedError
	var validation *ValidationError

	return As(err, &invalidState) || As(err, &invalidTransition) ||
		As(err, &notFunded) || As(err, &validation)
}

// IsDuplicate reports whether err is the idempotency short-circuit.
func IsDuplicate(err error) bool {
	var dup *DuplicateEventError
	return As(err, &dup)
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	if As(err, &nf) {
		return true
	}
	return Is(err, ErrTaskNotFound) || Is(err, ErrSubmissionNotFound) ||
		Is(err, ErrExecutionNotFound) || Is(err, ErrAuditNotFound)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// FormatDuration renders a limit for ResourceExceededError.
func FormatDuration(d time.Duration) string {
	return d.String()
}
