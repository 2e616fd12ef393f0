package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "execution.completed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Execution event types.
const (
	ExecutionQueued         = "execution.queued"
	ExecutionStarted        = "execution.started"
	ExecutionCompleted      = "execution.completed"
	ExecutionFailed         = "execution.failed"
	ExecutionTimeout        = "execution.timeout"
	ExecutionCancelled      = "execution.cancelled"
	ExecutionRetryScheduled = "execution.retry_scheduled"
	// ExecutionRejected is published after a logical failure or the last
	// allowed transient failure; the submission will not be run again.
	ExecutionRejected = "execution.rejected"
)

// Verification event types.
const (
	VerificationCompleted = "verification.completed"
	VerificationReviewed  = "verification.reviewed"
)

// Status event types.
const (
	TaskStatusChanged    = "task.status_changed"
	PaymentStatusChanged = "payment.status_changed"
	TimelineAppended     = "timeline.appended"
)

// -----------------------------------------------------------------------------
// Execution Events
// -----------------------------------------------------------------------------

// ExecutionEvent reports a change in an execution's lifecycle.
type ExecutionEvent struct {
	baseEvent
	ExecutionID  string
	SubmissionID string
	TaskID       string
	Attempt      int
	Outcome      string    // Sandbox outcome, empty until the run finishes
	Err          string    // Error text for failed, timed-out and rejected runs
	NextRetryAt  time.Time // Set on execution.retry_scheduled
	NextExecID   string    // Execution row created for the retry
}

// NewExecutionEvent creates an ExecutionEvent of the given type.
func NewExecutionEvent(eventType, executionID, submissionID, taskID string, attempt int) ExecutionEvent {
	return ExecutionEvent{
		baseEvent:    newBaseEvent(eventType),
		ExecutionID:  executionID,
		SubmissionID: submissionID,
		TaskID:       taskID,
		Attempt:      attempt,
	}
}

// WithOutcome returns a copy with the outcome and error text set.
func (e ExecutionEvent) WithOutcome(outcome string, err error) ExecutionEvent {
	e.Outcome = outcome
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// -----------------------------------------------------------------------------
// Verification Events
// -----------------------------------------------------------------------------

// VerificationEvent is emitted when an audit reaches a verdict, automatically
// or through manual review.
type VerificationEvent struct {
	baseEvent
	AuditID      string
	ExecutionID  string
	SubmissionID string
	TaskID       string
	Status       string  // passed, failed or needs_review
	Score        float64 // Automated score 0-100
	ReviewerID   string  // Set for verification.reviewed
}

// NewVerificationCompletedEvent creates a verification.completed event.
func NewVerificationCompletedEvent(auditID, executionID, submissionID, taskID, status string, score float64) VerificationEvent {
	return VerificationEvent{
		baseEvent:    newBaseEvent(VerificationCompleted),
		AuditID:      auditID,
		ExecutionID:  executionID,
		SubmissionID: submissionID,
		TaskID:       taskID,
		Status:       status,
		Score:        score,
	}
}

// NewVerificationReviewedEvent creates a verification.reviewed event.
func NewVerificationReviewedEvent(auditID, executionID, submissionID, taskID, status, reviewerID string, score float64) VerificationEvent {
	return VerificationEvent{
		baseEvent:    newBaseEvent(VerificationReviewed),
		AuditID:      auditID,
		ExecutionID:  executionID,
		SubmissionID: submissionID,
		TaskID:       taskID,
		Status:       status,
		Score:        score,
		ReviewerID:   reviewerID,
	}
}

// -----------------------------------------------------------------------------
// Status Events
// -----------------------------------------------------------------------------

// StatusChangedEvent reports a task or payment status transition.
type StatusChangedEvent struct {
	baseEvent
	TaskID string
	From   string
	To     string
	Reason string
}

// NewTaskStatusChangedEvent creates a task.status_changed event.
func NewTaskStatusChangedEvent(taskID, from, to, reason string) StatusChangedEvent {
	return StatusChangedEvent{
		baseEvent: newBaseEvent(TaskStatusChanged),
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// NewPaymentStatusChangedEvent creates a payment.status_changed event.
func NewPaymentStatusChangedEvent(taskID, from, to, reason string) StatusChangedEvent {
	return StatusChangedEvent{
		baseEvent: newBaseEvent(PaymentStatusChanged),
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// TimelineEvent mirrors a timeline entry appended to the store.
type TimelineEvent struct {
	baseEvent
	TaskID      string
	EntryID     string
	Kind        string
	Status      string
	Description string
}

// NewTimelineEvent creates a timeline.appended event.
func NewTimelineEvent(taskID, entryID, kind, status, description string) TimelineEvent {
	return TimelineEvent{
		baseEvent:   newBaseEvent(TimelineAppended),
		TaskID:      taskID,
		EntryID:     entryID,
		Kind:        kind,
		Status:      status,
		Description: description,
	}
}
