package model

import "slices"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen        TaskStatus = "open"
	TaskFunded      TaskStatus = "funded"
	TaskInProgress  TaskStatus = "in_progress"
	TaskUnderReview TaskStatus = "under_review"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal returns true if no further task transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// PaymentStatus is the escrow state of a task's reward.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentFunded   PaymentStatus = "funded"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// SubmissionStatus is the state of a worker's attempt at a task.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionInProgress SubmissionStatus = "in_progress"
	SubmissionSubmitted  SubmissionStatus = "submitted"
	SubmissionApproved   SubmissionStatus = "approved"
	SubmissionRejected   SubmissionStatus = "rejected"
)

// IsTerminal returns true once the submission has been decided.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionApproved || s == SubmissionRejected
}

// ExecutionStatus is the state of one run of a submission's worker.
type ExecutionStatus string

const (
	ExecutionQueued       ExecutionStatus = "queued"
	ExecutionInitializing ExecutionStatus = "initializing"
	ExecutionRunning      ExecutionStatus = "running"
	ExecutionCompleted    ExecutionStatus = "completed"
	ExecutionFailed       ExecutionStatus = "failed"
	ExecutionCancelled    ExecutionStatus = "cancelled"
	ExecutionTimeout      ExecutionStatus = "timeout"
)

// IsTerminal returns true if the execution has finished, for any reason.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// IsActive returns true while the execution holds, or waits for, a pool slot.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionInitializing || s == ExecutionRunning
}

// AuditStatus is the verdict state of a verification audit.
type AuditStatus string

const (
	AuditPending     AuditStatus = "pending"
	AuditInProgress  AuditStatus = "in_progress"
	AuditPassed      AuditStatus = "passed"
	AuditFailed      AuditStatus = "failed"
	AuditNeedsReview AuditStatus = "needs_review"
)

// IsVerdict returns true if the audit has reached passed, failed or needs_review.
func (s AuditStatus) IsVerdict() bool {
	return s == AuditPassed || s == AuditFailed || s == AuditNeedsReview
}

// ReviewDecision is a reviewer's manual ruling on an audit.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// Valid reports whether d is approve or reject.
func (d ReviewDecision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// TimelineKind groups timeline entries by the component that wrote them.
type TimelineKind string

const (
	TimelineTask         TimelineKind = "task"
	TimelinePayment      TimelineKind = "payment"
	TimelineExecution    TimelineKind = "execution"
	TimelineVerification TimelineKind = "verification"
)

// Submission progress percentages reported to workers and clients.
const (
	ProgressQueued    = 10
	ProgressRunning   = 50
	ProgressVerifying = 90
	ProgressDone      = 100
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskOpen:        {TaskFunded, TaskCancelled},
	TaskFunded:      {TaskInProgress, TaskCancelled},
	TaskInProgress:  {TaskUnderReview, TaskCancelled},
	TaskUnderReview: {TaskCompleted, TaskFailed, TaskCancelled, TaskInProgress},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentFunded},
	PaymentFunded:  {PaymentReleased, PaymentRefunded},
}

var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionPending:    {SubmissionInProgress, SubmissionRejected},
	SubmissionInProgress: {SubmissionSubmitted, SubmissionRejected},
	SubmissionSubmitted:  {SubmissionApproved, SubmissionRejected},
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionQueued:       {ExecutionInitializing, ExecutionCancelled},
	ExecutionInitializing: {ExecutionRunning, ExecutionFailed, ExecutionCancelled, ExecutionTimeout},
	ExecutionRunning:      {ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout},
}

var auditTransitions = map[AuditStatus][]AuditStatus{
	AuditPending:     {AuditInProgress, AuditPassed, AuditFailed},
	AuditInProgress:  {AuditPassed, AuditFailed, AuditNeedsReview},
	AuditNeedsReview: {AuditPassed, AuditFailed},
	AuditPassed:      {AuditFailed},
	AuditFailed:      {AuditPassed},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	return slices.Contains(taskTransitions[s], next)
}

// CanTransition reports whether a payment may move from s to next.
// Payment transitions only move forward; refunded is reachable only from funded.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	return slices.Contains(paymentTransitions[s], next)
}

// CanTransition reports whether a submission may move from s to next.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	return slices.Contains(submissionTransitions[s], next)
}

// CanTransition reports whether an execution may move from s to next.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	return slices.Contains(executionTransitions[s], next)
}

// CanTransition reports whether an audit may move from s to next. Passed and
// failed audits can only be flipped by a manual review, which the verifier
// enforces; finalized audits are frozen regardless of this table.
func (s AuditStatus) CanTransition(next AuditStatus) bool {
	return slices.Contains(auditTransitions[s], next)
}
