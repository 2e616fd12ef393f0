package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID returns a prefixed random identifier such as "tsk_3f1c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// ID prefixes for each record type.
const (
	PrefixTask       = "tsk"
	PrefixSubmission = "sub"
	PrefixExecution  = "exe"
	PrefixAudit      = "aud"
	PrefixTimeline   = "tl"
)

// Task is a posted bounty together with its escrow record.
type Task struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Reward      decimal.Decimal `json:"reward"`
	Currency    string          `json:"currency"`
	Criteria    Criteria        `json:"criteria"`
	Deadline    *time.Time      `json:"deadline,omitempty"`

	Status        TaskStatus    `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Escrow        EscrowRecord  `json:"escrow"`

	// MaxSubmissions limits accepted submissions; 0 means unlimited.
	MaxSubmissions int `json:"max_submissions"`

	// NeedsManualResolution is set when a task has sat under review past the
	// grace period. Money never moves automatically while it is set.
	NeedsManualResolution bool       `json:"needs_manual_resolution"`
	UnderReviewSince      *time.Time `json:"under_review_since,omitempty"`

	// Version increases on every write and guards concurrent updates.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeadlinePassed reports whether the task has a deadline before now.
func (t *Task) DeadlinePassed(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// EscrowRecord holds the payment processor references for a task's reward.
type EscrowRecord struct {
	CheckoutSessionID  string          `json:"checkout_session_id,omitempty"`
	PaymentIntentID    string          `json:"payment_intent_id,omitempty"`
	AmountHeld         decimal.Decimal `json:"amount_held"`
	FeePercent         decimal.Decimal `json:"fee_percent"`
	PayoutAmount       decimal.Decimal `json:"payout_amount"`
	PayoutRef          string          `json:"payout_ref,omitempty"`
	RefundRef          string          `json:"refund_ref,omitempty"`
	WinnerSubmissionID string          `json:"winner_submission_id,omitempty"`
	FundedAt           *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt         *time.Time      `json:"released_at,omitempty"`
	RefundedAt         *time.Time      `json:"refunded_at,omitempty"`
}

// Criteria are the success criteria a submission's output is scored against.
type Criteria struct {
	// Description is the free-text statement of what a good result looks like.
	Description string      `json:"description" yaml:"description"`
	Metrics     []Criterion `json:"metrics" yaml:"metrics"`
}

// CriterionKind selects how a Criterion is checked.
type CriterionKind string

const (
	CriterionContains    CriterionKind = "contains"
	CriterionNotContains CriterionKind = "not_contains"
	CriterionRegex       CriterionKind = "regex"
	CriterionJSONField   CriterionKind = "json_field"
	CriterionMinLength   CriterionKind = "min_length"
	CriterionMaxLength   CriterionKind = "max_length"
	CriterionNumericMin  CriterionKind = "numeric_min"
	CriterionLLM         CriterionKind = "llm"
)

// Criterion is one structured check.
//
// Field use by kind:
//
//	contains, not_contains   Value is the substring
//	regex                    Value is the pattern
//	json_field               Path is the dot path; Value, when set, must equal the field
//	min_length, max_length   Threshold is the length in characters
//	numeric_min              Path is the dot path; Threshold is the minimum
//	llm                      Value is an optional extra instruction for the grader
type Criterion struct {
	Name      string        `json:"name" yaml:"name"`
	Kind      CriterionKind `json:"kind" yaml:"kind"`
	Value     string        `json:"value,omitempty" yaml:"value,omitempty"`
	Path      string        `json:"path,omitempty" yaml:"path,omitempty"`
	Threshold float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Weight    float64       `json:"weight" yaml:"weight"`
	Required  bool          `json:"required" yaml:"required"`
}

// WorkerKind selects the sandbox backend for a submission.
type WorkerKind string

const (
	WorkerProcess WorkerKind = "process"
	WorkerPrompt  WorkerKind = "prompt"
)

// WorkerSpec describes what a submission runs.
type WorkerSpec struct {
	Kind WorkerKind `json:"kind"`
	// Command is the argv for process workers. When Code is set it is written
	// to the scratch directory and its path is exported as BOUNTYD_CODE_FILE.
	Command []string `json:"command,omitempty"`
	Code    string   `json:"code,omitempty"`
	// Prompt is the instruction for prompt workers.
	Prompt string `json:"prompt,omitempty"`
	// Input is passed on stdin (process) or appended to the prompt (prompt).
	Input string `json:"input,omitempty"`
	// Scopes are the credential scopes requested from the vault.
	Scopes []string `json:"scopes,omitempty"`
}

// Submission is one worker's entry for a task.
type Submission struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"task_id"`
	WorkerID  string           `json:"worker_id"`
	Status    SubmissionStatus `json:"status"`
	Progress  int              `json:"progress"`
	Output    string           `json:"output,omitempty"`
	Worker    WorkerSpec       `json:"worker"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ResourceUsage is what one execution consumed.
type ResourceUsage struct {
	WallTime        time.Duration `json:"wall_time"`
	CPUTime         time.Duration `json:"cpu_time"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes"`
	Tokens          int           `json:"tokens"`
}

// Execution is one run of a submission's worker. A retry is a new Execution
// pointing at the one it replaces.
type Execution struct {
	ID                  string          `json:"id"`
	SubmissionID        string          `json:"submission_id"`
	TaskID              string          `json:"task_id"`
	WorkerID            string          `json:"worker_id"`
	Status              ExecutionStatus `json:"status"`
	Priority            int             `json:"priority"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	PreviousExecutionID string          `json:"previous_execution_id,omitempty"`
	Timeout             time.Duration   `json:"timeout"`
	MemoryLimitBytes    int64           `json:"memory_limit_bytes"`
	Usage               ResourceUsage   `json:"usage"`
	Outcome             string          `json:"outcome,omitempty"`
	Output              string          `json:"output,omitempty"`
	Logs                string          `json:"logs,omitempty"`
	Error               string          `json:"error,omitempty"`
	NextRetryAt         *time.Time      `json:"next_retry_at,omitempty"`
	QueuedAt            time.Time       `json:"queued_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// Attempt returns the 1-based attempt number.
func (e *Execution) Attempt() int {
	return e.RetryCount + 1
}

// CheckResult is the outcome of one criterion.
type CheckResult struct {
	Name     string        `json:"name"`
	Kind     CriterionKind `json:"kind"`
	Passed   bool          `json:"passed"`
	Score    float64       `json:"score"`
	Weight   float64       `json:"weight"`
	Required bool          `json:"required"`
	// Ambiguous marks a result that neither clearly passed nor failed, such
	// as an llm grade between the fail floor and the pass threshold.
	Ambiguous bool   `json:"ambiguous,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ReviewNote is an append-only reviewer comment.
type ReviewNote struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// VerificationAudit records how an execution's output was judged.
type VerificationAudit struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"execution_id"`
	SubmissionID   string         `json:"submission_id"`
	TaskID         string         `json:"task_id"`
	Status         AuditStatus    `json:"status"`
	Score          float64        `json:"score"`
	Checks         []CheckResult  `json:"checks"`
	ReviewerID     string         `json:"reviewer_id,omitempty"`
	Notes          []ReviewNote   `json:"notes"`
	ManualDecision ReviewDecision `json:"manual_decision,omitempty"`
	Finalized      bool           `json:"finalized"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// TimelineEntry is an immutable, human-readable record of a task event.
type TimelineEntry struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Kind        TimelineKind `json:"kind"`
	Status      string       `json:"status"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewTimelineEntry builds an entry with a fresh id. The store assigns CreatedAt.
func NewTimelineEntry(taskID string, kind TimelineKind, status, description string) TimelineEntry {
	return TimelineEntry{
		ID:          NewID(PrefixTimeline),
		TaskID:      taskID,
		Kind:        kind,
		Status:      status,
		Description: description,
	}
}
