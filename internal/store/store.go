// Package store persists tasks, submissions, executions, verification audits,
// the task timeline and processed payment events.
//
// Two implementations are provided: [Memory] for tests and single-process
// use, and [SQL] for sqlite3 and postgres (through pgx's database/sql
// driver). Both honour the same contract:
//
//   - Task writes are versioned. [TaskUpdate] carries the version the caller
//     read; a concurrent writer makes the update fail with
//     errors.ErrVersionConflict and nothing is written.
//   - Timeline entries passed with a write are committed in the same
//     transaction as the write.
//   - A TaskUpdate carrying an EventID records it in processed_events. An id
//     seen before fails the whole update with a DuplicateEventError.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/model"
)

// Store is the persistence contract used by the pipeline.
type Store interface {
	CreateTask(ctx context.Context, task *model.Task, timeline ...model.TimelineEntry) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error)
	UpdateTask(ctx context.Context, u TaskUpdate) error
	DeleteTask(ctx context.Context, id string) error

	CreateSubmission(ctx context.Context, sub *model.Submission, timeline ...model.TimelineEntry) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, taskID string) ([]*model.Submission, error)
	UpdateSubmission(ctx context.Context, sub *model.Submission, timeline ...model.TimelineEntry) error

	CreateExecution(ctx context.Context, exec *model.Execution, timeline ...model.TimelineEntry) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, error)
	UpdateExecution(ctx context.Context, u ExecutionUpdate) error

	CreateAudit(ctx context.Context, audit *model.VerificationAudit, timeline ...model.TimelineEntry) error
	GetAudit(ctx context.Context, id string) (*model.VerificationAudit, error)
	ListAudits(ctx context.Context, taskID string) ([]*model.VerificationAudit, error)
	UpdateAudit(ctx context.Context, audit *model.VerificationAudit, timeline ...model.TimelineEntry) error

	AppendTimeline(ctx context.Context, entries ...model.TimelineEntry) error
	ListTimeline(ctx context.Context, taskID string) ([]model.TimelineEntry, error)
	EventProcessed(ctx context.Context, eventID string) (bool, error)

	Close() error
}

// TaskUpdate is an optimistic write of a whole task.
type TaskUpdate struct {
	// Task is the new state. Task.Version must be the version that was read;
	// on success it is incremented in place.
	Task     *model.Task
	Timeline []model.TimelineEntry
	// EventID, when set, is recorded as processed in the same transaction.
	EventID string
}

// ExecutionUpdate writes an execution, optionally guarded on its current status.
type ExecutionUpdate struct {
	Execution *model.Execution
	// ExpectStatus, when set, makes the write fail with an
	// InvalidTransitionError unless the stored status still equals it.
	ExpectStatus model.ExecutionStatus
	Timeline     []model.TimelineEntry
}

// ExecutionFilter selects executions. Empty fields match everything.
type ExecutionFilter struct {
	TaskID       string
	SubmissionID string
	Statuses     []model.ExecutionStatus
}

// Option configures a store.
type Option func(*options)

type options struct {
	now         func() time.Time
	busyRetries int
}

func defaultOptions() options {
	return options{now: time.Now, busyRetries: 5}
}

// WithClock overrides the clock used for server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBusyRetries sets how often a locked sqlite database is retried.
func WithBusyRetries(n int) Option {
	return func(o *options) { o.busyRetries = n }
}

// Open returns the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (Store, error) {
	opts = append(opts, WithBusyRetries(cfg.BusyRetries))
	switch cfg.Driver {
	case "memory":
		return NewMemory(opts...), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, cfg.Driver, cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func matchesExecution(e *model.Execution, f ExecutionFilter) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.SubmissionID != "" && e.SubmissionID != f.SubmissionID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}
