package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/model"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQL is a Store backed by database/sql. Queries are written with "?"
// placeholders and rebound to "$n" for postgres.
type SQL struct {
	db     *sql.DB
	driver string
	opts   options
}

// OpenSQL opens (and migrates) a sqlite3 file or a postgres database.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...Option) (*SQL, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn)
		}
	case DriverPostgres:
		o.busyRetries = 0
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQL{db: db, driver: driver, opts: o}
	if err := s.configure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) configure(ctx context.Context) error {
	if s.driver != DriverSQLite {
		return s.db.PingContext(ctx)
	}
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQL) initSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range dialectSchema(s.driver) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind rewrites "?" placeholders to "$1..$n" for postgres.
func (s *SQL) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQL) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, s.opts.busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %T: %w", v, err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQL) insertTimelineTx(ctx context.Context, tx *sql.Tx, entries []model.TimelineEntry) error {
	now := nanos(s.opts.now())
	for _, e := range entries {
		if e.ID == "" {
			e.ID = model.NewID(model.PrefixTimeline)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO timeline (id, task_id, kind, status, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			e.ID, e.TaskID, string(e.Kind), e.Status, e.Description, now); err != nil {
			return fmt.Errorf("insert timeline: %w", err)
		}
	}
	return nil
}

func (s *SQL) existsTx(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, s.rebind("SELECT 1 FROM "+table+" WHERE id = ?"), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", table, err)
	}
	return true, nil
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

const taskColumns = `id, title, description, reward, currency, criteria, deadline, status,
	payment_status, escrow, max_submissions, needs_manual_resolution, under_review_since,
	version, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*model.Task, error) {
	var (
		t                 model.Task
		reward            string
		criteria, escrow  string
		deadline, review  sql.NullInt64
		manual            int
		created, updated  int64
		status, payStatus string
	)
	if err := scan(&t.ID, &t.Title, &t.Description, &reward, &t.Currency, &criteria, &deadline, &status,
		&payStatus, &escrow, &t.MaxSubmissions, &manual, &review, &t.Version, &created, &updated); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(reward)
	if err != nil {
		return nil, fmt.Errorf("decode reward of task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(criteria), &t.Criteria); err != nil {
		return nil, fmt.Errorf("decode criteria of task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(escrow), &t.Escrow); err != nil {
		return nil, fmt.Errorf("decode escrow of task %s: %w", t.ID, err)
	}
	t.Reward = amount
	t.Status = model.TaskStatus(status)
	t.PaymentStatus = model.PaymentStatus(payStatus)
	t.Deadline = fromNullNanos(deadline)
	t.UnderReviewSince = fromNullNanos(review)
	t.NeedsManualResolution = manual != 0
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return &t, nil
}

// CreateTask inserts a new task at version 1.
func (s *SQL) CreateTask(ctx context.Context, task *model.Task, timeline ...model.TimelineEntry) error {
	criteria, err := toJSON(task.Criteria)
	if err != nil {
		return err
	}
	escrow, err := toJSON(task.Escrow)
	if err != nil {
		return err
	}
	now := s.opts.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			task.ID, task.Title, task.Description, task.Reward.String(), task.Currency, criteria,
			nullNanos(task.Deadline), string(task.Status), string(task.PaymentStatus), escrow,
			task.MaxSubmissions, boolToInt(task.NeedsManualResolution), nullNanos(task.UnderReviewSince),
			1, nanos(now), nanos(now)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return s.insertTimelineTx(ctx, tx, timeline)
	})
	if err != nil {
		return err
	}
	task.Version = 1
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

// GetTask returns the task or a NotFoundError.
func (s *SQL) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks in creation order, optionally filtered by status.
func (s *SQL) ListTasks(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask applies a versioned task write together with its timeline
// entries and processed event id.
func (s *SQL) UpdateTask(ctx context.Context, u TaskUpdate) error {
	t := u.Task
	criteria, err := toJSON(t.Criteria)
	if err != nil {
		return err
	}
	escrow, err := toJSON(t.Escrow)
	if err != nil {
		return err
	}
	now := s.opts.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if u.EventID != "" {
			var one int
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM processed_events WHERE event_id = ?`), u.EventID).Scan(&one)
			if err == nil {
				return errors.NewDuplicateEventError(u.EventID, t.ID)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup processed event: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks
			SET title = ?, description = ?, reward = ?, currency = ?, criteria = ?, deadline = ?,
				status = ?, payment_status = ?, escrow = ?, max_submissions = ?,
				needs_manual_resolution = ?, under_review_since = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`),
			t.Title, t.Description, t.Reward.String(), t.Currency, criteria, nullNanos(t.Deadline),
			string(t.Status), string(t.PaymentStatus), escrow, t.MaxSubmissions,
			boolToInt(t.NeedsManualResolution), nullNanos(t.UnderReviewSince),
			nanos(now), t.ID, t.Version)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task rows affected: %w", err)
		}
		if affected != 1 {
			var current int64
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT version FROM tasks WHERE id = ?`), t.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return errors.NewNotFoundError("task", t.ID).WithCause(errors.ErrTaskNotFound)
			}
			if err != nil {
				return fmt.Errorf("select task version: %w", err)
			}
			return errors.Wrapf(errors.ErrVersionConflict, "task %s at version %d, write expected %d", t.ID, current, t.Version)
		}

		if u.EventID != "" {
			res, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO processed_events (event_id, task_id, created_at)
				VALUES (?, ?, ?)
				ON CONFLICT (event_id) DO NOTHING`),
				u.EventID, t.ID, nanos(now))
			if err != nil {
				return fmt.Errorf("record processed event: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("processed event rows affected: %w", err)
			} else if n == 0 {
				return errors.NewDuplicateEventError(u.EventID, t.ID)
			}
		}

		return s.insertTimelineTx(ctx, tx, u.Timeline)
	})
	if err != nil {
		return err
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

// DeleteTask removes a task; submissions, executions, audits, timeline and
// processed events cascade.
func (s *SQL) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Submissions
// -----------------------------------------------------------------------------

const submissionColumns = `id, task_id, worker_id, status, progress, output, worker, created_at, updated_at`

func scanSubmission(scan func(dest ...any) error) (*model.Submission, error) {
	var (
		sub              model.Submission
		status, worker   string
		created, updated int64
	)
	if err := scan(&sub.ID, &sub.TaskID, &sub.WorkerID, &status, &sub.Progress, &sub.Output, &worker, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(worker), &sub.Worker); err != nil {
		return nil, fmt.Errorf("decode worker of submission %s: %w", sub.ID, err)
	}
	sub.Status = model.SubmissionStatus(status)
	sub.CreatedAt = fromNanos(created)
	sub.UpdatedAt = fromNanos(updated)
	return &sub, nil
}

// CreateSubmission inserts a submission for an existing task.
func (s *SQL) CreateSubmission(ctx context.Context, sub *model.Submission, timeline ...model.TimelineEntry) error {
	worker, err := toJSON(sub.Worker)
	if err != nil {
		return err
	}
	now := s.opts.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.existsTx(ctx, tx, "tasks", sub.TaskID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFoundError("task", sub.TaskID).WithCause(errors.ErrTaskNotFound)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO submissions (`+submissionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			sub.ID, sub.TaskID, sub.WorkerID, string(sub.Status), sub.Progress, sub.Output, worker,
			nanos(now), nanos(now)); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		return s.insertTimelineTx(ctx, tx, timeline)
	})
	if err != nil {
		return err
	}
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetSubmission returns the submission or a NotFoundError.
func (s *SQL) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`), id)
	sub, err := scanSubmission(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("submission", id).WithCause(errors.ErrSubmissionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns a task's submissions in creation order.
func (s *SQL) ListSubmissions(ctx context.Context, taskID string) ([]*model.Submission, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+submissionColumns+` FROM submissions WHERE task_id = ? ORDER BY seq`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateSubmission overwrites a submission.
func (s *SQL) UpdateSubmission(ctx context.Context, sub *model.Submission, timeline ...model.TimelineEntry) error {
	worker, err := toJSON(sub.Worker)
	if err != nil {
		return err
	}
	now := s.opts.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE submissions
			SET worker_id = ?, status = ?, progress = ?, output = ?, worker = ?, updated_at = ?
			WHERE id = ?`),
			sub.WorkerID, string(sub.Status), sub.Progress, sub.Output, worker, nanos(now), sub.ID)
		if err != nil {
			return fmt.Errorf("update submission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewNotFoundError("submission", sub.ID).WithCause(errors.ErrSubmissionNotFound)
		}
		return s.insertTimelineTx(ctx, tx, timeline)
	})
	if err != nil {
		return err
	}
	sub.UpdatedAt = now
	return nil
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

const executionColumns = `id, submission_id, task_id, worker_id, status, priority, retry_count, max_retries,
	previous_execution_id, timeout_ns, memory_limit_bytes, usage, outcome, output, logs, error,
	next_retry_at, queued_at, started_at, completed_at`

func scanExecution(scan func(dest ...any) error) (*model.Execution, error) {
	var (
		e                            model.Execution
		status, usage                string
		timeout, queued              int64
		nextRetry, started, complete sql.NullInt64
	)
	if err := scan(&e.ID, &e.SubmissionID, &e.TaskID, &e.WorkerID, &status, &e.Priority, &e.RetryCount,
		&e.MaxRetries, &e.PreviousExecutionID, &timeout, &e.MemoryLimitBytes, &usage, &e.Outcome,
		&e.Output, &e.Logs, &e.Error, &nextRetry, &queued, &started, &complete); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(usage), &e.Usage); err != nil {
		return nil, fmt.Errorf("decode usage of execution %s: %w", e.ID, err)
	}
	e.Status = model.ExecutionStatus(status)
	e.Timeout = time.Duration(timeout)
	e.NextRetryAt = fromNullNanos(nextRetry)
	e.QueuedAt = fromNanos(queued)
	e.StartedAt = fromNullNanos(started)
	e.CompletedAt = fromNullNanos(complete)
	return &e, nil
}

func executionArgs(e *model.Execution, usage string) []any {
	return []any{
		e.SubmissionID, e.TaskID, e.WorkerID, string(e.Status), e.Priority, e.RetryCount, e.MaxRetries,
		e.PreviousExecutionID, int64(e.Timeout), e.MemoryLimitBytes, usage, e.Outcome, e.Output, e.Logs,
		e.Error, nullNanos(e.NextRetryAt), nanos(e.QueuedAt), nullNanos(e.StartedAt), nullNanos(e.CompletedAt),
	}
}

// CreateExecution inserts an execution for an existing submission.
func (s *SQL) CreateExecution(ctx context.Context, exec *model.Execution, timeline ...model.TimelineEntry) error {
	if exec.QueuedAt.IsZero() {
		exec.QueuedAt = s.opts.now()
	}
	usage, err := toJSON(exec.Usage)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.existsTx(ctx, tx, "submissions", exec.SubmissionID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFoundError("submission", exec.SubmissionID).WithCause(errors.ErrSubmissionNotFound)
		}
		args := append([]any{exec.ID}, executionArgs(exec, usage)...)
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO executions (`+executionColumns+`)
			VALUES (`+placeholders(20)+`)`), args...); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return s.insertTimelineTx(ctx, tx, timeline)
	})
}

// GetExecution returns the execution or a NotFoundError.
func (s *SQL) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution", id).WithCause(errors.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns matching executions in creation order.
func (s *SQL) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.SubmissionID != "" {
		where = append(where, "submission_id = ?")
		args = append(args, f.SubmissionID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	q := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateExecution overwrites an execution, guarded on ExpectStatus when set.
func (s *SQL) UpdateExecution(ctx context.Context, u ExecutionUpdate) error {
	e := u.Execution
	usage, err := toJSON(e.Usage)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := `UPDATE executions
			SET submission_id = ?, task_id = ?, worker_id = ?, status = ?, priority = ?, retry_count = ?,
				max_retries = ?, previous_execution_id = ?, timeout_ns = ?, memory_limit_bytes = ?,
				usage = ?, outcome = ?, output = ?, logs = ?, error = ?, next_retry_at = ?,
				queued_at = ?, started_at = ?, completed_at = ?
			WHERE id = ?`
		args := append(executionArgs(e, usage), e.ID)
		if u.ExpectStatus != "" {
			q += ` AND status = ?`
			args = append(args, string(u.ExpectStatus))
		}
		res, err := tx.ExecContext(ctx, s.rebind(q), args...)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM executions WHERE id = ?`), e.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return errors.NewNotFoundError("execution", e.ID).WithCause(errors.ErrExecutionNotFound)
			}
			if err != nil {
				return fmt.Errorf("select execution status: %w", err)
			}
			return errors.NewInvalidTransitionError("execution", e.ID, current, string(e.Status))
		}
		return s.insertTimelineTx(ctx, tx, u.Timeline)
	})
}

// -----------------------------------------------------------------------------
// Audits
// -----------------------------------------------------------------------------

const auditColumns = `id, execution_id, submission_id, task_id, status, score, checks, reviewer_id, notes,
	manual_decision, finalized, error, created_at, updated_at, completed_at`

func scanAudit(scan func(dest ...any) error) (*model.VerificationAudit, error) {
	var (
		a                     model.VerificationAudit
		status, checks, notes string
		decision              string
		finalized             int
		created, updated      int64
		completed             sql.NullInt64
	)
	if err := scan(&a.ID, &a.ExecutionID, &a.SubmissionID, &a.TaskID, &status, &a.Score, &checks,
		&a.ReviewerID, &notes, &decision, &finalized, &a.Error, &created, &updated, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(checks), &a.Checks); err != nil {
		return nil, fmt.Errorf("decode checks of audit %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(notes), &a.Notes); err != nil {
		return nil, fmt.Errorf("decode notes of audit %s: %w", a.ID, err)
	}
	a.Status = model.AuditStatus(status)
	a.ManualDecision = model.ReviewDecision(decision)
	a.Finalized = finalized != 0
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	a.CompletedAt = fromNullNanos(completed)
	return &a, nil
}

func auditJSON(a *model.VerificationAudit) (checks, notes string, err error) {
	cs, ns := a.Checks, a.Notes
	if cs == nil {
		cs = []model.CheckResult{}
	}
	if ns == nil {
		ns = []model.ReviewNote{}
	}
	if checks, err = toJSON(cs); err != nil {
		return "", "", err
	}
	notes, err = toJSON(ns)
	return checks, notes, err
}

// CreateAudit inserts an audit for an existing execution.
func (s *SQL) CreateAudit(ctx context.Context, audit *model.VerificationAudit, timeline ...model.TimelineEntry) error {
	checks, notes, err := auditJSON(audit)
	if err != nil {
		return err
	}
	now := s.opts.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.existsTx(ctx, tx, "executions", audit.ExecutionID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewNotFoundError("execution", audit.ExecutionID).WithCause(errors.ErrExecutionNotFound)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO audits (`+auditColumns+`)
			VALUES (`+placeholders(15)+`)`),
			audit.ID, audit.ExecutionID, audit.SubmissionID, audit.TaskID, string(audit.Status), audit.Score,
			checks, audit.ReviewerID, notes, string(audit.ManualDecision), boolToInt(audit.Finalized),
			audit.Error, nanos(now), nanos(now), nullNanos(audit.CompletedAt)); err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return s.insertTimelineTx(ctx, tx, timeline)
	})
	if err != nil {
		return err
	}
	audit.CreatedAt = now
	audit.UpdatedAt = now
	return nil
}

// GetAudit returns the audit or a NotFoundError.
func (s *SQL) GetAudit(ctx context.Context, id string) (*model.VerificationAudit, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+auditColumns+` FROM audits WHERE id = ?`), id)
	a, err := scanAudit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("audit", id).WithCause(errors.ErrAuditNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select audit: %w", err)
	}
	return a, nil
}

// ListAudits returns a task's audits in creation order.
func (s *SQL) ListAudits(ctx context.Context, taskID string) ([]*model.VerificationAudit, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+auditColumns+` FROM audits WHERE task_id = ? ORDER BY seq`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var out []*model.VerificationAudit
	for rows.Next() {
		a, err := scanAudit(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAudit overwrites an audit.
func (s *SQL) UpdateAudit(ctx context.Context, audit *model.VerificationAudit, timeline ...model.TimelineEntry) error {
	checks, notes, err := auditJSON(audit)
	if err != nil {
		return err
	}
	now := s.opts.now()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE audits
			SET status = ?, score = ?, checks = ?, reviewer_id = ?, notes = ?, manual_decision = ?,
				finalized = ?, error = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`),
			string(audit.Status), audit.Score, checks, audit.ReviewerID, notes, string(audit.ManualDecision),
			boolToInt(audit.Finalized), audit.Error, nanos(now), nullNanos(audit.CompletedAt), audit.ID)
		if err != nil {
			return fmt.Errorf("update audit: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewNotFoundError("audit", audit.ID).WithCause(errors.ErrAuditNotFound)
		}
		return s.insertTimelineTx(ctx, tx, timeline)
	})
	if err != nil {
		return err
	}
	audit.UpdatedAt = now
	return nil
}

// -----------------------------------------------------------------------------
// Timeline and processed events
// -----------------------------------------------------------------------------

// AppendTimeline stores standalone timeline entries.
func (s *SQL) AppendTimeline(ctx context.Context, entries ...model.TimelineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertTimelineTx(ctx, tx, entries)
	})
}

// ListTimeline returns a task's timeline oldest first.
func (s *SQL) ListTimeline(ctx context.Context, taskID string) ([]model.TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, task_id, kind, status, description, created_at
		FROM timeline WHERE task_id = ? ORDER BY seq`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	out := []model.TimelineEntry{}
	for rows.Next() {
		var (
			e       model.TimelineEntry
			kind    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &kind, &e.Status, &e.Description, &created); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		e.Kind = model.TimelineKind(kind)
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventProcessed reports whether a payment event id has been recorded.
func (s *SQL) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM processed_events WHERE event_id = ?`), eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup processed event: %w", err)
	}
	return true, nil
}

var _ Store = (*SQL)(nil)
