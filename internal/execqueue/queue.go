package execqueue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/retry"
	"github.com/bountyhub/bountyd/internal/sandbox"
	"github.com/bountyhub/bountyd/internal/store"
	"github.com/bountyhub/bountyd/internal/vault"
)

var (
	errShutdown        = errors.New("execution queue shut down mid-run")
	errCancelRequested = errors.New("execution cancelled by request")
	errInterrupted     = errors.New("execution interrupted by restart")
)

var activeStatuses = []model.ExecutionStatus{
	model.ExecutionQueued,
	model.ExecutionInitializing,
	model.ExecutionRunning,
}

// Queue runs submission executions on a bounded pool. It is safe for
// concurrent use.
type Queue struct {
	store  store.Store
	runner Runner
	vault  vault.Vault
	bus    *event.Bus
	logger *logging.Logger
	cfg    config.ExecutionConfig
	policy retry.Policy
	now    func() time.Time

	// admitMu serializes the active-execution check with row creation.
	admitMu sync.Mutex

	mu       sync.Mutex
	pending  []*item
	seq      uint64
	inflight map[string]string                  // submission ID -> execution ID
	cancels  map[string]context.CancelCauseFunc // execution ID -> run cancel
	counts   QueueStatus
	pool     *pool.Pool
	execCtx  context.Context
	abort    context.CancelCauseFunc
	stopLoop context.CancelFunc
	loopDone chan struct{}
	stopping bool
	wake     chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithBus publishes execution events on b.
func WithBus(b *event.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithVault leases each submission's credential scopes for the run.
func WithVault(v vault.Vault) Option {
	return func(q *Queue) { q.vault = v }
}

// WithLogger sets the queue's logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l.WithComponent("execqueue")
		}
	}
}

// WithClock overrides the clock used for timestamps and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue. It panics if st or runner is nil.
func New(st store.Store, runner Runner, cfg config.ExecutionConfig, opts ...Option) *Queue {
	if st == nil {
		panic("execqueue: store is required")
	}
	if runner == nil {
		panic("execqueue: runner is required")
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	q := &Queue{
		store:  st,
		runner: runner,
		logger: logging.NopLogger(),
		cfg:    cfg,
		policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		now:      time.Now,
		inflight: make(map[string]string),
		cancels:  make(map[string]context.CancelCauseFunc),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits a new execution of submissionID and returns its id.
// The owning task must be funded, and the submission must not already
// have an execution queued or running.
func (q *Queue) Enqueue(ctx context.Context, submissionID string, priority int) (string, error) {
	sub, err := q.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return "", err
	}
	task, err := q.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return "", err
	}
	if task.PaymentStatus != model.PaymentFunded {
		return "", errors.NewNotFundedError(task.ID, string(task.PaymentStatus))
	}
	if task.Status.IsTerminal() {
		return "", errors.NewInvalidStateError("task", task.ID, "enqueue").WithCurrent(string(task.Status))
	}
	if sub.Status.IsTerminal() {
		return "", errors.NewInvalidStateError("submission", sub.ID, "enqueue").WithCurrent(string(sub.Status))
	}

	q.admitMu.Lock()
	defer q.admitMu.Unlock()

	active, err := q.store.ListExecutions(ctx, store.ExecutionFilter{SubmissionID: sub.ID, Statuses: activeStatuses})
	if err != nil {
		return "", err
	}
	if len(active) > 0 {
		return "", errors.NewInvalidStateError("submission", sub.ID, "enqueue").
			WithCurrent(string(active[0].Status)).
			WithMessage(fmt.Sprintf("execution %s is still active", active[0].ID))
	}

	exec := &model.Execution{
		ID:               model.NewID(model.PrefixExecution),
		SubmissionID:     sub.ID,
		TaskID:           task.ID,
		WorkerID:         sub.WorkerID,
		Status:           model.ExecutionQueued,
		Priority:         priority,
		MaxRetries:       q.cfg.MaxRetries,
		Timeout:          q.cfg.DefaultTimeout,
		MemoryLimitBytes: q.cfg.MemoryLimitBytes(),
		QueuedAt:         q.now(),
	}
	entry := model.NewTimelineEntry(task.ID, model.TimelineExecution, string(model.ExecutionQueued),
		fmt.Sprintf("Execution %s queued for submission %s", exec.ID, sub.ID))
	if err := q.store.CreateExecution(ctx, exec, entry); err != nil {
		return "", err
	}

	q.logger.WithTask(task.ID).WithSubmission(sub.ID).Info("execution queued",
		"execution_id", exec.ID, "priority", priority)
	q.emit(event.NewExecutionEvent(event.ExecutionQueued, exec.ID, sub.ID, task.ID, exec.Attempt()))
	q.push(exec)
	q.signal()
	return exec.ID, nil
}

// Cancel stops an execution. A queued execution is cancelled immediately;
// a running one is asked to stop and is recorded as cancelled once the
// worker exits or the grace period ends.
func (q *Queue) Cancel(ctx context.Context, executionID string) error {
	if q.cancelRunning(executionID) {
		return nil
	}
	exec, err := q.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsActive() && q.cancelRunning(executionID) {
		return nil
	}
	if exec.Status != model.ExecutionQueued {
		return errors.NewInvalidStateError("execution", executionID, "cancel").
			WithCurrent(string(exec.Status)).
			WithRequired(string(model.ExecutionQueued), string(model.ExecutionInitializing), string(model.ExecutionRunning))
	}
	return q.cancelQueued(ctx, exec, errCancelRequested.Error())
}

// CancelTask cancels every active execution of taskID.
func (q *Queue) CancelTask(ctx context.Context, taskID string) error {
	execs, err := q.store.ListExecutions(ctx, store.ExecutionFilter{TaskID: taskID, Statuses: activeStatuses})
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range execs {
		// An execution finishing meanwhile is not an error.
		if err := q.Cancel(ctx, e.ID); err != nil && !errors.IsDomainViolation(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns an execution.
func (q *Queue) Get(ctx context.Context, executionID string) (*model.Execution, error) {
	return q.store.GetExecution(ctx, executionID)
}

// List returns every execution of a submission, oldest first.
func (q *Queue) List(ctx context.Context, submissionID string) ([]*model.Execution, error) {
	return q.store.ListExecutions(ctx, store.ExecutionFilter{SubmissionID: submissionID})
}

// Status returns the current queue counts. Terminal counts cover
// executions finished since the queue was created.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.counts
	s.Running = len(q.inflight)
	now := q.now()
	for _, it := range q.pending {
		s.Queued++
		if !it.ready(now) {
			s.Waiting++
		}
	}
	return s
}

// Recover loads persisted work after a restart. Queued rows, including
// retries whose nextRetryAt is still ahead, go back on the queue. Rows left
// initializing or running by a crash are closed as infra errors, which
// schedules their retry. It returns how many executions were recovered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	execs, err := q.store.ListExecutions(ctx, store.ExecutionFilter{Statuses: activeStatuses})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range execs {
		if e.Status == model.ExecutionQueued {
			if q.push(e) {
				n++
			}
			continue
		}
		q.mu.Lock()
		_, live := q.cancels[e.ID]
		q.mu.Unlock()
		if live {
			continue
		}
		q.finish(ctx, e, e.Status, sandbox.Result{
			Outcome: sandbox.OutcomeInfraError,
			Err:     errors.NewTransientInfraError("execution", errInterrupted),
		})
		n++
	}
	if n > 0 {
		q.logger.Info("recovered executions", "count", n)
	}
	q.signal()
	return n, nil
}

// Start begins dispatching. Calling Start on a running queue is a no-op.
// Executions keep running when ctx ends; use Stop to drain them.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.loopDone != nil {
		return
	}
	loopCtx, stop := context.WithCancel(ctx)
	q.execCtx, q.abort = context.WithCancelCause(context.WithoutCancel(ctx))
	q.stopLoop = stop
	q.loopDone = make(chan struct{})
	q.pool = pool.New().WithMaxGoroutines(q.cfg.PoolSize)
	q.stopping = false
	go q.loop(loopCtx, q.loopDone)
}

// Stop stops dispatching and waits for running executions to finish. If
// ctx ends first the runs are cancelled; they are recorded as interrupted
// and retried after the next Start or Recover.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.loopDone == nil || q.stopping {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	stop, done, p, abort := q.stopLoop, q.loopDone, q.pool, q.abort
	q.mu.Unlock()

	stop()
	<-done

	drained := make(chan struct{})
	go func() {
		p.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		q.logger.Warn("stop deadline reached, cancelling running executions")
		abort(errShutdown)
		<-drained
		err = ctx.Err()
	}
	abort(errShutdown)

	q.mu.Lock()
	q.loopDone = nil
	q.stopping = false
	q.mu.Unlock()
	return err
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		q.dispatch()
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatch hands ready items to the pool until it is full.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.stopping || q.pool == nil || len(q.inflight) >= q.cfg.PoolSize {
			q.mu.Unlock()
			return
		}
		it := q.nextLocked(q.now())
		if it == nil {
			q.mu.Unlock()
			return
		}
		q.inflight[it.submissionID] = it.executionID
		p, base := q.pool, q.execCtx
		q.mu.Unlock()

		p.Go(func() { q.run(base, it) })
	}
}

// nextLocked removes and returns the best ready item whose submission has
// nothing in flight. Must be called with q.mu held.
func (q *Queue) nextLocked(now time.Time) *item {
	best := -1
	for i, it := range q.pending {
		if !it.ready(now) {
			continue
		}
		if _, busy := q.inflight[it.submissionID]; busy {
			continue
		}
		if best < 0 || it.before(q.pending[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	it := q.pending[best]
	q.pending = slices.Delete(q.pending, best, best+1)
	return it
}

// push adds a queued execution. It returns false if the queue already
// tracks the execution.
func (q *Queue) push(exec *model.Execution) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, running := q.cancels[exec.ID]; running {
		return false
	}
	for _, it := range q.pending {
		if it.executionID == exec.ID {
			return false
		}
	}
	q.seq++
	it := &item{
		executionID:  exec.ID,
		submissionID: exec.SubmissionID,
		priority:     exec.Priority,
		seq:          q.seq,
	}
	if exec.NextRetryAt != nil {
		it.notBefore = *exec.NextRetryAt
	}
	q.pending = append(q.pending, it)
	return true
}

func (q *Queue) removePending(executionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = slices.DeleteFunc(q.pending, func(it *item) bool { return it.executionID == executionID })
}

func (q *Queue) cancelRunning(executionID string) bool {
	q.mu.Lock()
	cancel, ok := q.cancels[executionID]
	q.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drives one execution through the runner. Store writes use a context
// detached from shutdown so the outcome is always recorded.
func (q *Queue) run(base context.Context, it *item) {
	defer func() {
		q.mu.Lock()
		delete(q.inflight, it.submissionID)
		delete(q.cancels, it.executionID)
		q.mu.Unlock()
		q.signal()
	}()

	ctx := context.WithoutCancel(base)
	logger := q.logger.WithExecution(it.executionID).WithSubmission(it.submissionID)

	exec, err := q.store.GetExecution(ctx, it.executionID)
	if err != nil {
		logger.Error("failed to load execution", "error", err)
		return
	}
	if exec.Status != model.ExecutionQueued {
		logger.Debug("execution no longer queued", "status", string(exec.Status))
		return
	}

	runCtx, cancel := context.WithCancelCause(base)
	defer cancel(nil)
	q.mu.Lock()
	q.cancels[exec.ID] = cancel
	q.mu.Unlock()

	task, err := q.store.GetTask(ctx, exec.TaskID)
	if err != nil {
		logger.Error("failed to load task", "error", err)
		return
	}
	if task.PaymentStatus != model.PaymentFunded || task.Status.IsTerminal() {
		reason := fmt.Sprintf("task is %s with payment %s", task.Status, task.PaymentStatus)
		if err := q.cancelQueued(ctx, exec, reason); err != nil {
			logger.Warn("failed to cancel unfunded execution", "error", err)
		}
		return
	}
	sub, err := q.store.GetSubmission(ctx, exec.SubmissionID)
	if err != nil {
		logger.Error("failed to load submission", "error", err)
		return
	}

	exec.Status = model.ExecutionInitializing
	if err := q.store.UpdateExecution(ctx, store.ExecutionUpdate{Execution: exec, ExpectStatus: model.ExecutionQueued}); err != nil {
		logger.Debug("execution changed before start", "error", err)
		return
	}

	var env map[string]string
	if q.vault != nil && len(sub.Worker.Scopes) > 0 {
		lease, err := q.vault.Lease(ctx, exec.WorkerID, sub.Worker.Scopes, exec.Timeout+q.cfg.CancelGrace)
		if err != nil {
			res := sandbox.Result{Outcome: sandbox.OutcomeFailed, Err: err}
			if errors.IsRetryable(err) {
				res = sandbox.Result{Outcome: sandbox.OutcomeInfraError, Err: errors.NewTransientInfraError("vault lease", err)}
			}
			q.finish(ctx, exec, model.ExecutionInitializing, res)
			return
		}
		defer func() {
			if err := q.vault.Revoke(ctx, lease.ID); err != nil {
				logger.Warn("failed to revoke credential lease", "lease_id", lease.ID, "error", err)
			}
		}()
		env = lease.Env
	}

	started := q.now()
	exec.Status = model.ExecutionRunning
	exec.StartedAt = &started
	entry := model.NewTimelineEntry(exec.TaskID, model.TimelineExecution, string(model.ExecutionRunning),
		fmt.Sprintf("Execution %s started (attempt %d of %d)", exec.ID, exec.Attempt(), max(exec.MaxRetries, 1)))
	if err := q.store.UpdateExecution(ctx, store.ExecutionUpdate{
		Execution:    exec,
		ExpectStatus: model.ExecutionInitializing,
		Timeline:     []model.TimelineEntry{entry},
	}); err != nil {
		logger.Error("failed to mark execution running", "error", err)
		return
	}
	logger.Info("execution started", "attempt", exec.Attempt())
	q.emit(event.NewExecutionEvent(event.ExecutionStarted, exec.ID, exec.SubmissionID, exec.TaskID, exec.Attempt()))

	res := q.runner.Run(runCtx, sandbox.InvocationFor(sub.Worker, env), sandbox.Limits{
		Timeout:     exec.Timeout,
		MemoryBytes: exec.MemoryLimitBytes,
		CancelGrace: q.cfg.CancelGrace,
	})
	if res.Outcome == sandbox.OutcomeCancelled && errors.Is(context.Cause(runCtx), errShutdown) {
		res.Outcome = sandbox.OutcomeInfraError
		res.Err = errors.NewTransientInfraError("execution", errShutdown)
	}
	q.finish(ctx, exec, model.ExecutionRunning, res)
}

// finish records a run's result, publishes the terminal event and decides
// whether the submission gets another attempt.
func (q *Queue) finish(ctx context.Context, exec *model.Execution, expect model.ExecutionStatus, res sandbox.Result) {
	logger := q.logger.WithExecution(exec.ID).WithSubmission(exec.SubmissionID)

	done := q.now()
	exec.Status = res.Outcome.ExecutionStatus()
	exec.Outcome = string(res.Outcome)
	exec.Output = res.Output
	exec.Logs = res.Logs
	exec.Usage = res.Usage
	exec.CompletedAt = &done
	if res.Err != nil {
		exec.Error = res.Err.Error()
	}

	entry := model.NewTimelineEntry(exec.TaskID, model.TimelineExecution, string(exec.Status), describeResult(exec))
	if err := q.store.UpdateExecution(ctx, store.ExecutionUpdate{
		Execution:    exec,
		ExpectStatus: expect,
		Timeline:     []model.TimelineEntry{entry},
	}); err != nil {
		logger.Error("failed to record execution result", "outcome", exec.Outcome, "error", err)
		return
	}

	q.mu.Lock()
	q.countLocked(exec.Status)
	q.mu.Unlock()

	logger.Info("execution finished",
		"outcome", exec.Outcome,
		"attempt", exec.Attempt(),
		"wall_time", exec.Usage.WallTime.String(),
		"peak_memory_bytes", exec.Usage.PeakMemoryBytes)
	q.emit(event.NewExecutionEvent(terminalEventType(exec.Status), exec.ID, exec.SubmissionID, exec.TaskID, exec.Attempt()).
		WithOutcome(exec.Outcome, res.Err))

	switch {
	case exec.Status == model.ExecutionCompleted, exec.Status == model.ExecutionCancelled:
		return
	case res.Outcome.Retryable() && retriesLeft(exec):
		err := q.scheduleRetry(ctx, exec)
		if err == nil {
			return
		}
		logger.Error("failed to schedule retry", "error", err)
	}

	logger.Warn("submission will not be retried", "outcome", exec.Outcome, "attempt", exec.Attempt())
	q.emit(event.NewExecutionEvent(event.ExecutionRejected, exec.ID, exec.SubmissionID, exec.TaskID, exec.Attempt()).
		WithOutcome(exec.Outcome, res.Err))
}

// retriesLeft reports whether another attempt fits. MaxRetries bounds the
// attempts of a submission, so the attempt numbered MaxRetries is the last.
func retriesLeft(exec *model.Execution) bool {
	return exec.Attempt() < exec.MaxRetries
}

// scheduleRetry persists the replacement execution and queues it for
// nextRetryAt.
func (q *Queue) scheduleRetry(ctx context.Context, prev *model.Execution) error {
	delay := q.policy.NextDelay(prev.RetryCount)
	now := q.now()
	at := now.Add(delay)

	next := &model.Execution{
		ID:                  model.NewID(model.PrefixExecution),
		SubmissionID:        prev.SubmissionID,
		TaskID:              prev.TaskID,
		WorkerID:            prev.WorkerID,
		Status:              model.ExecutionQueued,
		Priority:            prev.Priority,
		RetryCount:          prev.RetryCount + 1,
		MaxRetries:          prev.MaxRetries,
		PreviousExecutionID: prev.ID,
		Timeout:             prev.Timeout,
		MemoryLimitBytes:    prev.MemoryLimitBytes,
		NextRetryAt:         &at,
		QueuedAt:            now,
	}
	entry := model.NewTimelineEntry(prev.TaskID, model.TimelineExecution, string(model.ExecutionQueued),
		fmt.Sprintf("Attempt %d of %d scheduled in %s after %s", next.Attempt(), next.MaxRetries, errors.FormatDuration(delay), prev.Outcome))
	if err := q.store.CreateExecution(ctx, next, entry); err != nil {
		return err
	}

	ev := event.NewExecutionEvent(event.ExecutionRetryScheduled, prev.ID, prev.SubmissionID, prev.TaskID, prev.Attempt())
	ev.NextRetryAt = at
	ev.NextExecID = next.ID
	q.emit(ev)

	q.push(next)
	q.mu.Lock()
	q.counts.Retried++
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) cancelQueued(ctx context.Context, exec *model.Execution, reason string) error {
	done := q.now()
	exec.Status = model.ExecutionCancelled
	exec.Outcome = string(sandbox.OutcomeCancelled)
	exec.Error = reason
	exec.CompletedAt = &done

	entry := model.NewTimelineEntry(exec.TaskID, model.TimelineExecution, string(model.ExecutionCancelled),
		fmt.Sprintf("Execution %s cancelled before start: %s", exec.ID, reason))
	if err := q.store.UpdateExecution(ctx, store.ExecutionUpdate{
		Execution:    exec,
		ExpectStatus: model.ExecutionQueued,
		Timeline:     []model.TimelineEntry{entry},
	}); err != nil {
		return err
	}
	q.removePending(exec.ID)

	q.mu.Lock()
	q.countLocked(model.ExecutionCancelled)
	q.mu.Unlock()

	q.emit(event.NewExecutionEvent(event.ExecutionCancelled, exec.ID, exec.SubmissionID, exec.TaskID, exec.Attempt()).
		WithOutcome(exec.Outcome, errors.New(reason)))
	return nil
}

func (q *Queue) countLocked(status model.ExecutionStatus) {
	switch status {
	case model.ExecutionCompleted:
		q.counts.Completed++
	case model.ExecutionFailed:
		q.counts.Failed++
	case model.ExecutionTimeout:
		q.counts.TimedOut++
	case model.ExecutionCancelled:
		q.counts.Cancelled++
	}
}
