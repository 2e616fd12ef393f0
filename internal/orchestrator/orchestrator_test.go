package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/escrow"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/execqueue"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/payment"
	"github.com/bountyhub/bountyd/internal/sandbox"
	"github.com/bountyhub/bountyd/internal/store"
	"github.com/bountyhub/bountyd/internal/testutil"
	"github.com/bountyhub/bountyd/internal/verify"
)

const waitFor = 3 * time.Second

const passingGrade = `{"score": 92, "reasoning": "meets the criteria"}`

type runnerFunc func(ctx context.Context, inv sandbox.Invocation, lim sandbox.Limits) sandbox.Result

func (f runnerFunc) Run(ctx context.Context, inv sandbox.Invocation, lim sandbox.Limits) sandbox.Result {
	return f(ctx, inv, lim)
}

func succeed(_ context.Context, _ sandbox.Invocation, _ sandbox.Limits) sandbox.Result {
	return sandbox.Result{Output: "the answer is 42", Outcome: sandbox.OutcomeSucceeded}
}

func timeOut(_ context.Context, _ sandbox.Invocation, _ sandbox.Limits) sandbox.Result {
	return sandbox.Result{Outcome: sandbox.OutcomeTimeout, Err: errors.ErrTimeout}
}

func crash(_ context.Context, _ sandbox.Invocation, _ sandbox.Limits) sandbox.Result {
	return sandbox.Result{Outcome: sandbox.OutcomeFailed, Logs: "exit status 1"}
}

func blockUntilCancelled(ctx context.Context, _ sandbox.Invocation, _ sandbox.Limits) sandbox.Result {
	<-ctx.Done()
	return sandbox.Result{Outcome: sandbox.OutcomeCancelled, Err: ctx.Err()}
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Now()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	st     *store.Memory
	gw     *payment.Sandbox
	rec    *testutil.Recorder
	ledger *escrow.Ledger
	engine *verify.Engine
	queue  *execqueue.Queue
	orch   *Orchestrator
	clock  *clock
}

type harnessOptions struct {
	runner      execqueue.Runner
	provider    *testutil.ScriptedProvider
	autoRelease bool
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Escrow.GatewayRetryBase = time.Millisecond
	cfg.Escrow.GatewayRetryMax = 2 * time.Millisecond
	cfg.Execution.PoolSize = 2
	cfg.Execution.DefaultTimeout = time.Second
	cfg.Execution.MaxRetries = 3
	cfg.Execution.RetryBaseDelay = time.Millisecond
	cfg.Execution.RetryMaxDelay = 5 * time.Millisecond
	cfg.Execution.CancelGrace = 50 * time.Millisecond
	cfg.Execution.PollInterval = 5 * time.Millisecond
	cfg.Settlement.AutoRelease = ho.autoRelease
	cfg.Settlement.SweepInterval = 0

	clk := newClock()
	st := testutil.NewStore(t)
	gw := payment.NewSandbox()
	bus := event.NewBus(logging.NopLogger())

	engineOpts := []verify.Option{verify.WithBus(bus)}
	if ho.provider != nil {
		engineOpts = append(engineOpts, verify.WithProvider(ho.provider))
	}
	h := &harness{
		st:     st,
		gw:     gw,
		rec:    testutil.Record(bus),
		ledger: escrow.New(st, gw, cfg.Escrow, escrow.WithBus(bus)),
		engine: verify.New(st, engineOpts...),
		queue:  execqueue.New(st, ho.runner, cfg.Execution, execqueue.WithBus(bus)),
		clock:  clk,
	}
	h.orch = New(st, h.queue, h.engine, h.ledger, bus, cfg.Settlement, WithClock(clk.Now))

	ctx := context.Background()
	h.orch.Start(ctx)
	t.Cleanup(func() { _ = h.orch.Stop(context.Background()) })
	h.queue.Start(ctx)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = h.queue.Stop(ctx)
	})
	return h
}

// fundedTask creates a task through the orchestrator and confirms its escrow.
func (h *harness) fundedTask(t *testing.T, spec TaskSpec) *model.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.orch.CreateTask(ctx, spec)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := h.ledger.Fund(ctx, task.ID); err != nil {
		t.Fatalf("Fund() error = %v", err)
	}
	if err := h.ledger.ConfirmFunded(ctx, task.ID, "evt_checkout_"+task.ID); err != nil {
		t.Fatalf("ConfirmFunded() error = %v", err)
	}
	return h.task(t, task.ID)
}

func (h *harness) submit(t *testing.T, taskID string) *model.Submission {
	t.Helper()
	sub, execID, err := h.orch.SubmitWork(context.Background(), SubmissionSpec{
		TaskID:   taskID,
		WorkerID: "worker-1",
		Worker:   model.WorkerSpec{Kind: model.WorkerProcess, Command: []string{"./solve"}},
	})
	if err != nil {
		t.Fatalf("SubmitWork() error = %v", err)
	}
	if execID == "" {
		t.Fatal("SubmitWork() returned no execution id")
	}
	return sub
}

func (h *harness) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := h.st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	return task
}

func (h *harness) submission(t *testing.T, id string) *model.Submission {
	t.Helper()
	sub, err := h.st.GetSubmission(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	return sub
}

func (h *harness) audits(t *testing.T, taskID string) []*model.VerificationAudit {
	t.Helper()
	audits, err := h.st.ListAudits(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListAudits() error = %v", err)
	}
	return audits
}

func (h *harness) auditStatus(t *testing.T, taskID string, want model.AuditStatus) func() bool {
	return func() bool {
		audits := h.audits(t, taskID)
		return len(audits) == 1 && audits[0].Status == want
	}
}

func (h *harness) timelineContains(t *testing.T, taskID, text string) bool {
	t.Helper()
	entries, err := h.st.ListTimeline(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListTimeline() error = %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Description, text) {
			return true
		}
	}
	return false
}

func reward(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(succeed)})
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name  string
		spec  TaskSpec
		field string
	}{
		{name: "missing title", spec: TaskSpec{Reward: reward("10")}, field: "title"},
		{name: "zero reward", spec: TaskSpec{Title: "t", Reward: decimal.Zero}, field: "reward"},
		{name: "fractional cents", spec: TaskSpec{Title: "t", Reward: reward("10.005")}, field: "reward"},
		{name: "unknown currency", spec: TaskSpec{Title: "t", Reward: reward("10"), Currency: "DOLLARS"}, field: "currency"},
		{name: "deadline in the past", spec: TaskSpec{Title: "t", Reward: reward("10"), Deadline: &past}, field: "deadline"},
		{
			name: "bad regex",
			spec: TaskSpec{Title: "t", Reward: reward("10"), Criteria: model.Criteria{Metrics: []model.Criterion{
				{Name: "r", Kind: model.CriterionRegex, Value: "("},
			}}},
			field: "criteria.metrics[0].value",
		},
		{
			name: "unknown kind",
			spec: TaskSpec{Title: "t", Reward: reward("10"), Criteria: model.Criteria{Metrics: []model.Criterion{
				{Name: "x", Kind: "vibes"},
			}}},
			field: "criteria.metrics[0].kind",
		},
		{
			name: "duplicate names",
			spec: TaskSpec{Title: "t", Reward: reward("10"), Criteria: model.Criteria{Metrics: []model.Criterion{
				{Name: "a", Kind: model.CriterionContains, Value: "x"},
				{Name: "a", Kind: model.CriterionContains, Value: "y"},
			}}},
			field: "criteria.metrics[1].name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.CreateTask(context.Background(), tt.spec)
			var verr *errors.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("CreateTask() error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(succeed)})

	task, err := h.orch.CreateTask(context.Background(), TaskSpec{
		Title:    "  Summarize the report ",
		Reward:   reward("250.00"),
		Currency: "eur",
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	got := h.task(t, task.ID)
	if got.Status != model.TaskOpen || got.PaymentStatus != model.PaymentPending {
		t.Errorf("status = %s/%s, want open/pending", got.Status, got.PaymentStatus)
	}
	if got.Title != "Summarize the report" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.Currency != "EUR" {
		t.Errorf("Currency = %q, want EUR", got.Currency)
	}
	if !h.timelineContains(t, task.ID, "Task created") {
		t.Error("timeline has no creation entry")
	}
}

func TestSubmitWork_Admission(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(blockUntilCancelled)})
	ctx := context.Background()

	t.Run("unfunded task", func(t *testing.T) {
		task, err := h.orch.CreateTask(ctx, TaskSpec{Title: "t", Reward: reward("10")})
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		_, _, err = h.orch.SubmitWork(ctx, SubmissionSpec{
			TaskID:   task.ID,
			WorkerID: "w",
			Worker:   model.WorkerSpec{Kind: model.WorkerPrompt, Prompt: "do it"},
		})
		var notFunded *errors.NotFundedError
		if !errors.As(err, &notFunded) {
			t.Fatalf("SubmitWork() error = %v, want NotFundedError", err)
		}
	})

	t.Run("invalid worker", func(t *testing.T) {
		task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("10")})
		_, _, err := h.orch.SubmitWork(ctx, SubmissionSpec{
			TaskID:   task.ID,
			WorkerID: "w",
			Worker:   model.WorkerSpec{Kind: model.WorkerProcess},
		})
		var verr *errors.ValidationError
		if !errors.As(err, &verr) || verr.Field != "worker.command" {
			t.Fatalf("SubmitWork() error = %v, want ValidationError on worker.command", err)
		}
	})

	t.Run("submission limit", func(t *testing.T) {
		task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("10"), MaxSubmissions: 1})
		sub := h.submit(t, task.ID)
		if got := h.submission(t, sub.ID); got.Progress != model.ProgressQueued && got.Progress != model.ProgressRunning {
			t.Errorf("Progress = %d, want queued or running", got.Progress)
		}

		_, _, err := h.orch.SubmitWork(ctx, SubmissionSpec{
			TaskID:   task.ID,
			WorkerID: "w2",
			Worker:   model.WorkerSpec{Kind: model.WorkerProcess, Command: []string{"./solve"}},
		})
		var invalid *errors.InvalidStateError
		if !errors.As(err, &invalid) {
			t.Fatalf("SubmitWork() error = %v, want InvalidStateError", err)
		}
	})
}

func TestPipeline_ThousandDollarTaskSettles(t *testing.T) {
	h := newHarness(t, harnessOptions{
		runner:      runnerFunc(succeed),
		provider:    testutil.NewScriptedProvider(testutil.Reply{Text: passingGrade, Tokens: 40}),
		autoRelease: true,
	})

	task := h.fundedTask(t, TaskSpec{
		Title:    "Answer the question",
		Reward:   reward("1000.00"),
		Criteria: model.Criteria{Description: "States the answer to everything"},
	})
	sub := h.submit(t, task.ID)

	testutil.Eventually(t, waitFor, func() bool {
		return h.task(t, task.ID).Status == model.TaskCompleted
	}, "task completed")

	got := h.task(t, task.ID)
	if got.PaymentStatus != model.PaymentReleased {
		t.Errorf("PaymentStatus = %s, want released", got.PaymentStatus)
	}
	if s := got.Escrow.PayoutAmount.StringFixed(2); s != "850.00" {
		t.Errorf("PayoutAmount = %s, want 850.00", s)
	}
	if got.Escrow.WinnerSubmissionID != sub.ID {
		t.Errorf("WinnerSubmissionID = %q, want %q", got.Escrow.WinnerSubmissionID, sub.ID)
	}
	if captured := h.gw.Captured(got.Escrow.PaymentIntentID); !captured.Equal(reward("850")) {
		t.Errorf("gateway captured %s, want 850", captured)
	}

	testutil.Eventually(t, waitFor, func() bool {
		return h.submission(t, sub.ID).Status == model.SubmissionApproved
	}, "submission approved")
	final := h.submission(t, sub.ID)
	if final.Progress != model.ProgressDone {
		t.Errorf("Progress = %d, want %d", final.Progress, model.ProgressDone)
	}
	if final.Output != "the answer is 42" {
		t.Errorf("Output = %q", final.Output)
	}

	audits := h.audits(t, task.ID)
	if len(audits) != 1 || audits[0].Status != model.AuditPassed || audits[0].Score != 92 {
		t.Fatalf("audits = %+v, want one passed audit scoring 92", audits)
	}
}

func TestPipeline_ProviderFailureHoldsFunds(t *testing.T) {
	h := newHarness(t, harnessOptions{
		runner:      runnerFunc(succeed),
		provider:    testutil.NewScriptedProvider(testutil.Reply{Err: errors.ErrProviderUnavailable}),
		autoRelease: true,
	})

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100"), Criteria: model.Criteria{Description: "anything"}})
	sub := h.submit(t, task.ID)

	testutil.Eventually(t, waitFor, h.auditStatus(t, task.ID, model.AuditNeedsReview), "audit needs review")

	got := h.task(t, task.ID)
	if got.Status != model.TaskUnderReview {
		t.Errorf("Status = %s, want under_review", got.Status)
	}
	if got.PaymentStatus != model.PaymentFunded {
		t.Errorf("PaymentStatus = %s, want funded", got.PaymentStatus)
	}
	if got.UnderReviewSince == nil {
		t.Error("UnderReviewSince not set")
	}
	if n := h.gw.Calls(payment.OpCapture); n != 0 {
		t.Errorf("gateway captures = %d, want 0", n)
	}
	s := h.submission(t, sub.ID)
	if s.Status != model.SubmissionSubmitted || s.Progress != model.ProgressVerifying {
		t.Errorf("submission = %s/%d, want submitted/%d", s.Status, s.Progress, model.ProgressVerifying)
	}
}

func TestPipeline_TimeoutsExhaustRetries(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(timeOut), autoRelease: true})

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100")})
	sub := h.submit(t, task.ID)

	testutil.Eventually(t, waitFor, func() bool {
		return h.submission(t, sub.ID).Status == model.SubmissionRejected
	}, "submission rejected")

	execs, err := h.queue.List(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(execs) != 3 {
		t.Errorf("executions = %d, want 3", len(execs))
	}
	for _, e := range execs {
		if e.Status != model.ExecutionTimeout {
			t.Errorf("execution %s status = %s, want timeout", e.ID, e.Status)
		}
	}

	if s := h.submission(t, sub.ID); s.Progress != model.ProgressDone {
		t.Errorf("Progress = %d, want %d", s.Progress, model.ProgressDone)
	}
	testutil.Eventually(t, waitFor, func() bool {
		return h.task(t, task.ID).Status == model.TaskUnderReview
	}, "task under review")
	if got := h.task(t, task.ID); got.PaymentStatus != model.PaymentFunded {
		t.Errorf("PaymentStatus = %s, want funded", got.PaymentStatus)
	}
	if n := h.gw.Calls(payment.OpCapture) + h.gw.Calls(payment.OpRefund); n != 0 {
		t.Errorf("gateway money movements = %d, want 0", n)
	}
}

func TestPipeline_ResubmissionAfterFailedAudit(t *testing.T) {
	provider := testutil.NewScriptedProvider(
		testutil.Reply{Text: `{"score": 20, "reasoning": "wrong"}`},
		testutil.Reply{Text: passingGrade},
	)
	h := newHarness(t, harnessOptions{runner: runnerFunc(succeed), provider: provider, autoRelease: true})

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100"), Criteria: model.Criteria{Description: "correct"}})
	first := h.submit(t, task.ID)
	testutil.Eventually(t, waitFor, func() bool {
		return h.submission(t, first.ID).Status == model.SubmissionRejected
	}, "first submission rejected")
	if got := h.task(t, task.ID).Status; got != model.TaskUnderReview {
		t.Fatalf("Status = %s, want under_review", got)
	}

	second := h.submit(t, task.ID)
	testutil.Eventually(t, waitFor, func() bool {
		return h.task(t, task.ID).Status == model.TaskCompleted
	}, "task completed by resubmission")
	if got := h.task(t, task.ID).Escrow.WinnerSubmissionID; got != second.ID {
		t.Errorf("winner = %q, want %q", got, second.ID)
	}
	if !h.timelineContains(t, task.ID, "started during review") {
		t.Error("timeline does not record the return to in_progress")
	}
}

func TestSettle_DefersWhileResubmissionRuns(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(succeed), autoRelease: true})
	ctx := context.Background()

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100")})
	winner := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	winner.Status = model.SubmissionSubmitted
	if err := h.st.UpdateSubmission(ctx, winner); err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}
	exec := testutil.CompletedExecution(t, h.st, winner, "done")
	audit := &model.VerificationAudit{
		ID:           model.NewID(model.PrefixAudit),
		ExecutionID:  exec.ID,
		SubmissionID: winner.ID,
		TaskID:       task.ID,
		Status:       model.AuditPassed,
		Score:        95,
	}
	if err := h.st.CreateAudit(ctx, audit); err != nil {
		t.Fatalf("CreateAudit() error = %v", err)
	}

	// A resubmission has moved the task back to in_progress.
	running := h.task(t, task.ID)
	running.Status = model.TaskInProgress
	if err := h.st.UpdateTask(ctx, store.TaskUpdate{Task: running}); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	h.orch.settle(ctx, task.ID, winner.ID, audit.ID)

	got := h.task(t, task.ID)
	if got.Status != model.TaskInProgress || got.PaymentStatus != model.PaymentFunded {
		t.Fatalf("after settle: %s/%s, want in_progress/funded", got.Status, got.PaymentStatus)
	}
	if n := h.gw.Calls(payment.OpCapture); n != 0 {
		t.Fatalf("gateway captures = %d, want 0", n)
	}
	if !h.timelineContains(t, task.ID, "deferred until running work finishes") {
		t.Error("timeline does not record the deferred release")
	}

	// The resubmission ends; the task returns to review and the passed
	// audit is settled.
	unlock, err := h.orch.lockTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("lockTask() error = %v", err)
	}
	h.orch.settleIdleTask(ctx, task.ID)
	unlock()

	testutil.Eventually(t, waitFor, func() bool {
		return h.task(t, task.ID).Status == model.TaskCompleted
	}, "deferred release completes the task")
	if got := h.task(t, task.ID).Escrow.WinnerSubmissionID; got != winner.ID {
		t.Errorf("winner = %q, want %q", got, winner.ID)
	}
	if n := h.gw.Calls(payment.OpCapture); n != 1 {
		t.Errorf("gateway captures = %d, want 1", n)
	}
}

func TestAutoReleaseDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{
		runner:   runnerFunc(succeed),
		provider: testutil.NewScriptedProvider(testutil.Reply{Text: passingGrade}),
	})
	ctx := context.Background()

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100"), Criteria: model.Criteria{Description: "anything"}})
	sub := h.submit(t, task.ID)
	testutil.Eventually(t, waitFor, h.auditStatus(t, task.ID, model.AuditPassed), "audit passed")
	testutil.Eventually(t, waitFor, func() bool {
		return h.timelineContains(t, task.ID, "awaiting operator release")
	}, "awaiting release noted")

	if got := h.task(t, task.ID); got.PaymentStatus != model.PaymentFunded {
		t.Fatalf("PaymentStatus = %s, want funded before operator release", got.PaymentStatus)
	}

	audit := h.audits(t, task.ID)[0]
	if _, err := h.orch.Release(ctx, escrow.ReleaseRequest{
		TaskID:             task.ID,
		WinnerSubmissionID: sub.ID,
		AuditID:            audit.ID,
	}); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got := h.task(t, task.ID)
	if got.Status != model.TaskCompleted || got.Escrow.PayoutAmount.StringFixed(2) != "85.00" {
		t.Errorf("task = %s payout %s, want completed payout 85.00", got.Status, got.Escrow.PayoutAmount.StringFixed(2))
	}
	if s := h.submission(t, sub.ID); s.Status != model.SubmissionApproved {
		t.Errorf("submission = %s, want approved", s.Status)
	}
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(blockUntilCancelled)})
	ctx := context.Background()

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100")})
	sub := h.submit(t, task.ID)
	testutil.Eventually(t, waitFor, func() bool {
		return h.submission(t, sub.ID).Status == model.SubmissionInProgress
	}, "submission running")

	got, err := h.orch.CancelTask(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if got.Status != model.TaskCancelled || got.PaymentStatus != model.PaymentRefunded {
		t.Errorf("task = %s/%s, want cancelled/refunded", got.Status, got.PaymentStatus)
	}
	if n := h.gw.Calls(payment.OpRefund); n != 1 {
		t.Errorf("refunds = %d, want 1", n)
	}
	testutil.Eventually(t, waitFor, func() bool {
		return h.submission(t, sub.ID).Status == model.SubmissionRejected
	}, "submission rejected")

	_, err = h.orch.CancelTask(ctx, task.ID, "again")
	var transition *errors.InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Errorf("second CancelTask() error = %v, want InvalidTransitionError", err)
	}
}

func TestCancelTask_Unfunded(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(succeed)})
	ctx := context.Background()

	task, err := h.orch.CreateTask(ctx, TaskSpec{Title: "t", Reward: reward("100")})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	got, err := h.orch.CancelTask(ctx, task.ID, "changed my mind")
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if got.Status != model.TaskCancelled || got.PaymentStatus != model.PaymentPending {
		t.Errorf("task = %s/%s, want cancelled/pending", got.Status, got.PaymentStatus)
	}
	if n := h.gw.Calls(payment.OpRefund); n != 0 {
		t.Errorf("refunds = %d, want 0", n)
	}
	if h.rec.Count(event.TaskStatusChanged) == 0 {
		t.Error("no task status event published")
	}
}

func TestSweep_DeadlineFailsExhaustedTask(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(crash)})
	ctx := context.Background()

	deadline := h.clock.Now().Add(24 * time.Hour)
	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100"), Deadline: &deadline})
	sub := h.submit(t, task.ID)
	testutil.Eventually(t, waitFor, func() bool {
		return h.submission(t, sub.ID).Status == model.SubmissionRejected
	}, "submission rejected")
	testutil.Eventually(t, waitFor, func() bool {
		return h.task(t, task.ID).Status == model.TaskUnderReview
	}, "task under review")

	res, err := h.orch.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("Sweep() failed %d tasks before the deadline", res.Failed)
	}

	h.clock.Advance(25 * time.Hour)
	res, err = h.orch.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("Sweep().Failed = %d, want 1", res.Failed)
	}
	got := h.task(t, task.ID)
	if got.Status != model.TaskFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.PaymentStatus != model.PaymentFunded || !got.NeedsManualResolution {
		t.Errorf("payment = %s manual = %v, want funds held and flagged", got.PaymentStatus, got.NeedsManualResolution)
	}

	if _, err := h.orch.Refund(ctx, task.ID, ""); err == nil {
		t.Error("Refund() without operator succeeded")
	}
	if _, err := h.orch.Refund(ctx, task.ID, "ops@example.com"); err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	got = h.task(t, task.ID)
	if got.Status != model.TaskFailed || got.PaymentStatus != model.PaymentRefunded {
		t.Errorf("task = %s/%s, want failed/refunded", got.Status, got.PaymentStatus)
	}
}

func TestSweep_FlagsStuckReview(t *testing.T) {
	h := newHarness(t, harnessOptions{
		runner:   runnerFunc(succeed),
		provider: testutil.NewScriptedProvider(testutil.Reply{Err: errors.ErrProviderUnavailable}),
	})
	ctx := context.Background()

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100"), Criteria: model.Criteria{Description: "x"}})
	h.submit(t, task.ID)
	testutil.Eventually(t, waitFor, h.auditStatus(t, task.ID, model.AuditNeedsReview), "audit needs review")

	h.clock.Advance(71 * time.Hour)
	if res, err := h.orch.Sweep(ctx); err != nil || res.Flagged != 0 {
		t.Fatalf("Sweep() = %+v, %v; want nothing flagged inside the grace period", res, err)
	}

	h.clock.Advance(2 * time.Hour)
	res, err := h.orch.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Flagged != 1 {
		t.Fatalf("Sweep().Flagged = %d, want 1", res.Flagged)
	}
	got := h.task(t, task.ID)
	if !got.NeedsManualResolution || got.Status != model.TaskUnderReview || got.PaymentStatus != model.PaymentFunded {
		t.Errorf("task = %s/%s manual=%v, want flagged under_review with funds held",
			got.Status, got.PaymentStatus, got.NeedsManualResolution)
	}
	if !h.timelineContains(t, task.ID, "needs manual resolution") {
		t.Error("timeline has no manual resolution entry")
	}

	// Flagging is reported once.
	if res, _ := h.orch.Sweep(ctx); res.Flagged != 0 {
		t.Errorf("second Sweep().Flagged = %d, want 0", res.Flagged)
	}
}

func TestSweep_FundedWithoutSubmissions(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(succeed)})
	ctx := context.Background()

	deadline := h.clock.Now().Add(time.Hour)
	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("100"), Deadline: &deadline})

	h.clock.Advance(2 * time.Hour)
	res, err := h.orch.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Flagged != 1 {
		t.Fatalf("Sweep().Flagged = %d, want 1", res.Flagged)
	}
	if got := h.task(t, task.ID); got.Status != model.TaskFunded || !got.NeedsManualResolution {
		t.Errorf("task = %s manual=%v, want funded and flagged", got.Status, got.NeedsManualResolution)
	}

	_, _, err = h.orch.SubmitWork(ctx, SubmissionSpec{
		TaskID:   task.ID,
		WorkerID: "late",
		Worker:   model.WorkerSpec{Kind: model.WorkerPrompt, Prompt: "p"},
	})
	if !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("late SubmitWork() error = %v, want InvalidStateError", err)
	}
}

func TestRecover_AuditsUnverifiedExecution(t *testing.T) {
	h := newHarness(t, harnessOptions{
		runner:      runnerFunc(succeed),
		provider:    testutil.NewScriptedProvider(testutil.Reply{Text: passingGrade}),
		autoRelease: true,
	})
	ctx := context.Background()

	task := h.fundedTask(t, TaskSpec{Title: "t", Reward: reward("200"), Criteria: model.Criteria{Description: "x"}})

	// Simulate a crash between the execution finishing and the audit.
	task.Status = model.TaskInProgress
	if err := h.st.UpdateTask(ctx, store.TaskUpdate{Task: task}); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{Kind: model.WorkerPrompt, Prompt: "p"})
	sub.Status = model.SubmissionInProgress
	if err := h.st.UpdateSubmission(ctx, sub); err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}
	testutil.CompletedExecution(t, h.st, sub, "recovered output")

	n, err := h.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Recover() = %d, want 1", n)
	}
	testutil.Eventually(t, waitFor, func() bool {
		return h.task(t, task.ID).Status == model.TaskCompleted
	}, "recovered task settles")
	if got := h.task(t, task.ID).Escrow.PayoutAmount.StringFixed(2); got != "170.00" {
		t.Errorf("PayoutAmount = %s, want 170.00", got)
	}
}

func TestTransition_IllegalHasNoSideEffects(t *testing.T) {
	h := newHarness(t, harnessOptions{runner: runnerFunc(succeed)})
	ctx := context.Background()

	task, err := h.orch.CreateTask(ctx, TaskSpec{Title: "t", Reward: reward("10")})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	before := h.task(t, task.ID)

	_, err = h.orch.transitionTask(ctx, task.ID, model.TaskCompleted, "skip ahead")
	var transition *errors.InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("transitionTask() error = %v, want InvalidTransitionError", err)
	}
	after := h.task(t, task.ID)
	if after.Status != model.TaskOpen || after.Version != before.Version {
		t.Errorf("task changed: status %s version %d -> %d", after.Status, before.Version, after.Version)
	}
}
