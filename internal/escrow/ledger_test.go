package escrow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/payment"
	"github.com/bountyhub/bountyd/internal/store"
	"github.com/bountyhub/bountyd/internal/testutil"
)

type harness struct {
	st     *store.Memory
	gw     *payment.Sandbox
	rec    *testutil.Recorder
	ledger *Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default().Escrow
	cfg.GatewayRetryBase = time.Millisecond
	cfg.GatewayRetryMax = 2 * time.Millisecond

	st := testutil.NewStore(t)
	gw := payment.NewSandbox()
	bus := event.NewBus(logging.NopLogger())
	return &harness{
		st:     st,
		gw:     gw,
		rec:    testutil.Record(bus),
		ledger: New(st, gw, cfg, WithBus(bus)),
	}
}

// fund takes an open task through Fund and ConfirmFunded.
func (h *harness) fund(t *testing.T, reward string) *model.Task {
	t.Helper()
	ctx := context.Background()
	task := testutil.OpenTask(t, h.st, reward, model.Criteria{})
	if _, err := h.ledger.Fund(ctx, task.ID); err != nil {
		t.Fatalf("Fund() error = %v", err)
	}
	if err := h.ledger.ConfirmFunded(ctx, task.ID, "evt_fund_"+task.ID); err != nil {
		t.Fatalf("ConfirmFunded() error = %v", err)
	}
	return task
}

// passedAudit stores a completed execution and a passed audit for sub.
func (h *harness) passedAudit(t *testing.T, sub *model.Submission, score float64) *model.VerificationAudit {
	t.Helper()
	exec := testutil.CompletedExecution(t, h.st, sub, "output")
	audit := &model.VerificationAudit{
		ID:           model.NewID(model.PrefixAudit),
		ExecutionID:  exec.ID,
		SubmissionID: sub.ID,
		TaskID:       sub.TaskID,
		Status:       model.AuditPassed,
		Score:        score,
	}
	if err := h.st.CreateAudit(context.Background(), audit); err != nil {
		t.Fatal(err)
	}
	h.setStatus(t, sub.TaskID, model.TaskUnderReview)
	return audit
}

// setStatus moves a funded task to status directly in the store, standing
// in for the orchestrator. Open and closed tasks are left alone.
func (h *harness) setStatus(t *testing.T, taskID string, status model.TaskStatus) {
	t.Helper()
	task := h.task(t, taskID)
	if task.Status == model.TaskOpen || task.Status.IsTerminal() || task.Status == status {
		return
	}
	task.Status = status
	if err := h.st.UpdateTask(context.Background(), store.TaskUpdate{Task: task}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := h.st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestPayout(t *testing.T) {
	tests := []struct {
		amount, fee, want string
	}{
		{"100.00", "15", "85.00"},
		{"1000", "15", "850.00"},
		{"0.99", "15", "0.84"}, // 0.8415
		{"10.01", "15", "8.51"}, // 8.5085 rounds half up
		{"50", "0", "50.00"},
	}
	for _, tt := range tests {
		got := Payout(decimal.RequireFromString(tt.amount), decimal.RequireFromString(tt.fee))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Payout(%s, %s) = %s, want %s", tt.amount, tt.fee, got, tt.want)
		}
	}
}

func TestFundConfirmRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := testutil.OpenTask(t, h.st, "100.00", model.Criteria{})
	hold, err := h.ledger.Fund(ctx, task.ID)
	if err != nil {
		t.Fatalf("Fund() error = %v", err)
	}
	if got := h.task(t, task.ID); got.PaymentStatus != model.PaymentPending || got.Escrow.PaymentIntentID != hold.PaymentIntentID {
		t.Fatalf("after Fund: %s, intent %q", got.PaymentStatus, got.Escrow.PaymentIntentID)
	}
	again, err := h.ledger.Fund(ctx, task.ID)
	if err != nil || again.PaymentIntentID != hold.PaymentIntentID {
		t.Errorf("second Fund() = %+v, %v; want the existing hold", again, err)
	}
	if h.gw.Calls(payment.OpHold) != 1 {
		t.Errorf("gateway holds = %d, want 1", h.gw.Calls(payment.OpHold))
	}

	if err := h.ledger.ConfirmFunded(ctx, task.ID, "evt_1"); err != nil {
		t.Fatalf("ConfirmFunded() error = %v", err)
	}
	got := h.task(t, task.ID)
	if got.PaymentStatus != model.PaymentFunded || got.Status != model.TaskFunded {
		t.Fatalf("after confirm: %s/%s", got.Status, got.PaymentStatus)
	}

	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	h.passedAudit(t, sub, 90)
	ref, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID})
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	got = h.task(t, task.ID)
	if got.PaymentStatus != model.PaymentReleased || got.Status != model.TaskCompleted {
		t.Errorf("after release: %s/%s", got.Status, got.PaymentStatus)
	}
	if !got.Escrow.PayoutAmount.Equal(decimal.RequireFromString("85.00")) || got.Escrow.PayoutRef != ref {
		t.Errorf("escrow = %+v", got.Escrow)
	}
	if !h.gw.Captured(hold.PaymentIntentID).Equal(decimal.RequireFromString("85")) {
		t.Errorf("captured %s, want 85", h.gw.Captured(hold.PaymentIntentID))
	}

	timeline, _ := h.st.ListTimeline(ctx, task.ID)
	var released bool
	for _, e := range timeline {
		if e.Status == string(model.PaymentReleased) && strings.Contains(e.Description, "85.00 USD") {
			released = true
		}
	}
	if !released {
		t.Errorf("timeline has no release entry: %+v", timeline)
	}
	if h.rec.Count(event.PaymentStatusChanged) != 2 || h.rec.Count(event.TaskStatusChanged) != 2 {
		t.Errorf("events = %v", h.rec.Types())
	}
}

func TestRelease_ThousandDollarTask(t *testing.T) {
	h := newHarness(t)
	task := h.fund(t, "1000")
	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	audit := h.passedAudit(t, sub, 92)

	if _, err := h.ledger.Release(context.Background(), ReleaseRequest{
		TaskID:             task.ID,
		WinnerSubmissionID: sub.ID,
		AuditID:            audit.ID,
	}); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got := h.task(t, task.ID)
	if !got.Escrow.PayoutAmount.Equal(decimal.RequireFromString("850.00")) || got.Status != model.TaskCompleted {
		t.Errorf("payout %s, status %s", got.Escrow.PayoutAmount, got.Status)
	}
	if got.Escrow.WinnerSubmissionID != sub.ID {
		t.Errorf("winner = %q", got.Escrow.WinnerSubmissionID)
	}
}

func TestRelease_RequiresFunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := testutil.OpenTask(t, h.st, "100", model.Criteria{})
	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	h.passedAudit(t, sub, 100)

	_, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID})
	if !errors.Is(err, &errors.InvalidStateError{}) {
		t.Fatalf("Release() error = %v, want InvalidStateError", err)
	}
	if h.gw.Calls(payment.OpCapture) != 0 {
		t.Error("gateway must not be called for an unfunded task")
	}

	// Released and refunded tasks cannot be released again.
	released := h.fund(t, "100")
	rsub := testutil.AddSubmission(t, h.st, released.ID, model.WorkerSpec{})
	h.passedAudit(t, rsub, 100)
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: released.ID, WinnerSubmissionID: rsub.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: released.ID, WinnerSubmissionID: rsub.ID}); !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("second Release() error = %v, want InvalidStateError", err)
	}

	refunded := h.fund(t, "100")
	fsub := testutil.AddSubmission(t, h.st, refunded.ID, model.WorkerSpec{})
	h.passedAudit(t, fsub, 100)
	if _, err := h.ledger.Refund(ctx, refunded.ID, "poster cancelled"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: refunded.ID, WinnerSubmissionID: fsub.ID}); !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("Release() after refund error = %v, want InvalidStateError", err)
	}
}

func TestRelease_RequiresTaskUnderReview(t *testing.T) {
	for _, status := range []model.TaskStatus{model.TaskFunded, model.TaskInProgress} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			task := h.fund(t, "100")
			sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
			audit := h.passedAudit(t, sub, 100)
			h.setStatus(t, task.ID, status)
			timeline, _ := h.st.ListTimeline(ctx, task.ID)

			requests := []ReleaseRequest{
				{TaskID: task.ID, WinnerSubmissionID: sub.ID, AuditID: audit.ID},
				{TaskID: task.ID, WinnerSubmissionID: sub.ID, Override: true, Operator: "ops"},
			}
			for _, req := range requests {
				if _, err := h.ledger.Release(ctx, req); !errors.Is(err, &errors.InvalidTransitionError{}) {
					t.Errorf("Release(override=%v) error = %v, want InvalidTransitionError", req.Override, err)
				}
			}

			if calls := h.gw.Calls(payment.OpCapture); calls != 0 {
				t.Errorf("capture calls = %d, want 0", calls)
			}
			got := h.task(t, task.ID)
			if got.Status != status || got.PaymentStatus != model.PaymentFunded || !got.Escrow.PayoutAmount.IsZero() {
				t.Errorf("after refused release: %s/%s payout %s", got.Status, got.PaymentStatus, got.Escrow.PayoutAmount)
			}
			if after, _ := h.st.ListTimeline(ctx, task.ID); len(after) != len(timeline) {
				t.Errorf("timeline grew from %d to %d entries", len(timeline), len(after))
			}
		})
	}
}

func TestRelease_AuditRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.fund(t, "200")
	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	other := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	otherAudit := h.passedAudit(t, other, 95)

	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID}); !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("Release() without audit error = %v, want InvalidStateError", err)
	}
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID, AuditID: otherAudit.ID}); !errors.Is(err, &errors.ValidationError{}) {
		t.Errorf("Release() with another submission's audit error = %v, want ValidationError", err)
	}
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID, Override: true}); !errors.Is(err, &errors.ValidationError{}) {
		t.Errorf("override without operator error = %v, want ValidationError", err)
	}
	if h.gw.Calls(payment.OpCapture) != 0 {
		t.Fatalf("capture called %d times before a valid release", h.gw.Calls(payment.OpCapture))
	}

	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID, Override: true, Operator: "ops"}); err != nil {
		t.Fatalf("override Release() error = %v", err)
	}
	got := h.task(t, task.ID)
	if got.Escrow.WinnerSubmissionID != sub.ID || !got.Escrow.PayoutAmount.Equal(decimal.NewFromInt(170)) {
		t.Errorf("escrow = %+v", got.Escrow)
	}
}

func TestRelease_NeedsManualResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.fund(t, "100")
	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	h.passedAudit(t, sub, 100)

	flagged := h.task(t, task.ID)
	flagged.NeedsManualResolution = true
	if err := h.st.UpdateTask(ctx, store.TaskUpdate{Task: flagged}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID}); !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("Release() on flagged task error = %v, want InvalidStateError", err)
	}
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID, Override: true, Operator: "ops"}); err != nil {
		t.Errorf("operator Release() error = %v", err)
	}
}

func TestConfirmFunded_DuplicateEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := testutil.OpenTask(t, h.st, "100", model.Criteria{})
	if _, err := h.ledger.Fund(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.ledger.ConfirmFunded(ctx, task.ID, "evt_same")
		}()
	}
	wg.Wait()
	close(errs)

	applied, dup := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			applied++
		case errors.IsDuplicate(err):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if applied != 1 || dup != 9 {
		t.Errorf("applied %d, duplicates %d; want 1 and 9", applied, dup)
	}
	if h.rec.Count(event.PaymentStatusChanged) != 1 {
		t.Errorf("payment status changed %d times, want 1", h.rec.Count(event.PaymentStatusChanged))
	}

	// A different event for an already funded task records nothing new.
	if err := h.ledger.ConfirmFunded(ctx, task.ID, "evt_other"); err != nil {
		t.Errorf("second confirmation error = %v", err)
	}
	timeline, _ := h.st.ListTimeline(ctx, task.ID)
	funded := 0
	for _, e := range timeline {
		if e.Kind == model.TimelinePayment && e.Status == string(model.PaymentFunded) {
			funded++
		}
	}
	if funded != 1 {
		t.Errorf("funded timeline entries = %d, want 1", funded)
	}
}

func TestHandleEvent_DuplicateChargeCaptured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.fund(t, "100")
	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	h.passedAudit(t, sub, 100)
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID}); err != nil {
		t.Fatal(err)
	}
	before := h.rec.Count(event.PaymentStatusChanged)

	ev := payment.Event{Type: payment.EventChargeCaptured, ID: "evt_cap", TaskID: task.ID}
	for i := 0; i < 2; i++ {
		status, err := h.ledger.HandleEvent(ctx, ev)
		if err != nil {
			t.Fatalf("HandleEvent #%d error = %v", i+1, err)
		}
		if status != model.PaymentReleased {
			t.Errorf("HandleEvent #%d status = %s, want released", i+1, status)
		}
	}
	if h.rec.Count(event.PaymentStatusChanged) != before {
		t.Error("captured events after release must not change payment status")
	}
	seen, _ := h.st.EventProcessed(ctx, "evt_cap")
	if !seen {
		t.Error("event id should be recorded")
	}
}

func TestHandleEvent_CaptureWithoutRelease(t *testing.T) {
	h := newHarness(t)
	task := h.fund(t, "100")

	status, err := h.ledger.HandleEvent(context.Background(), payment.Event{Type: payment.EventChargeCaptured, ID: "evt_x", TaskID: task.ID})
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	got := h.task(t, task.ID)
	if status != model.PaymentReleased || !got.NeedsManualResolution {
		t.Errorf("status %s, flagged %v", status, got.NeedsManualResolution)
	}
}

func TestHandleEvent_CheckoutAndFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := testutil.OpenTask(t, h.st, "40", model.Criteria{})
	hold, err := h.ledger.Fund(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}

	status, err := h.ledger.HandleEvent(ctx, payment.Event{Type: payment.EventPaymentFailed, ID: "evt_f", TaskID: task.ID, Reason: "card declined"})
	if err != nil || status != model.PaymentPending {
		t.Fatalf("payment.failed = %s, %v", status, err)
	}
	if got := h.task(t, task.ID); got.Status != model.TaskOpen || got.Escrow.PaymentIntentID != "" {
		t.Errorf("after failure: %s, intent %q", got.Status, got.Escrow.PaymentIntentID)
	}

	hold, err = h.ledger.Fund(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.HandleEvent(ctx, payment.Event{Type: payment.EventCheckoutCompleted, ID: "evt_c", TaskID: task.ID, PaymentIntentID: "pi_wrong"}); !errors.Is(err, &errors.ValidationError{}) {
		t.Errorf("mismatched intent error = %v, want ValidationError", err)
	}
	status, err = h.ledger.HandleEvent(ctx, payment.Event{Type: payment.EventCheckoutCompleted, ID: "evt_c", TaskID: task.ID, PaymentIntentID: hold.PaymentIntentID})
	if err != nil || status != model.PaymentFunded {
		t.Fatalf("checkout.completed = %s, %v", status, err)
	}
	if _, err := h.ledger.HandleEvent(ctx, payment.Event{Type: "charge.disputed", ID: "evt_d", TaskID: task.ID}); !errors.Is(err, &errors.ValidationError{}) {
		t.Errorf("unknown type error = %v, want ValidationError", err)
	}

	status, err = h.ledger.HandleEvent(ctx, payment.Event{Type: payment.EventChargeRefunded, ID: "evt_r", TaskID: task.ID})
	if err != nil || status != model.PaymentRefunded {
		t.Fatalf("charge.refunded = %s, %v", status, err)
	}
	if got := h.task(t, task.ID); got.Status != model.TaskCancelled {
		t.Errorf("task status = %s, want cancelled", got.Status)
	}
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.fund(t, "100")
	ref, err := h.ledger.Refund(ctx, task.ID, "poster cancelled")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	got := h.task(t, task.ID)
	if got.PaymentStatus != model.PaymentRefunded || got.Status != model.TaskCancelled || got.Escrow.RefundRef != ref {
		t.Errorf("after refund: %s/%s ref %q", got.Status, got.PaymentStatus, got.Escrow.RefundRef)
	}
	if _, err := h.ledger.Refund(ctx, task.ID, ""); !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("second Refund() error = %v, want InvalidStateError", err)
	}

	unfunded := testutil.OpenTask(t, h.st, "100", model.Criteria{})
	if _, err := h.ledger.Refund(ctx, unfunded.ID, ""); !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("Refund() of unfunded task error = %v, want InvalidStateError", err)
	}
}

func TestRefund_FailedReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.fund(t, "100")

	review := h.task(t, task.ID)
	review.Status = model.TaskUnderReview
	if err := h.st.UpdateTask(ctx, store.TaskUpdate{Task: review}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.Refund(ctx, task.ID, ReasonFailed); err != nil {
		t.Fatal(err)
	}
	if got := h.task(t, task.ID); got.Status != model.TaskFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestGatewayRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.fund(t, "100")
	sub := testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
	h.passedAudit(t, sub, 100)

	// Default policy allows four attempts.
	h.gw.FailNext(payment.OpCapture, 4)
	_, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID})
	if !errors.Is(err, &errors.TransientInfraError{}) {
		t.Fatalf("Release() error = %v, want TransientInfraError", err)
	}
	if got := h.task(t, task.ID); got.PaymentStatus != model.PaymentFunded {
		t.Fatalf("payment status = %s after failed capture, want funded", got.PaymentStatus)
	}

	h.gw.FailNext(payment.OpCapture, 2)
	if _, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: sub.ID}); err != nil {
		t.Fatalf("Release() after transient failures error = %v", err)
	}
	if calls := h.gw.Calls(payment.OpCapture); calls != 7 {
		t.Errorf("capture calls = %d, want 7", calls)
	}
}

func TestRelease_ConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.fund(t, "100")
	subs := make([]*model.Submission, 5)
	for i := range subs {
		subs[i] = testutil.AddSubmission(t, h.st, task.ID, model.WorkerSpec{})
		h.passedAudit(t, subs[i], 100)
	}

	var wg sync.WaitGroup
	results := make(chan error, len(subs))
	for _, s := range subs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.ledger.Release(ctx, ReleaseRequest{TaskID: task.ID, WinnerSubmissionID: id})
			results <- err
		}(s.ID)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, &errors.InvalidStateError{}) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d releases succeeded, want 1", ok)
	}
	if h.gw.Calls(payment.OpCapture) != 1 {
		t.Errorf("capture calls = %d, want 1", h.gw.Calls(payment.OpCapture))
	}
}

func TestFund_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := testutil.OpenTask(t, h.st, "100", model.Criteria{})
	bad.Currency = "DOLLARS"
	if err := h.st.UpdateTask(ctx, store.TaskUpdate{Task: bad}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ledger.Fund(ctx, bad.ID); !errors.Is(err, &errors.ValidationError{}) {
		t.Errorf("Fund() with unknown currency error = %v, want ValidationError", err)
	}

	funded := h.fund(t, "100")
	if _, err := h.ledger.Fund(ctx, funded.ID); !errors.Is(err, &errors.InvalidStateError{}) {
		t.Errorf("Fund() of funded task error = %v, want InvalidStateError", err)
	}
	if _, err := h.ledger.Fund(ctx, "tsk_missing"); !errors.IsNotFound(err) {
		t.Errorf("Fund() of missing task error = %v, want not found", err)
	}
}

func TestFormatAmount(t *testing.T) {
	got := formatAmount(decimal.RequireFromString("1000"), "usd")
	if !strings.HasPrefix(got, "1") || !strings.HasSuffix(got, "000.00 USD") {
		t.Errorf("formatAmount() = %q", got)
	}
}
