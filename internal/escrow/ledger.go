// Package escrow owns a task's payment status. It is the only writer of
// payment_status and the escrow record.
//
// Payment moves one way: pending -> funded -> released, or funded ->
// refunded. Release and refund call the external gateway first and then
// commit the transition and its timeline entry in a single store write.
// Gateway failures marked retryable are retried with bounded backoff.
// Domain violations are returned at once.
//
// All writes for a task happen under a per-task lock, and each write is
// also guarded by the task's version in the store. Processor webhooks carry
// an event id that is recorded in the same write as the transition it
// causes, so a redelivered event changes nothing.
package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/keylock"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/payment"
	"github.com/bountyhub/bountyd/internal/retry"
	"github.com/bountyhub/bountyd/internal/store"
)

// ReasonFailed makes Refund move the task to failed instead of cancelled.
const ReasonFailed = "failed"

// maxWriteAttempts bounds re-reads after a version conflict.
const maxWriteAttempts = 3

var hundred = decimal.NewFromInt(100)

// ReleaseRequest asks for a task's reward to be paid to a winning submission.
type ReleaseRequest struct {
	TaskID             string
	WinnerSubmissionID string
	// AuditID names the passed audit backing the release. When empty, any
	// passed audit of the winning submission is accepted.
	AuditID string
	// Override releases without a passed audit. Operator must be set.
	Override bool
	Operator string
}

// Ledger is the escrow state machine.
type Ledger struct {
	store   store.Store
	gateway payment.Gateway
	bus     *event.Bus
	logger  *logging.Logger
	cfg     config.EscrowConfig
	policy  retry.Policy
	now     func() time.Time
	locks   *keylock.Locker
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithBus publishes payment and task status events on b.
func WithBus(b *event.Bus) Option {
	return func(l *Ledger) { l.bus = b }
}

// WithLogger sets the ledger's logger.
func WithLogger(lg *logging.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg.WithComponent("escrow")
		}
	}
}

// WithClock overrides the clock used for escrow timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger. It panics if st or gw is nil.
func New(st store.Store, gw payment.Gateway, cfg config.EscrowConfig, opts ...Option) *Ledger {
	if st == nil {
		panic("escrow: store is required")
	}
	if gw == nil {
		panic("escrow: gateway is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	attempts := max(cfg.GatewayRetryAttempts, 1)

	l := &Ledger{
		store:   st,
		gateway: gw,
		logger:  logging.NopLogger(),
		cfg:     cfg,
		policy: retry.Policy{
			MaxRetries: attempts - 1,
			BaseDelay:  cfg.GatewayRetryBase,
			MaxDelay:   cfg.GatewayRetryMax,
			Jitter:     0.1,
		},
		now:   time.Now,
		locks: keylock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fund creates the processor hold for a task's reward. The task stays
// pending until the processor confirms payment. Funding a task that already
// has a hold returns the existing hold.
func (l *Ledger) Fund(ctx context.Context, taskID string) (payment.Hold, error) {
	unlock, err := l.locks.Lock(ctx, taskID)
	if err != nil {
		return payment.Hold{}, err
	}
	defer unlock()

	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return payment.Hold{}, err
	}
	if task.PaymentStatus != model.PaymentPending || task.Status != model.TaskOpen {
		return payment.Hold{}, errors.NewInvalidStateError("task", taskID, "fund").
			WithCurrent(fmt.Sprintf("%s/%s", task.Status, task.PaymentStatus)).
			WithRequired(fmt.Sprintf("%s/%s", model.TaskOpen, model.PaymentPending))
	}
	if task.Escrow.PaymentIntentID != "" {
		return payment.Hold{
			CheckoutSessionID: task.Escrow.CheckoutSessionID,
			PaymentIntentID:   task.Escrow.PaymentIntentID,
		}, nil
	}
	if !task.Reward.IsPositive() {
		return payment.Hold{}, errors.NewValidationError("reward must be positive").
			WithField("reward").WithValue(task.Reward.String())
	}
	code, err := currencyCode(task.Currency, l.cfg.Currency)
	if err != nil {
		return payment.Hold{}, err
	}

	var hold payment.Hold
	meta := map[string]string{payment.MetaTaskID: task.ID, payment.MetaCurrency: code}
	err = retry.Do(ctx, "escrow hold", l.policy, func(ctx context.Context) error {
		var err error
		hold, err = l.gateway.CreateEscrowHold(ctx, task.Reward, meta)
		return err
	})
	if err != nil {
		l.logger.WithTask(taskID).Error("escrow hold failed", "error", err)
		return payment.Hold{}, err
	}

	_, _, err = l.apply(ctx, taskID, "", func(t *model.Task) ([]model.TimelineEntry, error) {
		if t.PaymentStatus != model.PaymentPending {
			return nil, errors.NewInvalidStateError("task", taskID, "fund").WithCurrent(string(t.PaymentStatus))
		}
		t.Escrow.CheckoutSessionID = hold.CheckoutSessionID
		t.Escrow.PaymentIntentID = hold.PaymentIntentID
		if t.Escrow.FeePercent.IsZero() {
			t.Escrow.FeePercent = l.cfg.PlatformFeePercent
		}
		return []model.TimelineEntry{model.NewTimelineEntry(taskID, model.TimelinePayment, string(model.PaymentPending),
			fmt.Sprintf("Escrow hold of %s created, awaiting payment", formatAmount(t.Reward, code)))}, nil
	})
	if err != nil {
		return payment.Hold{}, err
	}
	l.logger.WithTask(taskID).Info("escrow hold created", "payment_intent", hold.PaymentIntentID)
	return hold, nil
}

// ConfirmFunded records the processor's confirmation that the reward is
// held. A repeated eventID returns a DuplicateEventError and changes nothing.
func (l *Ledger) ConfirmFunded(ctx context.Context, taskID, eventID string) error {
	if eventID == "" {
		return errors.NewValidationError("event id is required").WithField("event_id")
	}
	unlock, err := l.locks.Lock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()
	return l.confirmFundedLocked(ctx, taskID, eventID)
}

func (l *Ledger) confirmFundedLocked(ctx context.Context, taskID, eventID string) error {
	before, after, err := l.apply(ctx, taskID, eventID, func(t *model.Task) ([]model.TimelineEntry, error) {
		switch t.PaymentStatus {
		case model.PaymentFunded:
			// Already confirmed by another event; only the id is recorded.
			return nil, nil
		case model.PaymentPending:
		default:
			return nil, errors.NewInvalidTransitionError("payment", taskID, string(t.PaymentStatus), string(model.PaymentFunded))
		}

		now := l.now()
		t.PaymentStatus = model.PaymentFunded
		t.Escrow.AmountHeld = t.Reward
		t.Escrow.FundedAt = &now
		if t.Escrow.FeePercent.IsZero() {
			t.Escrow.FeePercent = l.cfg.PlatformFeePercent
		}
		entries := []model.TimelineEntry{model.NewTimelineEntry(taskID, model.TimelinePayment, string(model.PaymentFunded),
			fmt.Sprintf("Payment of %s confirmed and held in escrow", formatAmount(t.Reward, l.code(t))))}

		switch {
		case t.Status == model.TaskOpen:
			t.Status = model.TaskFunded
			entries = append(entries, model.NewTimelineEntry(taskID, model.TimelineTask, string(model.TaskFunded),
				"Task funded and open for submissions"))
		case t.Status.IsTerminal():
			t.NeedsManualResolution = true
			entries = append(entries, model.NewTimelineEntry(taskID, model.TimelineTask, string(t.Status),
				fmt.Sprintf("Payment arrived for a %s task; refund required", t.Status)))
		}
		return entries, nil
	})
	if err != nil {
		if errors.IsDuplicate(err) {
			l.logger.WithTask(taskID).Info("duplicate payment event ignored", "event_id", eventID)
		}
		return err
	}
	l.publishChanges(before, after, "payment confirmed")
	return nil
}

// Release pays the task's reward, less the platform fee, to the winning
// submission and completes the task. The task must be funded, and unless
// the request is an operator override, the winner must have a passed audit.
func (l *Ledger) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	if req.TaskID == "" || req.WinnerSubmissionID == "" {
		return "", errors.NewValidationError("task id and winner submission id are required")
	}
	if req.Override && strings.TrimSpace(req.Operator) == "" {
		return "", errors.NewValidationError("override requires an operator").WithField("operator")
	}

	unlock, err := l.locks.Lock(ctx, req.TaskID)
	if err != nil {
		return "", err
	}
	defer unlock()

	task, err := l.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return "", err
	}
	if err := l.checkReleasable(task, req); err != nil {
		return "", err
	}
	sub, err := l.store.GetSubmission(ctx, req.WinnerSubmissionID)
	if err != nil {
		return "", err
	}
	if sub.TaskID != task.ID {
		return "", errors.NewValidationError("submission does not belong to task").
			WithField("winner_submission_id").WithValue(sub.ID)
	}
	if !req.Override {
		if err := l.requirePassedAudit(ctx, task.ID, sub.ID, req.AuditID); err != nil {
			return "", err
		}
	}

	payout := Payout(task.Escrow.AmountHeld, l.feePercent(task))
	var payoutRef string
	err = retry.Do(ctx, "escrow capture", l.policy, func(ctx context.Context) error {
		var err error
		payoutRef, err = l.gateway.Capture(ctx, task.Escrow.PaymentIntentID, payout)
		return err
	})
	if err != nil {
		l.logger.WithTask(task.ID).Error("escrow capture failed", "error", err)
		return "", err
	}

	before, after, err := l.apply(ctx, task.ID, "", func(t *model.Task) ([]model.TimelineEntry, error) {
		if err := l.checkReleasable(t, req); err != nil {
			return nil, err
		}
		now := l.now()
		t.PaymentStatus = model.PaymentReleased
		t.Status = model.TaskCompleted
		t.NeedsManualResolution = false
		t.Escrow.PayoutAmount = payout
		t.Escrow.PayoutRef = payoutRef
		t.Escrow.WinnerSubmissionID = sub.ID
		t.Escrow.ReleasedAt = &now

		desc := fmt.Sprintf("Released %s to submission %s (platform fee %s%%)",
			formatAmount(payout, l.code(t)), sub.ID, l.feePercent(t).String())
		if req.Override {
			desc += fmt.Sprintf(", override by %s", req.Operator)
		}
		return []model.TimelineEntry{
			model.NewTimelineEntry(t.ID, model.TimelinePayment, string(model.PaymentReleased), desc),
			model.NewTimelineEntry(t.ID, model.TimelineTask, string(model.TaskCompleted), "Task completed"),
		}, nil
	})
	if err != nil {
		// The processor has paid out but the record did not move. A later
		// charge.captured event reconciles it.
		l.logger.WithTask(task.ID).Error("release captured but not recorded", "payout_ref", payoutRef, "error", err)
		return "", err
	}

	l.logger.WithTask(task.ID).WithSubmission(sub.ID).Info("escrow released",
		"payout", payout.StringFixed(2), "payout_ref", payoutRef, "override", req.Override)
	l.publishChanges(before, after, "reward released")
	return payoutRef, nil
}

func (l *Ledger) checkReleasable(t *model.Task, req ReleaseRequest) error {
	if t.PaymentStatus != model.PaymentFunded {
		return errors.NewInvalidStateError("task", t.ID, "release").
			WithCurrent(string(t.PaymentStatus)).
			WithRequired(string(model.PaymentFunded))
	}
	if t.Status.IsTerminal() {
		return errors.NewInvalidStateError("task", t.ID, "release").
			WithCurrent(string(t.Status)).
			WithMessage("task is already closed")
	}
	// Only a task under review can complete, override or not.
	if !t.Status.CanTransition(model.TaskCompleted) {
		return errors.NewInvalidTransitionError("task", t.ID, string(t.Status), string(model.TaskCompleted))
	}
	if t.NeedsManualResolution && !req.Override {
		return errors.NewInvalidStateError("task", t.ID, "release").
			WithMessage("task needs manual resolution")
	}
	return nil
}

func (l *Ledger) requirePassedAudit(ctx context.Context, taskID, submissionID, auditID string) error {
	if auditID != "" {
		a, err := l.store.GetAudit(ctx, auditID)
		if err != nil {
			return err
		}
		if a.TaskID != taskID || a.SubmissionID != submissionID {
			return errors.NewValidationError("audit does not belong to the winning submission").
				WithField("audit_id").WithValue(auditID)
		}
		if a.Status != model.AuditPassed {
			return errors.NewInvalidStateError("audit", auditID, "release").
				WithCurrent(string(a.Status)).
				WithRequired(string(model.AuditPassed))
		}
		return nil
	}

	audits, err := l.store.ListAudits(ctx, taskID)
	if err != nil {
		return err
	}
	for _, a := range audits {
		if a.SubmissionID == submissionID && a.Status == model.AuditPassed {
			return nil
		}
	}
	return errors.NewInvalidStateError("submission", submissionID, "release").
		WithMessage("no passed audit")
}

// Refund returns the held reward to the payer. The task is cancelled, or
// failed when reason is ReasonFailed. A task that is already closed keeps
// its status.
func (l *Ledger) Refund(ctx context.Context, taskID, reason string) (string, error) {
	unlock, err := l.locks.Lock(ctx, taskID)
	if err != nil {
		return "", err
	}
	defer unlock()

	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.PaymentStatus != model.PaymentFunded {
		return "", errors.NewInvalidStateError("task", taskID, "refund").
			WithCurrent(string(task.PaymentStatus)).
			WithRequired(string(model.PaymentFunded))
	}

	var refundRef string
	err = retry.Do(ctx, "escrow refund", l.policy, func(ctx context.Context) error {
		var err error
		refundRef, err = l.gateway.Refund(ctx, task.Escrow.PaymentIntentID)
		return err
	})
	if err != nil {
		l.logger.WithTask(taskID).Error("escrow refund failed", "error", err)
		return "", err
	}

	before, after, err := l.apply(ctx, taskID, "", func(t *model.Task) ([]model.TimelineEntry, error) {
		if t.PaymentStatus != model.PaymentFunded {
			return nil, errors.NewInvalidTransitionError("payment", taskID, string(t.PaymentStatus), string(model.PaymentRefunded))
		}
		return l.markRefunded(t, refundRef, reason), nil
	})
	if err != nil {
		l.logger.WithTask(taskID).Error("refund issued but not recorded", "refund_ref", refundRef, "error", err)
		return "", err
	}
	l.logger.WithTask(taskID).Info("escrow refunded", "refund_ref", refundRef, "reason", reason)
	l.publishChanges(before, after, reason)
	return refundRef, nil
}

func (l *Ledger) markRefunded(t *model.Task, refundRef, reason string) []model.TimelineEntry {
	now := l.now()
	t.PaymentStatus = model.PaymentRefunded
	t.Escrow.RefundRef = refundRef
	t.Escrow.RefundedAt = &now
	t.NeedsManualResolution = false

	desc := fmt.Sprintf("Refunded %s to the task poster", formatAmount(t.Escrow.AmountHeld, l.code(t)))
	if reason != "" {
		desc += ": " + reason
	}
	entries := []model.TimelineEntry{model.NewTimelineEntry(t.ID, model.TimelinePayment, string(model.PaymentRefunded), desc)}
	if !t.Status.IsTerminal() {
		next := model.TaskCancelled
		if reason == ReasonFailed && t.Status.CanTransition(model.TaskFailed) {
			next = model.TaskFailed
		}
		t.Status = next
		entries = append(entries, model.NewTimelineEntry(t.ID, model.TimelineTask, string(next), "Task closed after refund"))
	}
	return entries
}

// Status returns the task's payment status.
func (l *Ledger) Status(ctx context.Context, taskID string) (model.PaymentStatus, error) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.PaymentStatus, nil
}

// Payout returns amount less feePercent percent, rounded half-up to cents.
func Payout(amount, feePercent decimal.Decimal) decimal.Decimal {
	rate := decimal.NewFromInt(1).Sub(feePercent.Div(hundred))
	return amount.Mul(rate).Round(2)
}

func (l *Ledger) feePercent(t *model.Task) decimal.Decimal {
	if t.Escrow.FeePercent.IsZero() {
		return l.cfg.PlatformFeePercent
	}
	return t.Escrow.FeePercent
}

func (l *Ledger) code(t *model.Task) string {
	if t.Currency != "" {
		return t.Currency
	}
	return l.cfg.Currency
}

// apply re-reads the task, lets fn mutate it and commits the result with
// fn's timeline entries, retrying on version conflicts. It returns the task
// as read and as written. A non-empty eventID is recorded even when fn
// changes nothing. Writes ignore ctx cancellation because they follow
// gateway calls that already moved money.
func (l *Ledger) apply(ctx context.Context, taskID, eventID string, fn func(*model.Task) ([]model.TimelineEntry, error)) (*model.Task, *model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		task, err := l.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, nil, err
		}
		if eventID != "" {
			seen, err := l.store.EventProcessed(ctx, eventID)
			if err != nil {
				return nil, nil, err
			}
			if seen {
				return nil, nil, errors.NewDuplicateEventError(eventID, taskID)
			}
		}
		before := task.Clone()
		entries, err := fn(task)
		if err != nil {
			return nil, nil, err
		}
		err = l.store.UpdateTask(ctx, store.TaskUpdate{Task: task, Timeline: entries, EventID: eventID})
		if err == nil {
			return before, task, nil
		}
		if !errors.Is(err, errors.ErrVersionConflict) || attempt >= maxWriteAttempts {
			return nil, nil, err
		}
	}
}
