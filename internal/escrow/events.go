package escrow

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/payment"
)

// HandleEvent applies a verified processor webhook and returns the task's
// payment status afterwards. Redelivered events are no-ops and return the
// current status without an error.
func (l *Ledger) HandleEvent(ctx context.Context, ev payment.Event) (model.PaymentStatus, error) {
	if ev.ID == "" || ev.TaskID == "" {
		return "", errors.NewValidationError("payment event needs an event id and a task id")
	}
	if !ev.Type.Known() {
		return "", errors.NewValidationError("unknown payment event type").WithField("type").WithValue(string(ev.Type))
	}

	unlock, err := l.locks.Lock(ctx, ev.TaskID)
	if err != nil {
		return "", err
	}
	defer unlock()

	task, err := l.store.GetTask(ctx, ev.TaskID)
	if err != nil {
		return "", err
	}
	if ev.PaymentIntentID != "" && task.Escrow.PaymentIntentID != "" && ev.PaymentIntentID != task.Escrow.PaymentIntentID {
		return "", errors.NewValidationError("payment intent does not match the task's hold").
			WithField("paymentIntentId").WithValue(ev.PaymentIntentID)
	}
	logger := l.logger.WithTask(ev.TaskID).With("event_id", ev.ID, "event_type", string(ev.Type))

	switch ev.Type {
	case payment.EventCheckoutCompleted:
		err = l.confirmFundedLocked(ctx, ev.TaskID, ev.ID)
	case payment.EventChargeCaptured:
		err = l.confirmCaptured(ctx, ev)
	case payment.EventChargeRefunded:
		err = l.confirmRefunded(ctx, ev)
	case payment.EventPaymentFailed:
		err = l.recordFailure(ctx, ev)
	}
	if err != nil && !errors.IsDuplicate(err) {
		logger.Warn("payment event rejected", "error", err)
		return "", err
	}
	if err == nil {
		logger.Info("payment event applied")
	}
	return l.Status(ctx, ev.TaskID)
}

// confirmCaptured reconciles a capture reported by the processor. After a
// normal release it only records the event id. A capture the ledger never
// recorded releases the funds and flags the task for an operator, since
// the winner is unknown.
func (l *Ledger) confirmCaptured(ctx context.Context, ev payment.Event) error {
	before, after, err := l.apply(ctx, ev.TaskID, ev.ID, func(t *model.Task) ([]model.TimelineEntry, error) {
		switch t.PaymentStatus {
		case model.PaymentReleased:
			return nil, nil
		case model.PaymentFunded:
		default:
			return nil, errors.NewInvalidTransitionError("payment", t.ID, string(t.PaymentStatus), string(model.PaymentReleased))
		}
		now := l.now()
		t.PaymentStatus = model.PaymentReleased
		t.Escrow.ReleasedAt = &now
		t.NeedsManualResolution = true
		return []model.TimelineEntry{model.NewTimelineEntry(t.ID, model.TimelinePayment, string(model.PaymentReleased),
			"Processor reported a capture with no recorded release; needs manual resolution")}, nil
	})
	if err != nil {
		return err
	}
	l.publishChanges(before, after, "capture reported by processor")
	return nil
}

func (l *Ledger) confirmRefunded(ctx context.Context, ev payment.Event) error {
	before, after, err := l.apply(ctx, ev.TaskID, ev.ID, func(t *model.Task) ([]model.TimelineEntry, error) {
		switch t.PaymentStatus {
		case model.PaymentRefunded:
			return nil, nil
		case model.PaymentFunded:
		default:
			return nil, errors.NewInvalidTransitionError("payment", t.ID, string(t.PaymentStatus), string(model.PaymentRefunded))
		}
		return l.markRefunded(t, t.Escrow.RefundRef, "reported by processor"), nil
	})
	if err != nil {
		return err
	}
	l.publishChanges(before, after, "refund reported by processor")
	return nil
}

// recordFailure notes a failed payment. The task stays open and pending so
// the poster can fund it again.
func (l *Ledger) recordFailure(ctx context.Context, ev payment.Event) error {
	_, _, err := l.apply(ctx, ev.TaskID, ev.ID, func(t *model.Task) ([]model.TimelineEntry, error) {
		desc := "Payment failed"
		if ev.Reason != "" {
			desc += ": " + ev.Reason
		}
		if t.PaymentStatus == model.PaymentPending {
			// A new checkout is needed.
			t.Escrow.CheckoutSessionID = ""
			t.Escrow.PaymentIntentID = ""
		}
		return []model.TimelineEntry{model.NewTimelineEntry(t.ID, model.TimelinePayment, string(t.PaymentStatus), desc)}, nil
	})
	return err
}

// publishChanges emits status events for whatever differs between before
// and after.
func (l *Ledger) publishChanges(before, after *model.Task, reason string) {
	if l.bus == nil || before == nil || after == nil {
		return
	}
	if before.PaymentStatus != after.PaymentStatus {
		l.bus.Publish(event.NewPaymentStatusChangedEvent(after.ID, string(before.PaymentStatus), string(after.PaymentStatus), reason))
	}
	if before.Status != after.Status {
		l.bus.Publish(event.NewTaskStatusChangedEvent(after.ID, string(before.Status), string(after.Status), reason))
	}
}

// currencyCode validates a task's ISO 4217 code, falling back to def.
func currencyCode(code, def string) (string, error) {
	if code == "" {
		code = def
	}
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return "", errors.NewValidationError("unknown currency").WithField("currency").WithValue(code)
	}
	return unit.String(), nil
}

// formatAmount renders an amount for timeline text, e.g. "1,000.00 USD".
func formatAmount(amount decimal.Decimal, code string) string {
	f, _ := amount.Round(2).Float64()
	if unit, err := currency.ParseISO(strings.ToUpper(code)); err == nil {
		code = unit.String()
	}
	return message.NewPrinter(language.English).Sprintf("%.2f %s", f, code)
}
