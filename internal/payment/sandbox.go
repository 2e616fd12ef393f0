package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bountyhub/bountyd/internal/errors"
)

// Op names a gateway operation for failure injection.
type Op string

const (
	OpHold    Op = "hold"
	OpCapture Op = "capture"
	OpRefund  Op = "refund"
)

type sandboxHold struct {
	amount    decimal.Decimal
	taskID    string
	payoutRef string
	refundRef string
	captured  decimal.Decimal
}

// Sandbox is an in-process Gateway for development and tests. It keeps
// holds in memory and never moves real money.
type Sandbox struct {
	mu       sync.Mutex
	holds    map[string]*sandboxHold
	failures map[Op]int
	calls    map[Op]int
}

// NewSandbox creates an empty sandbox gateway.
func NewSandbox() *Sandbox {
	return &Sandbox{
		holds:    make(map[string]*sandboxHold),
		failures: make(map[Op]int),
		calls:    make(map[Op]int),
	}
}

// FailNext makes the next n calls of op return a TransientInfraError.
func (s *Sandbox) FailNext(op Op, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Sandbox) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Captured returns the total captured from an intent.
func (s *Sandbox) Captured(paymentIntentID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.holds[paymentIntentID]; ok {
		return h.captured
	}
	return decimal.Zero
}

// injected consumes one injected failure for op. Caller holds mu.
func (s *Sandbox) injected(op Op) error {
	s.calls[op]++
	if s.failures[op] > 0 {
		s.failures[op]--
		return errors.NewTransientInfraError("sandbox "+string(op), fmt.Errorf("injected failure"))
	}
	return nil
}

// CreateEscrowHold records a new hold.
func (s *Sandbox) CreateEscrowHold(_ context.Context, amount decimal.Decimal, metadata map[string]string) (Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpHold); err != nil {
		return Hold{}, err
	}
	if !amount.IsPositive() {
		return Hold{}, errors.NewValidationError("hold amount must be positive").WithField("amount").WithValue(amount.String())
	}
	h := Hold{
		CheckoutSessionID: "cs_" + uuid.NewString(),
		PaymentIntentID:   "pi_" + uuid.NewString(),
	}
	h.CheckoutURL = "https://sandbox.invalid/checkout/" + h.CheckoutSessionID
	s.holds[h.PaymentIntentID] = &sandboxHold{amount: amount, taskID: metadata[MetaTaskID]}
	return h, nil
}

// Capture pays out of a hold. Capturing an intent twice returns the first
// payout reference.
func (s *Sandbox) Capture(_ context.Context, paymentIntentID string, amount decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpCapture); err != nil {
		return "", err
	}
	h, ok := s.holds[paymentIntentID]
	if !ok {
		return "", errors.NewNotFoundError("payment intent", paymentIntentID)
	}
	if h.refundRef != "" {
		return "", errors.NewInvalidStateError("payment intent", paymentIntentID, "capture").WithCurrent("refunded")
	}
	if h.payoutRef != "" {
		return h.payoutRef, nil
	}
	if amount.GreaterThan(h.amount) {
		return "", errors.NewValidationError("capture exceeds hold").WithField("amount").WithValue(amount.String())
	}
	h.captured = amount
	h.payoutRef = "po_" + uuid.NewString()
	return h.payoutRef, nil
}

// Refund voids a hold. Refunding twice returns the first reference.
func (s *Sandbox) Refund(_ context.Context, paymentIntentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpRefund); err != nil {
		return "", err
	}
	h, ok := s.holds[paymentIntentID]
	if !ok {
		return "", errors.NewNotFoundError("payment intent", paymentIntentID)
	}
	if h.payoutRef != "" {
		return "", errors.NewInvalidStateError("payment intent", paymentIntentID, "refund").WithCurrent("captured")
	}
	if h.refundRef == "" {
		h.refundRef = "re_" + uuid.NewString()
	}
	return h.refundRef, nil
}

var _ Gateway = (*Sandbox)(nil)
