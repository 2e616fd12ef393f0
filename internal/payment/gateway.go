// Package payment defines the pipeline's view of the external payment
// processor: the Gateway the escrow ledger calls, the webhook events the
// processor sends back, and the signature check every event must pass
// before it may touch state.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Hold is the processor's reference to an authorized, uncaptured charge.
type Hold struct {
	CheckoutSessionID string `json:"checkout_session_id"`
	PaymentIntentID   string `json:"payment_intent_id"`
	// CheckoutURL is where the task poster completes payment, when the
	// processor uses a hosted checkout.
	CheckoutURL string `json:"checkout_url,omitempty"`
}

// Gateway is the payment processor contract. Implementations return
// *errors.TransientInfraError for failures that are safe to retry.
type Gateway interface {
	// CreateEscrowHold authorizes amount without capturing it.
	CreateEscrowHold(ctx context.Context, amount decimal.Decimal, metadata map[string]string) (Hold, error)
	// Capture pays amount out of a held intent and returns the payout reference.
	Capture(ctx context.Context, paymentIntentID string, amount decimal.Decimal) (string, error)
	// Refund returns the full held amount to the payer.
	Refund(ctx context.Context, paymentIntentID string) (string, error)
}

// Metadata keys attached to holds.
const (
	MetaTaskID   = "task_id"
	MetaCurrency = "currency"
)
