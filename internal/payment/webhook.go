package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>".
const SignatureHeader = "X-Signature"

// DefaultTolerance is how far a signature timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

// EventType is a processor webhook event type.
type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.completed"
	EventChargeCaptured    EventType = "charge.captured"
	EventChargeRefunded    EventType = "charge.refunded"
	EventPaymentFailed     EventType = "payment.failed"
)

// Known reports whether t is an event type the ledger handles.
func (t EventType) Known() bool {
	switch t {
	case EventCheckoutCompleted, EventChargeCaptured, EventChargeRefunded, EventPaymentFailed:
		return true
	}
	return false
}

// Event is a decoded webhook payload.
type Event struct {
	Type            EventType `json:"type"`
	ID              string    `json:"eventId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	TaskID          string    `json:"taskId"`
	// Reason is set on payment.failed.
	Reason string `json:"reason,omitempty"`
}

// Sign computes the X-Signature header value for body at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeMAC(secret, unix, body)
}

func computeMAC(secret, unix string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier authenticates webhook bodies.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A zero tolerance uses DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock replaces the verifier's clock.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks header against body. Any header carrying a matching v1
// signature within tolerance passes; several v1 values are allowed during
// secret rotation.
func (v *Verifier) Verify(header string, body []byte) error {
	if v.secret == "" {
		return errors.NewSignatureError("webhook secret is not configured")
	}
	if header == "" {
		return errors.NewSignatureError("missing " + SignatureHeader + " header")
	}

	var (
		unix string
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			unix = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if unix == "" || len(sigs) == 0 {
		return errors.NewSignatureError("malformed signature header")
	}

	secs, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return errors.NewSignatureError("malformed signature timestamp")
	}
	age := v.now().Sub(time.Unix(secs, 0))
	if age > v.tolerance || age < -v.tolerance {
		return errors.NewSignatureError(fmt.Sprintf("timestamp outside tolerance (%s)", age.Round(time.Second)))
	}

	want := []byte(computeMAC(v.secret, unix, body))
	for _, sig := range sigs {
		if hmac.Equal(want, []byte(sig)) {
			return nil
		}
	}
	return errors.NewSignatureError("signature mismatch")
}

// ParseEvent decodes and sanity-checks a verified body.
func ParseEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, errors.NewValidationError("malformed event body").WithField("body")
	}
	if e.ID == "" {
		return Event{}, errors.NewValidationError("event id is required").WithField("eventId")
	}
	if !e.Type.Known() {
		return Event{}, errors.NewValidationError("unknown event type").WithField("type").WithValue(string(e.Type))
	}
	// The hold is created with the task id in its metadata, which the
	// processor echoes on every event for that hold.
	if e.TaskID == "" {
		return Event{}, errors.NewValidationError("event has no task id").WithField("taskId")
	}
	return e, nil
}

// VerifyAndParse authenticates body and then decodes it. Nothing is
// decoded from an unauthenticated body.
func (v *Verifier) VerifyAndParse(header string, body []byte) (Event, error) {
	if err := v.Verify(header, body); err != nil {
		return Event{}, err
	}
	return ParseEvent(body)
}
