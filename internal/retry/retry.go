// Package retry provides the bounded exponential backoff used at the
// pipeline's external boundaries.
//
// A Policy answers two questions: how long to wait before retry n, and
// whether retry n is still allowed. The execution queue uses NextDelay to
// stamp nextRetryAt on replacement executions; the escrow ledger uses Do to
// wrap payment gateway calls. Only errors classified as retryable by
// errors.IsRetryable are retried; domain violations return immediately.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
)

// Policy is a capped exponential backoff.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the delay before the first retry; it doubles each retry.
	BaseDelay time.Duration
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter spreads each delay by up to +/- this fraction (0 to 1).
	Jitter float64
}

// NextDelay returns the delay before retry number retry (0-based):
// BaseDelay * 2^retry, capped at MaxDelay.
func (p Policy) NextDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			// overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Allows reports whether another retry fits the budget once retries
// retries have already been made.
func (p Policy) Allows(retries int) bool {
	return retries < p.MaxRetries
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Do calls op until it succeeds, returns a non-retryable error, the retry
// budget is spent, or ctx is done. After the cap the last error is returned
// wrapped in a TransientInfraError carrying the attempt count.
func Do(ctx context.Context, name string, p Policy, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return err
		}
		if !p.Allows(attempt) {
			break
		}

		timer := time.NewTimer(p.jittered(p.NextDelay(attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}

	var infra *errors.TransientInfraError
	if errors.As(err, &infra) {
		return infra.WithAttempts(p.MaxRetries + 1)
	}
	return errors.NewTransientInfraError(name, err).WithAttempts(p.MaxRetries + 1)
}
