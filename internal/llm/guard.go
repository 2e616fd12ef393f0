package llm

import (
	"context"
	"sync"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
)

// Guard is a circuit breaker around a Provider. After maxFailures
// consecutive failures it rejects calls with ErrProviderUnavailable until
// cooldown has passed; the next call after that is a trial.
type Guard struct {
	provider    Provider
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu            sync.Mutex
	failures      int
	disabledUntil time.Time
}

// NewGuard wraps p. maxFailures <= 0 disables the breaker.
func NewGuard(p Provider, maxFailures int, cooldown time.Duration) *Guard {
	return &Guard{
		provider:    p,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a call would currently be attempted.
func (g *Guard) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil.IsZero() || g.now().After(g.disabledUntil)
}

// Complete forwards to the wrapped provider unless the breaker is open.
func (g *Guard) Complete(ctx context.Context, prompt string, c Constraints) (Completion, error) {
	if !g.Allow() {
		return Completion{}, errors.Wrapf(errors.ErrProviderUnavailable, "circuit open until %s", g.DisabledUntil().Format(time.RFC3339))
	}
	out, err := g.provider.Complete(ctx, prompt, c)
	switch {
	case err == nil:
		g.recordSuccess()
	case ctx.Err() == nil && !errors.Is(err, errors.ErrInvalidInput):
		g.recordFailure()
	}
	return out, err
}

func (g *Guard) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxFailures <= 0 {
		return
	}
	g.failures++
	if g.failures >= g.maxFailures {
		g.disabledUntil = g.now().Add(g.cooldown)
	}
}

func (g *Guard) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.disabledUntil = time.Time{}
}

// DisabledUntil returns when the breaker closes again, or zero.
func (g *Guard) DisabledUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil
}

// Failures returns the consecutive failure count.
func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

var _ Provider = (*Guard)(nil)
