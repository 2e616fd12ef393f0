package sandbox

import (
	"context"
	"strings"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/llm"
)

// PromptBackend runs prompt workers against a reasoning provider.
type PromptBackend struct {
	Provider llm.Provider
	// System is sent as the system message of every completion.
	System string
}

// Run sends the prompt (with Input appended) and returns the completion.
func (p *PromptBackend) Run(ctx context.Context, inv Invocation, lim Limits) Result {
	if strings.TrimSpace(inv.Prompt) == "" {
		return Result{Outcome: OutcomeFailed, Err: errors.NewValidationError("prompt worker has no prompt").WithField("prompt")}
	}
	prompt := inv.Prompt
	if inv.Input != "" {
		prompt += "\n\n" + inv.Input
	}

	out, err := p.Provider.Complete(ctx, prompt, llm.Constraints{MaxTokens: lim.MaxTokens, System: p.System})
	res := Result{Output: out.Text, Usage: usageTokens(out.TokensUsed)}
	switch {
	case err == nil:
		res.Outcome = OutcomeSucceeded
	case ctx.Err() != nil:
		res.Err = err
	case errors.IsRetryable(err), errors.Is(err, errors.ErrProviderUnavailable):
		res.Outcome = OutcomeInfraError
		res.Err = err
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
	}
	return res
}

// FuncWorker is an in-process worker.
type FuncWorker func(ctx context.Context, input string) (string, error)

// FuncBackend runs an in-process Go function. It cannot enforce a memory
// ceiling; timeouts rely on the function honouring ctx, and a function that
// ignores it is abandoned after the grace period.
type FuncBackend struct {
	Fn FuncWorker
}

// Run calls Fn with the invocation's input.
func (f *FuncBackend) Run(ctx context.Context, inv Invocation, _ Limits) Result {
	out, err := f.Fn(ctx, inv.Input)
	res := Result{Output: out, Err: err}
	switch {
	case err == nil:
		res.Outcome = OutcomeSucceeded
	case ctx.Err() != nil:
	case errors.IsRetryable(err):
		res.Outcome = OutcomeInfraError
	default:
		res.Outcome = OutcomeFailed
	}
	return res
}
