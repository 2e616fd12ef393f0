// Package llm is the pipeline's reasoning provider: an OpenAI-compatible
// chat completion client used by prompt workers and by llm verification
// criteria, wrapped in a circuit breaker so a failing endpoint is skipped
// for a cooldown instead of stalling the queue.
package llm

import "context"

// Constraints bound one completion.
type Constraints struct {
	MaxTokens   int
	Temperature float32
	// System is an optional system message.
	System string
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Completion is a provider response.
type Completion struct {
	Text         string
	TokensUsed   int
	FinishReason string
}

// Provider completes prompts.
type Provider interface {
	Complete(ctx context.Context, prompt string, c Constraints) (Completion, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string, c Constraints) (Completion, error)

// Complete calls f.
func (f ProviderFunc) Complete(ctx context.Context, prompt string, c Constraints) (Completion, error) {
	return f(ctx, prompt, c)
}
