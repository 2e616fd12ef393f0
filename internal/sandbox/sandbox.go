package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailed         Outcome = "failed"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeMemoryExceeded Outcome = "memory_exceeded"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeInfraError     Outcome = "infra_error"
)

// Retryable reports whether a run with this outcome may be attempted again.
func (o Outcome) Retryable() bool {
	return o == OutcomeTimeout || o == OutcomeMemoryExceeded || o == OutcomeInfraError
}

// ExecutionStatus maps an outcome to the terminal execution status.
// Exceeding either resource bound is recorded as timeout.
func (o Outcome) ExecutionStatus() model.ExecutionStatus {
	switch o {
	case OutcomeSucceeded:
		return model.ExecutionCompleted
	case OutcomeTimeout, OutcomeMemoryExceeded:
		return model.ExecutionTimeout
	case OutcomeCancelled:
		return model.ExecutionCancelled
	default:
		return model.ExecutionFailed
	}
}

// Invocation is what to run.
type Invocation struct {
	Kind    model.WorkerKind
	Command []string
	Code    string
	Prompt  string
	Input   string
	// Env is added to the scrubbed environment, e.g. leased credentials.
	Env map[string]string
}

// InvocationFor builds an Invocation from a submission's worker spec.
func InvocationFor(spec model.WorkerSpec, env map[string]string) Invocation {
	return Invocation{
		Kind:    spec.Kind,
		Command: append([]string(nil), spec.Command...),
		Code:    spec.Code,
		Prompt:  spec.Prompt,
		Input:   spec.Input,
		Env:     env,
	}
}

// Limits bound one run.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes int64
	// CancelGrace is how long a cancelled or timed out worker gets to exit
	// before it is killed.
	CancelGrace time.Duration
	// MaxTokens bounds prompt workers.
	MaxTokens int
}

// Result is what a run produced.
type Result struct {
	Output  string
	Logs    string
	Usage   model.ResourceUsage
	Outcome Outcome
	Err     error
}

// Backend runs invocations of one worker kind. Backends honour ctx and
// report OutcomeMemoryExceeded themselves; the Executor decides timeout and
// cancellation.
type Backend interface {
	Run(ctx context.Context, inv Invocation, lim Limits) Result
}

// Executor routes invocations to backends and enforces the limits.
type Executor struct {
	backends map[model.WorkerKind]Backend
	logger   *logging.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithBackend registers b for kind.
func WithBackend(kind model.WorkerKind, b Backend) Option {
	return func(e *Executor) { e.backends[kind] = b }
}

// WithLogger sets the executor's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an Executor with no backends registered.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		backends: make(map[model.WorkerKind]Backend),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes inv under lim. It returns when the backend finishes, or at
// most CancelGrace after the deadline or cancellation.
func (e *Executor) Run(ctx context.Context, inv Invocation, lim Limits) Result {
	b, ok := e.backends[inv.Kind]
	if !ok {
		return Result{
			Outcome: OutcomeFailed,
			Err:     errors.NewValidationError(fmt.Sprintf("no backend for worker kind %q", inv.Kind)).WithField("kind"),
		}
	}

	runCtx := ctx
	cancel := func() {}
	if lim.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, lim.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		var res Result
		var pc panics.Catcher
		pc.Try(func() { res = b.Run(runCtx, inv, lim) })
		if r := pc.Recovered(); r != nil {
			e.logger.Error("worker panicked", "kind", string(inv.Kind), "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("worker panicked: %v", r.Value)}
		}
		done <- res
	}()

	var res Result
	select {
	case res = <-done:
	case <-runCtx.Done():
		grace := time.NewTimer(lim.CancelGrace)
		select {
		case res = <-done:
		case <-grace.C:
			e.logger.Warn("worker ignored cancellation, abandoning", "kind", string(inv.Kind), "grace", lim.CancelGrace.String())
			res = Result{Logs: "worker abandoned after grace period"}
		}
		grace.Stop()
	}
	res.Usage.WallTime = time.Since(start)

	return classify(ctx, runCtx, res, lim)
}

func classify(parent, run context.Context, res Result, lim Limits) Result {
	switch {
	case res.Outcome == OutcomeSucceeded, res.Outcome == OutcomeMemoryExceeded:
	case parent.Err() != nil:
		res.Outcome = OutcomeCancelled
		res.Err = errors.Join(errors.ErrCanceled, parent.Err())
	case errors.Is(run.Err(), context.DeadlineExceeded):
		res.Outcome = OutcomeTimeout
		res.Err = errors.NewResourceExceededError(errors.ResourceTimeout, lim.Timeout.String())
	case res.Outcome == "" && res.Err == nil:
		res.Outcome = OutcomeSucceeded
	case res.Outcome == "":
		res.Outcome = OutcomeFailed
	}
	if res.Outcome == OutcomeMemoryExceeded && res.Err == nil {
		res.Err = errors.NewResourceExceededError(errors.ResourceMemory, fmt.Sprintf("%d bytes", lim.MemoryBytes))
	}
	return res
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}

func usageTokens(n int) model.ResourceUsage {
	return model.ResourceUsage{Tokens: n}
}
