package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/llm"
	"github.com/bountyhub/bountyd/internal/model"
)

const funcKind model.WorkerKind = "func"

func newTestExecutor(t *testing.T, fn FuncWorker, provider llm.Provider) *Executor {
	t.Helper()
	opts := []Option{WithBackend(model.WorkerProcess, &ProcessBackend{WorkDir: t.TempDir(), PollInterval: 20 * time.Millisecond})}
	if fn != nil {
		opts = append(opts, WithBackend(funcKind, &FuncBackend{Fn: fn}))
	}
	if provider != nil {
		opts = append(opts, WithBackend(model.WorkerPrompt, &PromptBackend{Provider: provider}))
	}
	return NewExecutor(opts...)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process backend tests need a unix shell")
	}
}

func sh(script string) Invocation {
	return Invocation{Kind: model.WorkerProcess, Command: []string{"/bin/sh", "-c", script}}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		outcome   Outcome
		retryable bool
		status    model.ExecutionStatus
	}{
		{OutcomeSucceeded, false, model.ExecutionCompleted},
		{OutcomeFailed, false, model.ExecutionFailed},
		{OutcomeTimeout, true, model.ExecutionTimeout},
		{OutcomeMemoryExceeded, true, model.ExecutionTimeout},
		{OutcomeCancelled, false, model.ExecutionCancelled},
		{OutcomeInfraError, true, model.ExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := tt.outcome.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.outcome.ExecutionStatus(); got != tt.status {
				t.Errorf("ExecutionStatus() = %s, want %s", got, tt.status)
			}
		})
	}
}

func TestProcess_Succeeds(t *testing.T) {
	requireUnix(t)
	e := newTestExecutor(t, nil, nil)

	inv := sh(`read name; echo "hello $name"; echo "progress" >&2`)
	inv.Input = "world\n"
	res := e.Run(context.Background(), inv, Limits{Timeout: 10 * time.Second, MemoryBytes: 256 << 20})

	if res.Outcome != OutcomeSucceeded || res.Err != nil {
		t.Fatalf("outcome = %s, err = %v, logs = %s", res.Outcome, res.Err, res.Logs)
	}
	if res.Output != "hello world" {
		t.Errorf("Output = %q", res.Output)
	}
	if !strings.Contains(res.Logs, "progress") {
		t.Errorf("Logs = %q, want stderr captured", res.Logs)
	}
	if res.Usage.WallTime <= 0 {
		t.Error("wall time not recorded")
	}
}

func TestProcess_NonZeroExitIsLogicalFailure(t *testing.T) {
	requireUnix(t)
	e := newTestExecutor(t, nil, nil)

	res := e.Run(context.Background(), sh("echo nope >&2; exit 3"), Limits{Timeout: 10 * time.Second})
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Outcome.Retryable() {
		t.Error("logical failures must not be retryable")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "exit status 3") {
		t.Errorf("err = %v", res.Err)
	}
}

func TestProcess_Timeout(t *testing.T) {
	requireUnix(t)
	e := newTestExecutor(t, nil, nil)

	start := time.Now()
	res := e.Run(context.Background(), sh("sleep 30"), Limits{Timeout: 200 * time.Millisecond, CancelGrace: 200 * time.Millisecond})

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout (err %v)", res.Outcome, res.Err)
	}
	if !errors.Is(res.Err, errors.ErrTimeout) {
		t.Errorf("err = %v, want ResourceExceededError(timeout)", res.Err)
	}
	var exceeded *errors.ResourceExceededError
	if !errors.As(res.Err, &exceeded) {
		t.Errorf("err = %T, want *ResourceExceededError", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %v, the worker was not killed", elapsed)
	}
}

func TestProcess_IgnoresSIGTERMIsKilledAfterGrace(t *testing.T) {
	requireUnix(t)
	e := newTestExecutor(t, nil, nil)

	start := time.Now()
	res := e.Run(context.Background(), sh(`trap '' TERM; sleep 30`), Limits{Timeout: 100 * time.Millisecond, CancelGrace: 200 * time.Millisecond})
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %v, the group was not force-killed", elapsed)
	}
}

func TestProcess_Cancelled(t *testing.T) {
	requireUnix(t)
	e := newTestExecutor(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := e.Run(ctx, sh("sleep 30"), Limits{Timeout: time.Minute, CancelGrace: 200 * time.Millisecond})

	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.Outcome)
	}
	if !errors.Is(res.Err, errors.ErrCanceled) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestProcess_ScrubbedEnvironmentAndCode(t *testing.T) {
	requireUnix(t)
	t.Setenv("BOUNTYD_TEST_LEAK", "secret")
	e := newTestExecutor(t, nil, nil)

	inv := sh(`echo "${BOUNTYD_TEST_LEAK:-clean} $BOUNTYD_CRED_API"; sh "$BOUNTYD_CODE_FILE"`)
	inv.Code = "echo from-code; pwd"
	inv.Env = map[string]string{"BOUNTYD_CRED_API": "leased"}
	res := e.Run(context.Background(), inv, Limits{Timeout: 10 * time.Second})

	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	lines := strings.Split(res.Output, "\n")
	if len(lines) != 3 {
		t.Fatalf("Output = %q", res.Output)
	}
	if lines[0] != "clean leased" {
		t.Errorf("env line = %q, host env leaked or lease missing", lines[0])
	}
	if lines[1] != "from-code" {
		t.Errorf("code line = %q", lines[1])
	}
	if _, err := os.Stat(lines[2]); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s should be removed after the run", lines[2])
	}
}

func TestProcess_MissingBinary(t *testing.T) {
	requireUnix(t)
	e := newTestExecutor(t, nil, nil)
	res := e.Run(context.Background(), Invocation{Kind: model.WorkerProcess, Command: []string{"/nonexistent/worker"}}, Limits{Timeout: time.Second})
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", res.Outcome)
	}
}

func TestProcess_AddressSpaceLimitIsMemoryExceeded(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("address space limits are applied on linux only")
	}
	e := newTestExecutor(t, nil, nil)

	inv := sh(`sleep 0.1; echo "fatal error: runtime: cannot allocate memory" >&2; exit 2`)
	res := e.Run(context.Background(), inv, Limits{Timeout: 10 * time.Second, MemoryBytes: 256 << 20})
	if res.Outcome != OutcomeMemoryExceeded {
		t.Fatalf("outcome = %s, want memory_exceeded (err %v)", res.Outcome, res.Err)
	}
	if res.Outcome.ExecutionStatus() != model.ExecutionTimeout {
		t.Errorf("ExecutionStatus() = %s, want timeout", res.Outcome.ExecutionStatus())
	}
	var exceeded *errors.ResourceExceededError
	if !errors.As(res.Err, &exceeded) || exceeded.Resource != errors.ResourceMemory {
		t.Errorf("err = %v, want memory ResourceExceededError", res.Err)
	}
}

func TestHitAddressSpaceLimit(t *testing.T) {
	requireUnix(t)
	exitErr := exec.Command("sh", "-c", "exit 1").Run()
	if exitErr == nil {
		t.Fatal("sh exit 1 returned no error")
	}

	const ceiling = 100 << 20
	tests := []struct {
		name    string
		waitErr error
		logs    string
		peakRSS int64
		ceiling int64
		want    bool
	}{
		{"clean exit", nil, "out of memory", ceiling, ceiling, false},
		{"peak reached ceiling", exitErr, "", ceiling, ceiling, true},
		{"allocation refused", exitErr, "Traceback...\nMemoryError", 10 << 20, ceiling, true},
		{"c++ bad_alloc", exitErr, "terminate called after throwing an instance of 'std::bad_alloc'", 0, ceiling, true},
		{"ordinary failure", exitErr, "assertion failed", 10 << 20, ceiling, false},
		{"no ceiling", exitErr, "out of memory", ceiling, 0, false},
		{"not an exit", fmt.Errorf("wait: broken pipe"), "out of memory", ceiling, ceiling, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hitAddressSpaceLimit(tt.waitErr, tt.logs, tt.peakRSS, tt.ceiling); got != tt.want {
				t.Errorf("hitAddressSpaceLimit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResidentBytes(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("resident memory sampling is linux only")
	}
	rss, err := residentBytes(os.Getpid())
	if err != nil || rss <= 0 {
		t.Errorf("residentBytes(self) = %d, %v", rss, err)
	}
}

func TestFunc_PanicIsIsolated(t *testing.T) {
	e := newTestExecutor(t, func(context.Context, string) (string, error) {
		panic("worker bug")
	}, nil)

	res := e.Run(context.Background(), Invocation{Kind: funcKind}, Limits{Timeout: time.Second})
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !strings.Contains(res.Err.Error(), "worker bug") {
		t.Errorf("err = %v", res.Err)
	}
}

func TestFunc_IgnoringContextIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := newTestExecutor(t, func(context.Context, string) (string, error) {
		<-release
		return "late", nil
	}, nil)

	start := time.Now()
	res := e.Run(context.Background(), Invocation{Kind: funcKind}, Limits{Timeout: 50 * time.Millisecond, CancelGrace: 50 * time.Millisecond})
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", res.Outcome)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("executor waited on a worker that ignored cancellation")
	}
}

func TestFunc_TransientErrorIsInfra(t *testing.T) {
	e := newTestExecutor(t, func(context.Context, string) (string, error) {
		return "", errors.NewTransientInfraError("fetch", fmt.Errorf("reset"))
	}, nil)
	res := e.Run(context.Background(), Invocation{Kind: funcKind}, Limits{Timeout: time.Second})
	if res.Outcome != OutcomeInfraError || !res.Outcome.Retryable() {
		t.Errorf("outcome = %s, want infra_error", res.Outcome)
	}
}

func TestPrompt(t *testing.T) {
	var gotPrompt string
	provider := llm.ProviderFunc(func(_ context.Context, prompt string, c llm.Constraints) (llm.Completion, error) {
		gotPrompt = prompt
		if c.MaxTokens != 128 {
			return llm.Completion{}, fmt.Errorf("max tokens = %d", c.MaxTokens)
		}
		return llm.Completion{Text: "summary", TokensUsed: 77}, nil
	})
	e := newTestExecutor(t, nil, provider)

	res := e.Run(context.Background(), Invocation{Kind: model.WorkerPrompt, Prompt: "Summarize", Input: "the log"}, Limits{Timeout: time.Second, MaxTokens: 128})
	if res.Outcome != OutcomeSucceeded || res.Output != "summary" {
		t.Fatalf("result = %+v", res)
	}
	if res.Usage.Tokens != 77 {
		t.Errorf("Tokens = %d, want 77", res.Usage.Tokens)
	}
	if gotPrompt != "Summarize\n\nthe log" {
		t.Errorf("prompt = %q", gotPrompt)
	}
}

func TestPrompt_ProviderDownIsInfra(t *testing.T) {
	provider := llm.ProviderFunc(func(context.Context, string, llm.Constraints) (llm.Completion, error) {
		return llm.Completion{}, errors.Wrap(errors.ErrProviderUnavailable, "circuit open")
	})
	e := newTestExecutor(t, nil, provider)
	res := e.Run(context.Background(), Invocation{Kind: model.WorkerPrompt, Prompt: "x"}, Limits{Timeout: time.Second})
	if res.Outcome != OutcomeInfraError {
		t.Errorf("outcome = %s, want infra_error", res.Outcome)
	}
}

type memoryHog struct{}

func (memoryHog) Run(context.Context, Invocation, Limits) Result {
	return Result{Outcome: OutcomeMemoryExceeded, Usage: model.ResourceUsage{PeakMemoryBytes: 1 << 30}}
}

func TestExecutor_MemoryExceeded(t *testing.T) {
	e := NewExecutor(WithBackend("hog", memoryHog{}))
	res := e.Run(context.Background(), Invocation{Kind: "hog"}, Limits{Timeout: time.Second, MemoryBytes: 512 << 20})

	if res.Outcome != OutcomeMemoryExceeded || res.Outcome.ExecutionStatus() != model.ExecutionTimeout {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	var exceeded *errors.ResourceExceededError
	if !errors.As(res.Err, &exceeded) || exceeded.Resource != errors.ResourceMemory {
		t.Errorf("err = %v, want memory ResourceExceededError", res.Err)
	}
}

func TestExecutor_UnknownKind(t *testing.T) {
	res := NewExecutor().Run(context.Background(), Invocation{Kind: "wasm"}, Limits{})
	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, errors.ErrInvalidInput) {
		t.Errorf("result = %+v", res)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := b.String(); got != "hello\n[output truncated]" {
		t.Errorf("String() = %q", got)
	}
}
