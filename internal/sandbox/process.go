package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/logging"
)

// CodeFileEnv names the variable holding the path of an invocation's Code.
const CodeFileEnv = "BOUNTYD_CODE_FILE"

const (
	defaultOutputLimit  = 1 << 20
	defaultPollInterval = 100 * time.Millisecond
	scrubbedPath        = "/usr/local/bin:/usr/bin:/bin"

	// addressSpaceHeadroom multiplies the memory ceiling for RLIMIT_AS.
	// Resident memory polling enforces the ceiling itself; the rlimit is
	// the backstop for allocations faster than the poll interval.
	addressSpaceHeadroom = 2
)

// ProcessBackend runs process workers as subprocesses.
type ProcessBackend struct {
	// WorkDir is where per-run scratch directories are created. Empty uses
	// the system temp dir.
	WorkDir string
	// PollInterval is how often resident memory is sampled.
	PollInterval time.Duration
	// OutputLimit caps captured stdout and stderr, each.
	OutputLimit int
	Logger      *logging.Logger
}

// Run starts the command, feeds Input on stdin and waits for it to exit,
// the memory ceiling to be crossed, or ctx to end.
func (p *ProcessBackend) Run(ctx context.Context, inv Invocation, lim Limits) Result {
	logger := p.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if len(inv.Command) == 0 {
		return Result{Outcome: OutcomeFailed, Err: errors.NewValidationError("process worker has no command").WithField("command")}
	}

	if p.WorkDir != "" {
		if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
			return infraResult("create work dir", err)
		}
	}
	scratch, err := os.MkdirTemp(p.WorkDir, "exec-*")
	if err != nil {
		return infraResult("create scratch dir", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("failed to remove scratch dir", "dir", scratch, "error", err)
		}
	}()

	env := map[string]string{
		"PATH":   scrubbedPath,
		"HOME":   scratch,
		"TMPDIR": scratch,
		"LANG":   "C.UTF-8",
	}
	if inv.Code != "" {
		codePath := filepath.Join(scratch, "worker")
		if err := os.WriteFile(codePath, []byte(inv.Code), 0o700); err != nil {
			return infraResult("write worker code", err)
		}
		env[CodeFileEnv] = codePath
	}
	for k, v := range inv.Env {
		env[k] = v
	}

	limit := p.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	stdout, stderr := newCappedBuffer(limit), newCappedBuffer(limit)

	cmd := exec.Command(inv.Command[0], inv.Command[1:]...)
	cmd.Dir = scratch
	cmd.Env = flattenEnv(env)
	cmd.Stdin = strings.NewReader(inv.Input)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		// A missing binary is the worker's fault, not the sandbox's.
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("start worker: %w", err)}
		}
		return infraResult("start worker", err)
	}
	pid := cmd.Process.Pid
	rlimited := false
	if lim.MemoryBytes > 0 {
		if err := limitAddressSpace(pid, lim.MemoryBytes*addressSpaceHeadroom); err != nil {
			logger.Warn("failed to apply memory rlimit", "pid", pid, "error", err)
		} else {
			rlimited = true
		}
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		peakRSS     int64
		overMemory  bool
		waitErr     error
		interrupted bool
	)
loop:
	for {
		select {
		case waitErr = <-waitDone:
			break loop
		case <-ticker.C:
			if lim.MemoryBytes <= 0 {
				continue
			}
			rss, err := residentBytes(pid)
			if err != nil {
				continue
			}
			if rss > peakRSS {
				peakRSS = rss
			}
			if rss > lim.MemoryBytes {
				overMemory = true
				killGroup(cmd)
				waitErr = <-waitDone
				break loop
			}
		case <-ctx.Done():
			interrupted = true
			terminateGroup(cmd)
			grace := time.NewTimer(lim.CancelGrace)
			select {
			case waitErr = <-waitDone:
			case <-grace.C:
				killGroup(cmd)
				waitErr = <-waitDone
			}
			grace.Stop()
			break loop
		}
	}

	res := Result{
		Output: strings.TrimRight(stdout.String(), "\n"),
		Logs:   stderr.String(),
	}
	if ps := cmd.ProcessState; ps != nil {
		res.Usage.CPUTime = ps.UserTime() + ps.SystemTime()
		if m := maxRSSBytes(ps); m > peakRSS {
			peakRSS = m
		}
	}
	res.Usage.PeakMemoryBytes = peakRSS

	if !overMemory && !interrupted && rlimited && hitAddressSpaceLimit(waitErr, res.Logs, peakRSS, lim.MemoryBytes) {
		logger.Info("worker stopped by the address space limit", "pid", pid, "peak_rss", peakRSS)
		overMemory = true
	}

	switch {
	case overMemory:
		res.Outcome = OutcomeMemoryExceeded
		res.Err = errors.NewResourceExceededError(errors.ResourceMemory, fmt.Sprintf("%d bytes", lim.MemoryBytes))
	case interrupted:
		res.Err = ctx.Err()
	case waitErr != nil:
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("worker exited: %w", waitErr)
	default:
		res.Outcome = OutcomeSucceeded
	}
	return res
}

// allocationFailures are stderr markers left by runtimes whose allocation
// was refused by RLIMIT_AS.
var allocationFailures = []string{
	"out of memory",
	"cannot allocate memory",
	"memoryerror",
	"std::bad_alloc",
	"enomem",
}

// hitAddressSpaceLimit reports whether a worker that exited abnormally was
// stopped by the RLIMIT_AS backstop rather than failing on its own: its
// resident memory reached the ceiling between samples, or it reported a
// refused allocation.
func hitAddressSpaceLimit(waitErr error, logs string, peakRSS, ceiling int64) bool {
	var exitErr *exec.ExitError
	if ceiling <= 0 || !errors.As(waitErr, &exitErr) {
		return false
	}
	if peakRSS >= ceiling {
		return true
	}
	lower := strings.ToLower(logs)
	for _, marker := range allocationFailures {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func infraResult(op string, err error) Result {
	return Result{Outcome: OutcomeInfraError, Err: errors.NewTransientInfraError(op, err)}
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
