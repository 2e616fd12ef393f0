// Package sandbox runs one worker invocation under a wall-clock timeout and
// a memory ceiling and classifies how it ended.
//
// An Executor dispatches each Invocation to the Backend registered for its
// worker kind:
//
//   - ProcessBackend runs a subprocess in its own process group, inside a
//     scratch directory with a scrubbed environment. On linux the address
//     space is capped with prlimit(RLIMIT_AS) and resident memory is polled;
//     exceeding the ceiling kills the whole group.
//   - PromptBackend sends the prompt to a reasoning provider and counts tokens.
//   - FuncBackend calls an in-process Go function.
//
// Whatever the backend does, the Executor never lets a worker take the host
// down: panics are recovered, timeouts end the run, and cancellation is
// cooperative first (context cancel, SIGTERM) and forced after a grace
// period.
//
// # Outcomes
//
//	succeeded        worker finished and reported success
//	failed           worker error or non-zero exit; never retried
//	timeout          wall-clock budget exhausted
//	memory_exceeded  memory ceiling exceeded
//	cancelled        caller cancelled the run
//	infra_error      the sandbox or provider failed, not the worker
//
// timeout, memory_exceeded and infra_error are retryable.
package sandbox
