// Package logging provides structured logging for the settlement pipeline.
//
// This package wraps Go's log/slog to emit JSON-formatted logs carrying
// pipeline context (task, submission, execution, audit) so that a single
// task's history can be reconstructed from the daemon log after the fact.
//
// # Context Propagation
//
// Child loggers inherit attributes from their parent:
//
//	taskLog := logger.WithTask(task.ID)
//	execLog := taskLog.WithSubmission(sub.ID).WithExecution(exec.ID)
//	execLog.Info("execution finished", "outcome", "timeout")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"execution finished","task_id":"...","submission_id":"...","execution_id":"...","outcome":"timeout"}
//
// # Log Rotation
//
// A daemon that runs for weeks should not grow its log without bound.
// [NewLoggerWithRotation] writes through a [RotatingWriter] which renames
// bountyd.log to bountyd.log.1 once it reaches MaxSizeMB, keeping at most
// MaxBackups older files.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package logging
