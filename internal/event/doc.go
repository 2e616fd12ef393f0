// Package event provides a synchronous pub-sub bus for the settlement
// pipeline.
//
// The execution queue publishes execution lifecycle events, the verification
// engine publishes verdicts, and the orchestrator and escrow ledger publish
// status changes. Subscribers never call publishers directly, which keeps the
// dependency graph acyclic: the orchestrator reacts to execution.completed
// without the queue knowing the orchestrator exists.
//
// Event types follow the "category.action" convention:
//
//	execution.queued, execution.started, execution.completed,
//	execution.failed, execution.timeout, execution.cancelled,
//	execution.retry_scheduled, execution.rejected
//	verification.completed, verification.reviewed
//	task.status_changed, payment.status_changed, timeline.appended
//
// Handlers run on the publisher's goroutine. Long-running reactions should
// hand off to their own goroutine.
package event
