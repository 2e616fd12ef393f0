// Package orchestrator drives a task from funding to settlement.
//
// The orchestrator owns task and submission status. It admits submissions
// against funded tasks, hands them to the execution queue, and reacts to
// what the other components publish on the event bus:
//
//	execution.started        submission in_progress (50%), task in_progress
//	execution.completed      submission submitted (90%), audit created, task under_review
//	execution.rejected       submission rejected (100%)
//	execution.cancelled      submission rejected (100%)
//	verification.completed   passed: release escrow (when auto-release is on)
//	verification.reviewed    failed: submission rejected
//
// Verification and settlement run in background goroutines so bus
// publishers are never blocked on the reasoning provider or the payment
// gateway.
//
// A periodic sweep fails tasks whose deadline passed with nothing left to
// judge, and flags tasks that sat under review past the grace period as
// needing manual resolution. Money never moves while that flag is set.
//
// # Task states
//
//	open -> funded -> in_progress -> under_review -> completed | failed
//	                                      \-> in_progress (new submission starts)
//	any non-terminal -> cancelled
package orchestrator
