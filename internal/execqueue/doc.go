// Package execqueue schedules submission executions onto a bounded worker pool.
//
// The queue owns the execution lifecycle from admission to terminal status:
//
//	queued -> initializing -> running -> completed | failed | timeout | cancelled
//
// Every transition is written to the store before the matching event is
// published on the bus, so subscribers always observe persisted state.
//
// Admission requires the owning task's escrow to be funded. Higher priority
// executions are dispatched first, FIFO within a priority, and a submission
// never has more than one execution in flight.
//
// Transient outcomes (infra errors, timeouts, memory overruns) are retried by
// creating a new execution row that points at the one it replaces and carries
// nextRetryAt. Because the retry is a persisted row rather than a timer,
// [Queue.Recover] picks pending retries back up after a restart. Logical
// failures are never retried.
//
// Usage:
//
//	q := execqueue.New(st, executor, cfg.Execution,
//		execqueue.WithBus(bus),
//		execqueue.WithVault(v),
//	)
//	q.Start(ctx)
//	defer q.Stop(context.Background())
//
//	id, err := q.Enqueue(ctx, submissionID, 0)
package execqueue
