package execqueue

import (
	"context"
	"time"

	"github.com/bountyhub/bountyd/internal/sandbox"
)

// Runner executes one worker invocation under limits.
type Runner interface {
	Run(ctx context.Context, inv sandbox.Invocation, lim sandbox.Limits) sandbox.Result
}

// QueueStatus is a snapshot of the queue's counts. Queued includes
// executions waiting for their retry time; Waiting counts only those.
type QueueStatus struct {
	Queued    int `json:"queued"`
	Waiting   int `json:"waiting"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`
	Retried   int `json:"retried"`
}

// item is an execution waiting for a pool slot.
type item struct {
	executionID  string
	submissionID string
	priority     int
	seq          uint64
	notBefore    time.Time
}

// ready reports whether the item may be dispatched at now.
func (it *item) ready(now time.Time) bool {
	return it.notBefore.IsZero() || !now.Before(it.notBefore)
}

// before orders items by priority, highest first, then by arrival.
func (it *item) before(other *item) bool {
	if it.priority != other.priority {
		return it.priority > other.priority
	}
	return it.seq < other.seq
}
