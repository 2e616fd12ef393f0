package execqueue

import (
	"fmt"
	"time"

	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/model"
)

// emit publishes e when the queue has a bus.
func (q *Queue) emit(e event.Event) {
	if q.bus != nil {
		q.bus.Publish(e)
	}
}

// terminalEventType maps a terminal execution status to its event type.
func terminalEventType(s model.ExecutionStatus) string {
	switch s {
	case model.ExecutionCompleted:
		return event.ExecutionCompleted
	case model.ExecutionTimeout:
		return event.ExecutionTimeout
	case model.ExecutionCancelled:
		return event.ExecutionCancelled
	default:
		return event.ExecutionFailed
	}
}

// describeResult renders the timeline text for a finished execution.
func describeResult(e *model.Execution) string {
	switch e.Status {
	case model.ExecutionCompleted:
		return fmt.Sprintf("Execution %s completed in %s", e.ID, e.Usage.WallTime.Round(time.Millisecond))
	case model.ExecutionTimeout:
		return fmt.Sprintf("Execution %s exceeded its limits (%s) on attempt %d", e.ID, e.Outcome, e.Attempt())
	case model.ExecutionCancelled:
		return fmt.Sprintf("Execution %s cancelled", e.ID)
	default:
		if e.Error != "" {
			return fmt.Sprintf("Execution %s failed on attempt %d: %s", e.ID, e.Attempt(), e.Error)
		}
		return fmt.Sprintf("Execution %s failed on attempt %d", e.ID, e.Attempt())
	}
}

// Ensure the published event types satisfy the Event interface.
var _ event.Event = event.ExecutionEvent{}
