package orchestrator

import (
	"context"
	"fmt"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/store"
)

const maxWriteAttempts = 3

// errUnchanged is returned by an update function that has nothing to write.
var errUnchanged = errors.New("unchanged")

// updateTask re-reads the task, applies fn and writes the result together
// with fn's timeline entries, retrying on version conflicts. A status change
// is published on the bus. When fn returns errUnchanged the current task is
// returned and nothing is written.
func (o *Orchestrator) updateTask(ctx context.Context, taskID, reason string, fn func(*model.Task) ([]model.TimelineEntry, error)) (*model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		task, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		from := task.Status
		entries, err := fn(task)
		if errors.Is(err, errUnchanged) {
			return task, nil
		}
		if err != nil {
			return nil, err
		}
		err = o.store.UpdateTask(ctx, store.TaskUpdate{Task: task, Timeline: entries})
		if err == nil {
			if from != task.Status {
				o.logger.WithTask(task.ID).Info("task status changed", "from", string(from), "to", string(task.Status), "reason", reason)
				o.bus.Publish(event.NewTaskStatusChangedEvent(task.ID, string(from), string(task.Status), reason))
			}
			return task, nil
		}
		if !errors.Is(err, errors.ErrVersionConflict) || attempt >= maxWriteAttempts {
			return nil, err
		}
	}
}

// transition moves t to next and returns the timeline entry describing it.
// Entering under_review starts the review clock; leaving it stops the clock.
func (o *Orchestrator) transition(t *model.Task, next model.TaskStatus, desc string) (model.TimelineEntry, error) {
	if !t.Status.CanTransition(next) {
		return model.TimelineEntry{}, errors.NewInvalidTransitionError("task", t.ID, string(t.Status), string(next))
	}
	switch {
	case next == model.TaskUnderReview:
		now := o.now()
		t.UnderReviewSince = &now
	case t.Status == model.TaskUnderReview:
		t.UnderReviewSince = nil
	}
	t.Status = next
	return model.NewTimelineEntry(t.ID, model.TimelineTask, string(next), desc), nil
}

// transitionTask applies a single task transition.
func (o *Orchestrator) transitionTask(ctx context.Context, taskID string, next model.TaskStatus, desc string) (*model.Task, error) {
	return o.updateTask(ctx, taskID, desc, func(t *model.Task) ([]model.TimelineEntry, error) {
		entry, err := o.transition(t, next, desc)
		if err != nil {
			return nil, err
		}
		return []model.TimelineEntry{entry}, nil
	})
}

// enterReview moves a task that has been worked on into review. Funded
// tasks pass through in_progress when the start event was missed.
func (o *Orchestrator) enterReview(t *model.Task, desc string) ([]model.TimelineEntry, error) {
	var entries []model.TimelineEntry
	if t.Status == model.TaskFunded {
		entry, err := o.transition(t, model.TaskInProgress, "Work started")
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if t.Status != model.TaskInProgress {
		return nil, errUnchanged
	}
	entry, err := o.transition(t, model.TaskUnderReview, desc)
	if err != nil {
		return nil, err
	}
	return append(entries, entry), nil
}

// updateSubmission applies fn to a submission and writes it. Callers hold
// the task lock, which serializes submission writes.
func (o *Orchestrator) updateSubmission(ctx context.Context, subID string, fn func(*model.Submission) ([]model.TimelineEntry, error)) (*model.Submission, error) {
	sub, err := o.store.GetSubmission(ctx, subID)
	if err != nil {
		return nil, err
	}
	entries, err := fn(sub)
	if errors.Is(err, errUnchanged) {
		return sub, nil
	}
	if err != nil {
		return nil, err
	}
	if err := o.store.UpdateSubmission(context.WithoutCancel(ctx), sub, entries...); err != nil {
		return nil, err
	}
	return sub, nil
}

// moveSubmission sets a submission's status and progress. A submission that
// is already terminal is left alone.
func moveSubmission(sub *model.Submission, next model.SubmissionStatus, progress int, desc string) ([]model.TimelineEntry, error) {
	if sub.Status.IsTerminal() {
		return nil, errUnchanged
	}
	if sub.Status != next {
		from := sub.Status
		// A pending submission whose start event was missed goes straight on.
		if from == model.SubmissionPending && next == model.SubmissionSubmitted {
			from = model.SubmissionInProgress
		}
		if !from.CanTransition(next) {
			return nil, errors.NewInvalidTransitionError("submission", sub.ID, string(sub.Status), string(next))
		}
		sub.Status = next
	} else if sub.Progress == progress {
		return nil, errUnchanged
	}
	sub.Progress = progress
	if desc == "" {
		return nil, nil
	}
	return []model.TimelineEntry{model.NewTimelineEntry(sub.TaskID, model.TimelineTask, string(next), desc)}, nil
}

// rejectSubmission rejects subID with a reason. Already decided submissions
// are left alone.
func (o *Orchestrator) rejectSubmission(ctx context.Context, subID, reason string) (*model.Submission, error) {
	return o.updateSubmission(ctx, subID, func(s *model.Submission) ([]model.TimelineEntry, error) {
		return moveSubmission(s, model.SubmissionRejected, model.ProgressDone,
			fmt.Sprintf("Submission %s rejected: %s", s.ID, reason))
	})
}

// lockTask takes the orchestrator's per-task lock.
func (o *Orchestrator) lockTask(ctx context.Context, taskID string) (func(), error) {
	return o.locks.Lock(ctx, "task:"+taskID)
}
