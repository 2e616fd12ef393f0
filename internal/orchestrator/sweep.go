package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/store"
)

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Failed  int `json:"failed"`
	Flagged int `json:"flagged"`
}

func (o *Orchestrator) sweepLoop(stopped <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			if _, err := o.Sweep(o.bgContext()); err != nil {
				o.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Sweep applies deadline and grace-period rules to every task still in play:
//
//   - under review past the deadline with nothing left to judge: failed,
//     funds stay held for a manual refund
//   - under review longer than the grace period: flagged for manual resolution
//   - funded past the deadline without a single submission: flagged
func (o *Orchestrator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	tasks, err := o.store.ListTasks(ctx, model.TaskFunded, model.TaskUnderReview)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, task := range tasks {
		failed, flagged, err := o.sweepTask(ctx, task.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if failed {
			res.Failed++
		}
		if flagged {
			res.Flagged++
		}
	}
	if res.Failed > 0 || res.Flagged > 0 {
		o.logger.Info("sweep finished", "failed", res.Failed, "flagged", res.Flagged)
	}
	return res, errors.Join(errs...)
}

func (o *Orchestrator) sweepTask(ctx context.Context, taskID string) (failed, flagged bool, err error) {
	unlock, err := o.lockTask(ctx, taskID)
	if err != nil {
		return false, false, err
	}
	defer unlock()

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return false, false, err
	}
	now := o.now()

	switch task.Status {
	case model.TaskUnderReview:
		failed, err = o.failIfExhausted(ctx, taskID)
		if err != nil || failed {
			return failed, false, err
		}
		if o.cfg.ReviewGracePeriod <= 0 || task.UnderReviewSince == nil || task.NeedsManualResolution {
			return false, false, nil
		}
		if now.Sub(*task.UnderReviewSince) < o.cfg.ReviewGracePeriod {
			return false, false, nil
		}
		err = o.flag(ctx, taskID, fmt.Sprintf("Under review for more than %s; needs manual resolution", o.cfg.ReviewGracePeriod))
		return false, err == nil, err

	case model.TaskFunded:
		if task.NeedsManualResolution || !task.DeadlinePassed(now) {
			return false, false, nil
		}
		subs, err := o.store.ListSubmissions(ctx, taskID)
		if err != nil || len(subs) > 0 {
			return false, false, err
		}
		err = o.flag(ctx, taskID, "Deadline passed with no submissions; needs manual resolution")
		return false, err == nil, err
	}
	return false, false, nil
}

func (o *Orchestrator) flag(ctx context.Context, taskID, desc string) error {
	_, err := o.updateTask(ctx, taskID, "needs manual resolution", func(t *model.Task) ([]model.TimelineEntry, error) {
		if t.NeedsManualResolution {
			return nil, errUnchanged
		}
		t.NeedsManualResolution = true
		return []model.TimelineEntry{model.NewTimelineEntry(t.ID, model.TimelineTask, string(t.Status), desc)}, nil
	})
	if err == nil {
		o.logger.WithTask(taskID).Warn("task flagged for manual resolution", "reason", desc)
	}
	return err
}

// failIfExhausted fails a task under review when no further submission is
// allowed and nothing is left to judge. The escrow stays funded and the task
// is flagged so an operator refunds it. Callers hold the task lock.
func (o *Orchestrator) failIfExhausted(ctx context.Context, taskID string) (bool, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != model.TaskUnderReview {
		return false, nil
	}

	subs, err := o.store.ListSubmissions(ctx, taskID)
	if err != nil {
		return false, err
	}
	if o.acceptsSubmissions(task, len(subs)) {
		return false, nil
	}
	for _, s := range subs {
		if !s.Status.IsTerminal() && s.Status != model.SubmissionSubmitted {
			return false, nil
		}
	}

	active, err := o.store.ListExecutions(ctx, store.ExecutionFilter{TaskID: taskID, Statuses: inFlight})
	if err != nil {
		return false, err
	}
	if len(active) > 0 {
		return false, nil
	}

	audits, err := o.store.ListAudits(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, a := range audits {
		switch a.Status {
		case model.AuditPending, model.AuditInProgress, model.AuditNeedsReview, model.AuditPassed:
			return false, nil
		}
	}

	desc := "No passing submission and no further submissions allowed; funds held for refund"
	_, err = o.updateTask(ctx, taskID, "submissions exhausted", func(t *model.Task) ([]model.TimelineEntry, error) {
		entry, err := o.transition(t, model.TaskFailed, desc)
		if err != nil {
			return nil, err
		}
		t.NeedsManualResolution = true
		return []model.TimelineEntry{entry}, nil
	})
	if err != nil {
		return false, err
	}
	o.logger.WithTask(taskID).Warn("task failed", "submissions", len(subs))
	return true, nil
}

// acceptsSubmissions reports whether the task can still take new work.
func (o *Orchestrator) acceptsSubmissions(t *model.Task, count int) bool {
	if t.DeadlinePassed(o.now()) {
		return false
	}
	return t.MaxSubmissions == 0 || count < t.MaxSubmissions
}
