package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/escrow"
	"github.com/bountyhub/bountyd/internal/model"
)

// CreateTask validates spec and stores a new open, unfunded task.
func (o *Orchestrator) CreateTask(ctx context.Context, spec TaskSpec) (*model.Task, error) {
	task, entry, err := NewTask(spec, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateTask(ctx, task, entry); err != nil {
		return nil, err
	}
	o.logger.WithTask(task.ID).Info("task created", "reward", task.Reward.String(), "criteria", len(task.Criteria.Metrics))
	return task, nil
}

// NewTask validates spec against now and builds the open task it describes,
// together with its first timeline entry. Nothing is stored.
func NewTask(spec TaskSpec, now time.Time) (*model.Task, model.TimelineEntry, error) {
	if err := spec.validate(now); err != nil {
		return nil, model.TimelineEntry{}, err
	}
	task := &model.Task{
		ID:             model.NewID(model.PrefixTask),
		Title:          strings.TrimSpace(spec.Title),
		Description:    spec.Description,
		Reward:         spec.Reward,
		Currency:       spec.Currency,
		Criteria:       spec.Criteria,
		Deadline:       spec.Deadline,
		MaxSubmissions: spec.MaxSubmissions,
		Status:         model.TaskOpen,
		PaymentStatus:  model.PaymentPending,
	}
	entry := model.NewTimelineEntry(task.ID, model.TimelineTask, string(model.TaskOpen),
		fmt.Sprintf("Task created with reward %s", task.Reward.StringFixed(2)))
	return task, entry, nil
}

// SubmitWork registers a submission against a funded task and queues its
// first execution. It returns as soon as the execution is queued.
func (o *Orchestrator) SubmitWork(ctx context.Context, spec SubmissionSpec) (*model.Submission, string, error) {
	if err := spec.validate(); err != nil {
		return nil, "", err
	}

	sub, err := o.admit(ctx, spec)
	if err != nil {
		return nil, "", err
	}
	logger := o.logger.WithTask(sub.TaskID).WithSubmission(sub.ID)

	execID, err := o.queue.Enqueue(ctx, sub.ID, spec.Priority)
	if err != nil {
		logger.Warn("failed to queue submission", "error", err)
		if unlock, lerr := o.lockTask(context.WithoutCancel(ctx), sub.TaskID); lerr == nil {
			_, _ = o.rejectSubmission(ctx, sub.ID, "could not be queued: "+err.Error())
			unlock()
		}
		return nil, "", err
	}
	logger.Info("submission accepted", "worker_id", sub.WorkerID, "execution_id", execID)
	return sub, execID, nil
}

// admit checks the task accepts submissions and stores a queued submission.
func (o *Orchestrator) admit(ctx context.Context, spec SubmissionSpec) (*model.Submission, error) {
	unlock, err := o.lockTask(ctx, spec.TaskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := o.store.GetTask(ctx, spec.TaskID)
	if err != nil {
		return nil, err
	}
	if task.PaymentStatus != model.PaymentFunded {
		return nil, errors.NewNotFundedError(task.ID, string(task.PaymentStatus))
	}
	if task.Status.IsTerminal() {
		return nil, errors.NewInvalidStateError("task", task.ID, "submit").WithCurrent(string(task.Status))
	}
	if task.NeedsManualResolution {
		return nil, errors.NewInvalidStateError("task", task.ID, "submit").
			WithCurrent(string(task.Status)).
			WithMessage("task needs manual resolution")
	}
	if task.DeadlinePassed(o.now()) {
		return nil, errors.NewInvalidStateError("task", task.ID, "submit").
			WithCurrent(string(task.Status)).
			WithMessage("deadline has passed")
	}
	if task.MaxSubmissions > 0 {
		subs, err := o.store.ListSubmissions(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if len(subs) >= task.MaxSubmissions {
			return nil, errors.NewInvalidStateError("task", task.ID, "submit").
				WithCurrent(string(task.Status)).
				WithMessage(fmt.Sprintf("submission limit of %d reached", task.MaxSubmissions))
		}
	}

	sub := &model.Submission{
		ID:       model.NewID(model.PrefixSubmission),
		TaskID:   task.ID,
		WorkerID: strings.TrimSpace(spec.WorkerID),
		Status:   model.SubmissionPending,
		Progress: model.ProgressQueued,
		Worker:   spec.Worker,
	}
	entry := model.NewTimelineEntry(task.ID, model.TimelineTask, string(model.SubmissionPending),
		fmt.Sprintf("Submission %s received from worker %s", sub.ID, sub.WorkerID))
	if err := o.store.CreateSubmission(ctx, sub, entry); err != nil {
		return nil, err
	}
	return sub, nil
}

// CancelTask stops all work on a task and returns escrowed funds. Tasks
// that were never funded are simply cancelled.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, reason string) (*model.Task, error) {
	if reason == "" {
		reason = "cancelled by poster"
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, errors.NewInvalidTransitionError("task", task.ID, string(task.Status), string(model.TaskCancelled))
	}
	logger := o.logger.WithTask(taskID)

	// Executions publish cancellation events that take the task lock.
	if err := o.queue.CancelTask(ctx, taskID); err != nil {
		logger.Warn("failed to cancel executions", "error", err)
	}

	if task.PaymentStatus == model.PaymentFunded {
		if _, err := o.ledger.Refund(ctx, taskID, reason); err != nil {
			return nil, err
		}
	} else {
		unlock, err := o.lockTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		_, err = o.transitionTask(ctx, taskID, model.TaskCancelled, "Task cancelled: "+reason)
		unlock()
		if err != nil {
			return nil, err
		}
	}

	if err := o.closeSubmissions(ctx, taskID, "", "task cancelled"); err != nil {
		logger.Warn("failed to close submissions", "error", err)
	}
	logger.Info("task cancelled", "reason", reason)
	return o.store.GetTask(ctx, taskID)
}

// Refund returns the escrow of a failed task to the poster. Tasks still in
// play are refunded through CancelTask.
func (o *Orchestrator) Refund(ctx context.Context, taskID, operator string) (string, error) {
	if strings.TrimSpace(operator) == "" {
		return "", errors.NewValidationError("operator is required").WithField("operator")
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != model.TaskFailed {
		return "", errors.NewInvalidStateError("task", taskID, "refund").
			WithCurrent(string(task.Status)).
			WithRequired(string(model.TaskFailed))
	}
	ref, err := o.ledger.Refund(ctx, taskID, escrow.ReasonFailed)
	if err != nil {
		return "", err
	}
	o.logger.WithTask(taskID).Info("failed task refunded", "operator", operator, "refund_ref", ref)
	return ref, nil
}

// Release pays out a task on an operator's instruction. Without Override the
// winner needs a passed audit.
func (o *Orchestrator) Release(ctx context.Context, req escrow.ReleaseRequest) (string, error) {
	ref, err := o.ledger.Release(ctx, req)
	if err != nil {
		return "", err
	}
	o.finishSettlement(ctx, req.TaskID, req.WinnerSubmissionID)
	return ref, nil
}

// finishSettlement approves the winner, rejects every other open submission
// and stops their executions.
func (o *Orchestrator) finishSettlement(ctx context.Context, taskID, winnerID string) {
	logger := o.logger.WithTask(taskID).WithSubmission(winnerID)

	unlock, err := o.lockTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		logger.Error("failed to lock task for settlement", "error", err)
		return
	}
	_, err = o.updateSubmission(ctx, winnerID, func(s *model.Submission) ([]model.TimelineEntry, error) {
		if s.Status == model.SubmissionPending || s.Status == model.SubmissionInProgress {
			// Operator release ahead of verification.
			s.Status = model.SubmissionSubmitted
		}
		return moveSubmission(s, model.SubmissionApproved, model.ProgressDone,
			fmt.Sprintf("Submission %s approved and paid", s.ID))
	})
	unlock()
	if err != nil {
		logger.Error("failed to approve winning submission", "error", err)
	}

	if err := o.closeSubmissions(ctx, taskID, winnerID, "another submission won"); err != nil {
		logger.Warn("failed to close losing submissions", "error", err)
	}
	if err := o.queue.CancelTask(ctx, taskID); err != nil {
		logger.Warn("failed to cancel remaining executions", "error", err)
	}
	logger.Info("task settled")
}

// closeSubmissions rejects every undecided submission of a task except keep.
func (o *Orchestrator) closeSubmissions(ctx context.Context, taskID, keep, reason string) error {
	unlock, err := o.lockTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return err
	}
	defer unlock()

	subs, err := o.store.ListSubmissions(ctx, taskID)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range subs {
		if s.ID == keep || s.Status.IsTerminal() {
			continue
		}
		if _, err := o.rejectSubmission(ctx, s.ID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
