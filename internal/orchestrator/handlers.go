package orchestrator

import (
	"context"
	"fmt"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/escrow"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/store"
)

var inFlight = []model.ExecutionStatus{
	model.ExecutionQueued,
	model.ExecutionInitializing,
	model.ExecutionRunning,
}

func (o *Orchestrator) onExecutionStarted(e event.Event) {
	ev, ok := e.(event.ExecutionEvent)
	if !ok {
		return
	}
	ctx := o.bgContext()
	logger := o.logger.WithTask(ev.TaskID).WithSubmission(ev.SubmissionID).WithExecution(ev.ExecutionID)

	unlock, err := o.lockTask(ctx, ev.TaskID)
	if err != nil {
		return
	}
	defer unlock()

	sub, err := o.updateSubmission(ctx, ev.SubmissionID, func(s *model.Submission) ([]model.TimelineEntry, error) {
		desc := ""
		if s.Status == model.SubmissionPending {
			desc = fmt.Sprintf("Submission %s started running", s.ID)
		}
		return moveSubmission(s, model.SubmissionInProgress, model.ProgressRunning, desc)
	})
	if err != nil {
		logger.Error("failed to mark submission running", "error", err)
		return
	}
	if sub.Status.IsTerminal() {
		return
	}

	_, err = o.updateTask(ctx, ev.TaskID, "execution started", func(t *model.Task) ([]model.TimelineEntry, error) {
		switch t.Status {
		case model.TaskFunded:
			entry, err := o.transition(t, model.TaskInProgress, fmt.Sprintf("Work started on submission %s", ev.SubmissionID))
			return []model.TimelineEntry{entry}, err
		case model.TaskUnderReview:
			entry, err := o.transition(t, model.TaskInProgress, fmt.Sprintf("Resubmission %s started during review", ev.SubmissionID))
			return []model.TimelineEntry{entry}, err
		}
		return nil, errUnchanged
	})
	if err != nil {
		logger.Error("failed to move task in progress", "error", err)
	}
}

func (o *Orchestrator) onRetryScheduled(e event.Event) {
	ev, ok := e.(event.ExecutionEvent)
	if !ok {
		return
	}
	ctx := o.bgContext()
	unlock, err := o.lockTask(ctx, ev.TaskID)
	if err != nil {
		return
	}
	defer unlock()

	_, err = o.updateSubmission(ctx, ev.SubmissionID, func(s *model.Submission) ([]model.TimelineEntry, error) {
		return moveSubmission(s, s.Status, model.ProgressQueued, "")
	})
	if err != nil {
		o.logger.WithSubmission(ev.SubmissionID).Warn("failed to reset submission progress", "error", err)
	}
}

func (o *Orchestrator) onExecutionCompleted(e event.Event) {
	ev, ok := e.(event.ExecutionEvent)
	if !ok {
		return
	}
	o.handleCompletion(o.bgContext(), ev.ExecutionID)
}

// handleCompletion records a finished execution's output on its submission,
// opens an audit and puts the task under review. Scoring runs in the
// background.
func (o *Orchestrator) handleCompletion(ctx context.Context, execID string) {
	logger := o.logger.WithExecution(execID)

	exec, err := o.store.GetExecution(ctx, execID)
	if err != nil {
		logger.Error("failed to load completed execution", "error", err)
		return
	}
	logger = logger.WithTask(exec.TaskID).WithSubmission(exec.SubmissionID)

	unlock, err := o.lockTask(ctx, exec.TaskID)
	if err != nil {
		return
	}

	sub, err := o.updateSubmission(ctx, exec.SubmissionID, func(s *model.Submission) ([]model.TimelineEntry, error) {
		if s.Status.IsTerminal() {
			return nil, errUnchanged
		}
		s.Output = exec.Output
		entries, err := moveSubmission(s, model.SubmissionSubmitted, model.ProgressVerifying,
			fmt.Sprintf("Submission %s submitted for verification", s.ID))
		if errors.Is(err, errUnchanged) {
			return nil, nil
		}
		return entries, err
	})
	if err != nil {
		unlock()
		logger.Error("failed to record submission output", "error", err)
		return
	}
	if sub.Status != model.SubmissionSubmitted {
		unlock()
		logger.Info("execution completed for a decided submission", "status", string(sub.Status))
		return
	}

	auditID, err := o.verifier.CreateAudit(ctx, execID)
	if err != nil {
		unlock()
		logger.Error("failed to open audit", "error", err)
		return
	}

	task, err := o.updateTask(ctx, exec.TaskID, "execution completed", func(t *model.Task) ([]model.TimelineEntry, error) {
		return o.enterReview(t, fmt.Sprintf("Submission %s under review", exec.SubmissionID))
	})
	unlock()
	if err != nil {
		logger.Error("failed to move task under review", "error", err)
	} else {
		o.releasePassed(ctx, task)
	}

	o.verifyAsync(auditID)
}

func (o *Orchestrator) verifyAsync(auditID string) {
	o.goBackground(func(ctx context.Context) {
		if _, err := o.verifier.RunAutomated(ctx, auditID); err != nil {
			o.logger.With("audit_id", auditID).Warn("automated verification did not finish", "error", err)
		}
	})
}

// onExecutionClosed handles executions that will not be retried: the
// submission is rejected and the task waits in review for other work.
func (o *Orchestrator) onExecutionClosed(e event.Event) {
	ev, ok := e.(event.ExecutionEvent)
	if !ok {
		return
	}
	ctx := o.bgContext()
	logger := o.logger.WithTask(ev.TaskID).WithSubmission(ev.SubmissionID).WithExecution(ev.ExecutionID)

	unlock, err := o.lockTask(ctx, ev.TaskID)
	if err != nil {
		return
	}
	defer unlock()

	// A cancelled attempt may already have a replacement.
	active, err := o.store.ListExecutions(ctx, store.ExecutionFilter{SubmissionID: ev.SubmissionID, Statuses: inFlight})
	if err != nil {
		logger.Error("failed to list executions", "error", err)
		return
	}
	if len(active) > 0 {
		return
	}

	reason := ev.Outcome
	if ev.Err != "" {
		reason = fmt.Sprintf("%s (%s)", ev.Outcome, ev.Err)
	}
	if ev.EventType() == event.ExecutionRejected {
		reason = fmt.Sprintf("execution failed after %d attempt(s): %s", ev.Attempt, reason)
	} else {
		reason = "execution cancelled: " + reason
	}
	if _, err := o.rejectSubmission(ctx, ev.SubmissionID, reason); err != nil {
		logger.Error("failed to reject submission", "error", err)
		return
	}

	o.settleIdleTask(ctx, ev.TaskID)
}

// settleIdleTask puts a task with no running work back under review and
// fails it when nothing more can happen. Callers hold the task lock.
func (o *Orchestrator) settleIdleTask(ctx context.Context, taskID string) {
	logger := o.logger.WithTask(taskID)

	active, err := o.store.ListExecutions(ctx, store.ExecutionFilter{TaskID: taskID, Statuses: inFlight})
	if err != nil {
		logger.Error("failed to list executions", "error", err)
		return
	}
	if len(active) > 0 {
		return
	}
	task, err := o.updateTask(ctx, taskID, "no executions running", func(t *model.Task) ([]model.TimelineEntry, error) {
		return o.enterReview(t, "No executions running; awaiting further submissions")
	})
	if err != nil {
		logger.Error("failed to move task under review", "error", err)
		return
	}
	o.releasePassed(ctx, task)
	if _, err := o.failIfExhausted(ctx, taskID); err != nil {
		logger.Error("failed to fail exhausted task", "error", err)
	}
}

// onVerdict reacts to automated and manual verdicts.
func (o *Orchestrator) onVerdict(e event.Event) {
	ev, ok := e.(event.VerificationEvent)
	if !ok {
		return
	}
	logger := o.logger.WithTask(ev.TaskID).WithSubmission(ev.SubmissionID).With("audit_id", ev.AuditID)
	reviewed := ev.EventType() == event.VerificationReviewed

	switch model.AuditStatus(ev.Status) {
	case model.AuditPassed:
		if !reviewed && !o.cfg.AutoRelease {
			logger.Info("audit passed; awaiting operator release", "score", ev.Score)
			o.note(o.bgContext(), ev.TaskID, model.TimelineVerification, string(model.AuditPassed),
				fmt.Sprintf("Submission %s passed; awaiting operator release", ev.SubmissionID))
			return
		}
		o.settleAsync(ev.TaskID, ev.SubmissionID, ev.AuditID)

	case model.AuditFailed:
		ctx := o.bgContext()
		unlock, err := o.lockTask(ctx, ev.TaskID)
		if err != nil {
			return
		}
		defer unlock()
		reason := fmt.Sprintf("verification failed with score %.2f", ev.Score)
		if reviewed {
			reason = "rejected by reviewer " + ev.ReviewerID
		}
		if _, err := o.rejectSubmission(ctx, ev.SubmissionID, reason); err != nil {
			logger.Error("failed to reject submission", "error", err)
			return
		}
		o.settleIdleTask(ctx, ev.TaskID)

	case model.AuditNeedsReview:
		logger.Info("audit needs manual review", "score", ev.Score)
	}
}

func (o *Orchestrator) settleAsync(taskID, subID, auditID string) {
	o.goBackground(func(ctx context.Context) {
		o.settle(ctx, taskID, subID, auditID)
	})
}

// settle releases escrow to a submission whose audit passed.
func (o *Orchestrator) settle(ctx context.Context, taskID, subID, auditID string) {
	logger := o.logger.WithTask(taskID).WithSubmission(subID).With("audit_id", auditID)

	ref, err := o.ledger.Release(ctx, escrow.ReleaseRequest{
		TaskID:             taskID,
		WinnerSubmissionID: subID,
		AuditID:            auditID,
	})
	if err == nil {
		logger.Info("escrow released", "payout_ref", ref)
		o.finishSettlement(ctx, taskID, subID)
		return
	}

	if !errors.IsDomainViolation(err) {
		logger.Error("release failed", "error", err)
		o.note(ctx, taskID, model.TimelinePayment, "release_failed",
			fmt.Sprintf("Release to submission %s failed: %v", subID, err))
		return
	}

	task, terr := o.store.GetTask(ctx, taskID)
	if terr == nil && task.Status == model.TaskInProgress && errors.Is(err, &errors.InvalidTransitionError{}) {
		// A resubmission is running. releasePassed picks this audit up once
		// the task is back under review.
		logger.Info("release deferred until running work finishes")
		o.note(ctx, taskID, model.TimelinePayment, "release_deferred",
			fmt.Sprintf("Release to submission %s deferred until running work finishes", subID))
		return
	}
	if terr == nil && task.PaymentStatus == model.PaymentReleased && task.Escrow.WinnerSubmissionID == subID {
		// Already paid by a concurrent settlement of the same audit.
		return
	}
	logger.Warn("release refused", "error", err)
	if terr == nil && task.PaymentStatus == model.PaymentReleased && task.Escrow.WinnerSubmissionID != subID {
		// Another submission was paid first.
		unlock, lerr := o.lockTask(context.WithoutCancel(ctx), taskID)
		if lerr == nil {
			_, _ = o.rejectSubmission(ctx, subID, "another submission won")
			unlock()
		}
		return
	}
	o.note(ctx, taskID, model.TimelinePayment, "release_refused",
		fmt.Sprintf("Release to submission %s refused: %v", subID, err))
}

// releasePassed settles passed audits of a task under review whose
// submissions are still waiting for a decision. It returns how many
// settlements were started.
func (o *Orchestrator) releasePassed(ctx context.Context, task *model.Task) int {
	if task.Status != model.TaskUnderReview || task.PaymentStatus != model.PaymentFunded || task.NeedsManualResolution {
		return 0
	}
	audits, err := o.store.ListAudits(ctx, task.ID)
	if err != nil {
		o.logger.WithTask(task.ID).Warn("failed to list audits", "error", err)
		return 0
	}
	started := 0
	for _, a := range audits {
		if a.Status != model.AuditPassed || (!o.cfg.AutoRelease && a.ManualDecision == "") {
			continue
		}
		sub, err := o.store.GetSubmission(ctx, a.SubmissionID)
		if err != nil || sub.Status != model.SubmissionSubmitted {
			continue
		}
		o.settleAsync(task.ID, a.SubmissionID, a.ID)
		started++
	}
	return started
}

// note appends a free-standing timeline entry.
func (o *Orchestrator) note(ctx context.Context, taskID string, kind model.TimelineKind, status, desc string) {
	entry := model.NewTimelineEntry(taskID, kind, status, desc)
	if err := o.store.AppendTimeline(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.WithTask(taskID).Warn("failed to append timeline entry", "error", err)
	}
}
