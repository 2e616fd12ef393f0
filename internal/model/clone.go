package model

import (
	"slices"
	"time"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Deadline = cloneTime(t.Deadline)
	cp.UnderReviewSince = cloneTime(t.UnderReviewSince)
	cp.Criteria.Metrics = slices.Clone(t.Criteria.Metrics)
	cp.Escrow.FundedAt = cloneTime(t.Escrow.FundedAt)
	cp.Escrow.ReleasedAt = cloneTime(t.Escrow.ReleasedAt)
	cp.Escrow.RefundedAt = cloneTime(t.Escrow.RefundedAt)
	return &cp
}

// Clone returns a deep copy of the submission.
func (s *Submission) Clone() *Submission {
	cp := *s
	cp.Worker.Command = slices.Clone(s.Worker.Command)
	cp.Worker.Scopes = slices.Clone(s.Worker.Scopes)
	return &cp
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.NextRetryAt = cloneTime(e.NextRetryAt)
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

// Clone returns a deep copy of the audit.
func (a *VerificationAudit) Clone() *VerificationAudit {
	cp := *a
	cp.Checks = slices.Clone(a.Checks)
	cp.Notes = slices.Clone(a.Notes)
	cp.CompletedAt = cloneTime(a.CompletedAt)
	return &cp
}
