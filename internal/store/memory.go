package store

import (
	"context"
	"sort"
	"sync"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/model"
)

// Memory is an in-process Store. Every read returns a copy, so callers may
// mutate results freely. All methods are safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	opts        options
	tasks       map[string]*model.Task
	submissions map[string]*model.Submission
	executions  map[string]*model.Execution
	audits      map[string]*model.VerificationAudit
	timeline    map[string][]model.TimelineEntry // taskID -> entries
	events      map[string]string                // eventID -> taskID
	order       map[string]int64                 // insertion order for stable listings
	seq         int64
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		opts:        o,
		tasks:       make(map[string]*model.Task),
		submissions: make(map[string]*model.Submission),
		executions:  make(map[string]*model.Execution),
		audits:      make(map[string]*model.VerificationAudit),
		timeline:    make(map[string][]model.TimelineEntry),
		events:      make(map[string]string),
		order:       make(map[string]int64),
	}
}

func (m *Memory) track(id string) {
	m.seq++
	m.order[id] = m.seq
}

// appendTimelineLocked stamps and stores entries. Caller holds mu.
func (m *Memory) appendTimelineLocked(entries []model.TimelineEntry) {
	now := m.opts.now()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = model.NewID(model.PrefixTimeline)
		}
		e.CreatedAt = now
		m.timeline[e.TaskID] = append(m.timeline[e.TaskID], e)
	}
}

// CreateTask inserts a new task at version 1.
func (m *Memory) CreateTask(_ context.Context, task *model.Task, timeline ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; ok {
		return errors.NewValidationError("task already exists").WithField("id").WithValue(task.ID)
	}
	now := m.opts.now()
	task.Version = 1
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = task.Clone()
	m.track(task.ID)
	m.appendTimelineLocked(timeline)
	return nil
}

// GetTask returns the task or a NotFoundError.
func (m *Memory) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	return t.Clone(), nil
}

// ListTasks returns tasks in creation order, optionally filtered by status.
func (m *Memory) ListTasks(_ context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Task
	for _, t := range m.tasks {
		if len(statuses) > 0 && !containsStatus(statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

func containsStatus[S comparable](list []S, s S) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// UpdateTask applies a versioned task write.
func (m *Memory) UpdateTask(_ context.Context, u TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[u.Task.ID]
	if !ok {
		return errors.NewNotFoundError("task", u.Task.ID).WithCause(errors.ErrTaskNotFound)
	}
	if u.EventID != "" {
		if _, seen := m.events[u.EventID]; seen {
			return errors.NewDuplicateEventError(u.EventID, u.Task.ID)
		}
	}
	if cur.Version != u.Task.Version {
		return errors.Wrapf(errors.ErrVersionConflict, "task %s at version %d, write expected %d", u.Task.ID, cur.Version, u.Task.Version)
	}

	u.Task.Version++
	u.Task.UpdatedAt = m.opts.now()
	u.Task.CreatedAt = cur.CreatedAt
	m.tasks[u.Task.ID] = u.Task.Clone()
	if u.EventID != "" {
		m.events[u.EventID] = u.Task.ID
	}
	m.appendTimelineLocked(u.Timeline)
	return nil
}

// DeleteTask removes a task and everything it owns.
func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	delete(m.tasks, id)
	delete(m.timeline, id)
	for sid, s := range m.submissions {
		if s.TaskID == id {
			delete(m.submissions, sid)
		}
	}
	for eid, e := range m.executions {
		if e.TaskID == id {
			delete(m.executions, eid)
		}
	}
	for aid, a := range m.audits {
		if a.TaskID == id {
			delete(m.audits, aid)
		}
	}
	for evt, tid := range m.events {
		if tid == id {
			delete(m.events, evt)
		}
	}
	return nil
}

// CreateSubmission inserts a submission for an existing task.
func (m *Memory) CreateSubmission(_ context.Context, sub *model.Submission, timeline ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[sub.TaskID]; !ok {
		return errors.NewNotFoundError("task", sub.TaskID).WithCause(errors.ErrTaskNotFound)
	}
	now := m.opts.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.submissions[sub.ID] = sub.Clone()
	m.track(sub.ID)
	m.appendTimelineLocked(timeline)
	return nil
}

// GetSubmission returns the submission or a NotFoundError.
func (m *Memory) GetSubmission(_ context.Context, id string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[id]
	if !ok {
		return nil, errors.NewNotFoundError("submission", id).WithCause(errors.ErrSubmissionNotFound)
	}
	return s.Clone(), nil
}

// ListSubmissions returns a task's submissions in creation order.
func (m *Memory) ListSubmissions(_ context.Context, taskID string) ([]*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Submission
	for _, s := range m.submissions {
		if s.TaskID == taskID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

// UpdateSubmission overwrites a submission.
func (m *Memory) UpdateSubmission(_ context.Context, sub *model.Submission, timeline ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.submissions[sub.ID]
	if !ok {
		return errors.NewNotFoundError("submission", sub.ID).WithCause(errors.ErrSubmissionNotFound)
	}
	sub.CreatedAt = cur.CreatedAt
	sub.UpdatedAt = m.opts.now()
	m.submissions[sub.ID] = sub.Clone()
	m.appendTimelineLocked(timeline)
	return nil
}

// CreateExecution inserts an execution for an existing submission.
func (m *Memory) CreateExecution(_ context.Context, exec *model.Execution, timeline ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.submissions[exec.SubmissionID]; !ok {
		return errors.NewNotFoundError("submission", exec.SubmissionID).WithCause(errors.ErrSubmissionNotFound)
	}
	if exec.QueuedAt.IsZero() {
		exec.QueuedAt = m.opts.now()
	}
	m.executions[exec.ID] = exec.Clone()
	m.track(exec.ID)
	m.appendTimelineLocked(timeline)
	return nil
}

// GetExecution returns the execution or a NotFoundError.
func (m *Memory) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, errors.NewNotFoundError("execution", id).WithCause(errors.ErrExecutionNotFound)
	}
	return e.Clone(), nil
}

// ListExecutions returns matching executions in creation order.
func (m *Memory) ListExecutions(_ context.Context, f ExecutionFilter) ([]*model.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Execution
	for _, e := range m.executions {
		if matchesExecution(e, f) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

// UpdateExecution overwrites an execution, guarded on ExpectStatus when set.
func (m *Memory) UpdateExecution(_ context.Context, u ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.executions[u.Execution.ID]
	if !ok {
		return errors.NewNotFoundError("execution", u.Execution.ID).WithCause(errors.ErrExecutionNotFound)
	}
	if u.ExpectStatus != "" && cur.Status != u.ExpectStatus {
		return errors.NewInvalidTransitionError("execution", cur.ID, string(cur.Status), string(u.Execution.Status))
	}
	m.executions[u.Execution.ID] = u.Execution.Clone()
	m.appendTimelineLocked(u.Timeline)
	return nil
}

// CreateAudit inserts an audit.
func (m *Memory) CreateAudit(_ context.Context, audit *model.VerificationAudit, timeline ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[audit.ExecutionID]; !ok {
		return errors.NewNotFoundError("execution", audit.ExecutionID).WithCause(errors.ErrExecutionNotFound)
	}
	now := m.opts.now()
	audit.CreatedAt = now
	audit.UpdatedAt = now
	m.audits[audit.ID] = audit.Clone()
	m.track(audit.ID)
	m.appendTimelineLocked(timeline)
	return nil
}

// GetAudit returns the audit or a NotFoundError.
func (m *Memory) GetAudit(_ context.Context, id string) (*model.VerificationAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.audits[id]
	if !ok {
		return nil, errors.NewNotFoundError("audit", id).WithCause(errors.ErrAuditNotFound)
	}
	return a.Clone(), nil
}

// ListAudits returns a task's audits in creation order.
func (m *Memory) ListAudits(_ context.Context, taskID string) ([]*model.VerificationAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.VerificationAudit
	for _, a := range m.audits {
		if a.TaskID == taskID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

// UpdateAudit overwrites an audit.
func (m *Memory) UpdateAudit(_ context.Context, audit *model.VerificationAudit, timeline ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.audits[audit.ID]
	if !ok {
		return errors.NewNotFoundError("audit", audit.ID).WithCause(errors.ErrAuditNotFound)
	}
	audit.CreatedAt = cur.CreatedAt
	audit.UpdatedAt = m.opts.now()
	m.audits[audit.ID] = audit.Clone()
	m.appendTimelineLocked(timeline)
	return nil
}

// AppendTimeline stores standalone timeline entries.
func (m *Memory) AppendTimeline(_ context.Context, entries ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendTimelineLocked(entries)
	return nil
}

// ListTimeline returns a task's timeline oldest first.
func (m *Memory) ListTimeline(_ context.Context, taskID string) ([]model.TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.timeline[taskID]
	out := make([]model.TimelineEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// EventProcessed reports whether a payment event id has been recorded.
func (m *Memory) EventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[eventID]
	return ok, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
