package verify

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/keylock"
	"github.com/bountyhub/bountyd/internal/llm"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/store"
)

// Default verdict thresholds.
const (
	DefaultPassThreshold = 80
	DefaultFailFloor     = 50
)

// Verdict is the result of an automated run.
type Verdict struct {
	AuditID string
	Status  model.AuditStatus
	Score   float64
	Checks  []model.CheckResult
	Passed  bool
	// Err is set when the reasoning provider could not grade an llm
	// criterion. It is a VerificationUnavailableError.
	Err error
}

// Engine creates, scores and reviews verification audits.
type Engine struct {
	store    store.Store
	provider llm.Provider
	bus      *event.Bus
	logger   *logging.Logger
	now      func() time.Time
	locks    *keylock.Locker

	mu        sync.RWMutex
	threshold float64
	floor     float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithProvider sets the reasoning provider used for llm criteria.
func WithProvider(p llm.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithBus publishes verification events on b.
func WithBus(b *event.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLogger sets the engine's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.WithComponent("verify")
		}
	}
}

// WithClock overrides the clock used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithThresholds sets the initial pass threshold and fail floor.
func WithThresholds(pass, floor float64) Option {
	return func(e *Engine) {
		e.threshold = pass
		e.floor = floor
	}
}

// New creates an Engine. It panics if st is nil.
func New(st store.Store, opts ...Option) *Engine {
	if st == nil {
		panic("verify: store is required")
	}
	e := &Engine{
		store:     st,
		logger:    logging.NopLogger(),
		now:       time.Now,
		locks:     keylock.New(),
		threshold: DefaultPassThreshold,
		floor:     DefaultFailFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetThresholds replaces the pass threshold and fail floor. Audits already
// scored keep their verdict.
func (e *Engine) SetThresholds(pass, floor float64) error {
	if pass < 0 || pass > 100 {
		return errors.NewValidationError("pass threshold must be between 0 and 100").
			WithField("pass_threshold").WithValue(pass)
	}
	if floor < 0 || floor > pass {
		return errors.NewValidationError("fail floor must be between 0 and the pass threshold").
			WithField("fail_floor").WithValue(floor)
	}
	e.mu.Lock()
	e.threshold, e.floor = pass, floor
	e.mu.Unlock()
	return nil
}

// Thresholds returns the current pass threshold and fail floor.
func (e *Engine) Thresholds() (pass, floor float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold, e.floor
}

// Reload applies the verification section of a reloaded configuration.
// It is meant to be passed to config.Watch.
func (e *Engine) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	v := cfg.Verification
	if err := e.SetThresholds(v.PassThreshold, v.FailFloor); err != nil {
		e.logger.Warn("ignoring verification thresholds from config", "error", err)
		return
	}
	e.logger.Info("verification thresholds reloaded", "pass_threshold", v.PassThreshold, "fail_floor", v.FailFloor)
}

// CreateAudit opens a pending audit for a completed execution and returns
// its id. Each execution gets at most one audit.
func (e *Engine) CreateAudit(ctx context.Context, executionID string) (string, error) {
	unlock, err := e.locks.Lock(ctx, "exec:"+executionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if exec.Status != model.ExecutionCompleted {
		return "", errors.NewInvalidStateError("execution", executionID, "create audit").
			WithCurrent(string(exec.Status)).
			WithRequired(string(model.ExecutionCompleted))
	}
	existing, err := e.store.ListAudits(ctx, exec.TaskID)
	if err != nil {
		return "", err
	}
	for _, a := range existing {
		if a.ExecutionID == executionID {
			return "", errors.NewInvalidStateError("execution", executionID, "create audit").
				WithMessage(fmt.Sprintf("audit %s already exists", a.ID))
		}
	}

	audit := &model.VerificationAudit{
		ID:           model.NewID(model.PrefixAudit),
		ExecutionID:  exec.ID,
		SubmissionID: exec.SubmissionID,
		TaskID:       exec.TaskID,
		Status:       model.AuditPending,
	}
	entry := model.NewTimelineEntry(exec.TaskID, model.TimelineVerification, string(model.AuditPending),
		fmt.Sprintf("Verification audit %s opened for execution %s", audit.ID, exec.ID))
	if err := e.store.CreateAudit(ctx, audit, entry); err != nil {
		return "", err
	}
	e.logger.WithTask(exec.TaskID).WithExecution(exec.ID).Info("audit created", "audit_id", audit.ID)
	return audit.ID, nil
}

// RunAutomated scores the audit's execution output and records the verdict.
// A pending or in-progress audit may be run; in-progress covers a run that
// was interrupted. If ctx ends while grading, the audit is left in progress
// and ctx's error is returned.
func (e *Engine) RunAutomated(ctx context.Context, auditID string) (*Verdict, error) {
	unlock, err := e.locks.Lock(ctx, auditID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	audit, err := e.store.GetAudit(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if audit.Status != model.AuditPending && audit.Status != model.AuditInProgress {
		return nil, errors.NewInvalidStateError("audit", auditID, "run automated verification").
			WithCurrent(string(audit.Status)).
			WithRequired(string(model.AuditPending), string(model.AuditInProgress))
	}
	exec, err := e.store.GetExecution(ctx, audit.ExecutionID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, audit.TaskID)
	if err != nil {
		return nil, err
	}
	logger := e.logger.WithTask(task.ID).WithExecution(exec.ID).With("audit_id", audit.ID)

	if audit.Status == model.AuditPending {
		audit.Status = model.AuditInProgress
		if err := e.store.UpdateAudit(ctx, audit); err != nil {
			return nil, err
		}
	}

	ev, err := e.evaluate(ctx, task, exec.Output)
	if err != nil {
		return nil, err
	}
	pass, floor := e.Thresholds()
	status, score := decide(ev, pass, floor)

	v := &Verdict{
		AuditID: audit.ID,
		Status:  status,
		Score:   score,
		Checks:  ev.checks,
		Passed:  status == model.AuditPassed,
	}
	if ev.providerErr != nil {
		v.Err = errors.NewVerificationUnavailableError(audit.ID, ev.providerErr)
		audit.Error = v.Err.Error()
	} else if ev.reason != "" {
		audit.Error = ev.reason
	}

	now := e.now()
	audit.Status = status
	audit.Score = score
	audit.Checks = ev.checks
	audit.CompletedAt = &now
	entry := model.NewTimelineEntry(task.ID, model.TimelineVerification, string(status), describeVerdict(v, pass))
	if err := e.store.UpdateAudit(context.WithoutCancel(ctx), audit, entry); err != nil {
		return nil, err
	}

	if v.Err != nil {
		logger.Warn("verification needs review, provider unavailable", "error", v.Err)
	} else {
		logger.Info("verification completed", "status", status, "score", score)
	}
	e.emit(event.NewVerificationCompletedEvent(audit.ID, exec.ID, audit.SubmissionID, task.ID, string(status), score))
	return v, nil
}

// SubmitManualReview records a reviewer's final decision. The audit becomes
// passed or failed and is frozen; notes, when non-empty, are appended.
func (e *Engine) SubmitManualReview(ctx context.Context, auditID, reviewerID, notes string, decision model.ReviewDecision) (*model.VerificationAudit, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, errors.NewValidationError("reviewer id is required").WithField("reviewer_id")
	}
	if !decision.Valid() {
		return nil, errors.NewValidationError("decision must be approve or reject").
			WithField("decision").WithValue(string(decision))
	}

	unlock, err := e.locks.Lock(ctx, auditID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	audit, err := e.store.GetAudit(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if audit.Finalized {
		return nil, errors.NewInvalidStateError("audit", auditID, "submit review").
			WithCurrent(string(audit.Status)).
			WithCause(errors.ErrAuditFinalized)
	}
	if audit.ReviewerID != "" && audit.ReviewerID != reviewerID {
		return nil, errors.NewInvalidStateError("audit", auditID, "submit review").
			WithMessage(fmt.Sprintf("assigned to reviewer %s", audit.ReviewerID))
	}

	target := model.AuditFailed
	if decision == model.DecisionApprove {
		target = model.AuditPassed
	}
	if audit.Status != target && !audit.Status.CanTransition(target) {
		return nil, errors.NewInvalidTransitionError("audit", auditID, string(audit.Status), string(target))
	}

	now := e.now()
	audit.Status = target
	audit.ReviewerID = reviewerID
	audit.ManualDecision = decision
	audit.Finalized = true
	audit.CompletedAt = &now
	if strings.TrimSpace(notes) != "" {
		audit.Notes = append(audit.Notes, model.ReviewNote{Author: reviewerID, Text: notes, CreatedAt: now})
	}
	entry := model.NewTimelineEntry(audit.TaskID, model.TimelineVerification, string(target),
		fmt.Sprintf("Reviewer %s decided %s on audit %s", reviewerID, decision, audit.ID))
	if err := e.store.UpdateAudit(ctx, audit, entry); err != nil {
		return nil, err
	}

	e.logger.WithTask(audit.TaskID).Info("manual review recorded",
		"audit_id", audit.ID, "reviewer", reviewerID, "decision", decision)
	e.emit(event.NewVerificationReviewedEvent(audit.ID, audit.ExecutionID, audit.SubmissionID, audit.TaskID,
		string(target), reviewerID, audit.Score))
	return audit, nil
}

// AssignReviewer restricts manual review of an audit to reviewerID.
func (e *Engine) AssignReviewer(ctx context.Context, auditID, reviewerID string) error {
	if strings.TrimSpace(reviewerID) == "" {
		return errors.NewValidationError("reviewer id is required").WithField("reviewer_id")
	}
	unlock, err := e.locks.Lock(ctx, auditID)
	if err != nil {
		return err
	}
	defer unlock()

	audit, err := e.store.GetAudit(ctx, auditID)
	if err != nil {
		return err
	}
	if audit.Finalized {
		return errors.NewInvalidStateError("audit", auditID, "assign reviewer").
			WithCurrent(string(audit.Status)).
			WithCause(errors.ErrAuditFinalized)
	}
	audit.ReviewerID = reviewerID
	entry := model.NewTimelineEntry(audit.TaskID, model.TimelineVerification, string(audit.Status),
		fmt.Sprintf("Audit %s assigned to reviewer %s", audit.ID, reviewerID))
	return e.store.UpdateAudit(ctx, audit, entry)
}

// AppendNote adds a reviewer note. Notes are accepted in any state,
// including after the audit is finalized.
func (e *Engine) AppendNote(ctx context.Context, auditID, author, text string) (*model.VerificationAudit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.NewValidationError("note text is required").WithField("text")
	}
	if strings.TrimSpace(author) == "" {
		return nil, errors.NewValidationError("note author is required").WithField("author")
	}
	unlock, err := e.locks.Lock(ctx, auditID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	audit, err := e.store.GetAudit(ctx, auditID)
	if err != nil {
		return nil, err
	}
	audit.Notes = append(audit.Notes, model.ReviewNote{Author: author, Text: text, CreatedAt: e.now()})
	if err := e.store.UpdateAudit(ctx, audit); err != nil {
		return nil, err
	}
	return audit, nil
}

// Get returns an audit.
func (e *Engine) Get(ctx context.Context, auditID string) (*model.VerificationAudit, error) {
	return e.store.GetAudit(ctx, auditID)
}

// ListByTask returns a task's audits in creation order.
func (e *Engine) ListByTask(ctx context.Context, taskID string) ([]*model.VerificationAudit, error) {
	return e.store.ListAudits(ctx, taskID)
}

// evaluation is the raw outcome of scoring one output.
type evaluation struct {
	checks []model.CheckResult
	// ungraded marks checks that could not be scored: llm checks the
	// provider could not grade and structured checks that could not run.
	// They carry no score, are left out of the weighted mean and send the
	// audit to review unless a required check failed outright.
	ungraded    []bool
	providerErr error
	// reason explains a verdict that had nothing to score.
	reason string
}

// implicitCriterion grades the free-text description when a task has no
// structured metrics.
var implicitCriterion = model.Criterion{
	Name:     "description",
	Kind:     model.CriterionLLM,
	Weight:   1,
	Required: true,
}

func (e *Engine) evaluate(ctx context.Context, task *model.Task, output string) (evaluation, error) {
	criteria := task.Criteria.Metrics
	if len(criteria) == 0 {
		if e.provider == nil {
			return evaluation{reason: "no structured criteria and no reasoning provider"}, nil
		}
		criteria = []model.Criterion{implicitCriterion}
	}

	ev := evaluation{
		checks:   make([]model.CheckResult, 0, len(criteria)),
		ungraded: make([]bool, 0, len(criteria)),
	}
	for _, c := range criteria {
		if c.Kind != model.CriterionLLM {
			res := check(c, output)
			ev.checks = append(ev.checks, res)
			ev.ungraded = append(ev.ungraded, res.Ambiguous)
			continue
		}
		res, err := e.grade(ctx, task, c, output)
		if err != nil {
			if ctx.Err() != nil {
				return evaluation{}, ctx.Err()
			}
			if ev.providerErr == nil {
				ev.providerErr = err
			}
		}
		ev.checks = append(ev.checks, res)
		ev.ungraded = append(ev.ungraded, err != nil)
	}
	return ev, nil
}

// decide turns an evaluation into a verdict. The order matters: a decisive
// required failure beats everything, and an ungradable criterion can only
// lead to review, never to a pass or a floor failure.
func decide(ev evaluation, pass, floor float64) (model.AuditStatus, float64) {
	var sum, weights float64
	ambiguous := false
	requiredFailed := false
	unscored := false
	for i, c := range ev.checks {
		if c.Ambiguous {
			ambiguous = true
		} else if c.Required && !c.Passed {
			requiredFailed = true
		}
		if ev.ungraded[i] {
			unscored = true
			continue
		}
		sum += c.Score * c.Weight
		weights += c.Weight
	}
	score := 0.0
	if weights > 0 {
		score = math.Round(sum/weights*100) / 100
	}

	switch {
	case requiredFailed:
		return model.AuditFailed, score
	case ev.providerErr != nil, unscored, len(ev.checks) == 0:
		return model.AuditNeedsReview, score
	case score < floor:
		return model.AuditFailed, score
	case ambiguous:
		return model.AuditNeedsReview, score
	case score >= pass:
		return model.AuditPassed, score
	default:
		return model.AuditNeedsReview, score
	}
}

func describeVerdict(v *Verdict, pass float64) string {
	switch v.Status {
	case model.AuditPassed:
		return fmt.Sprintf("Audit %s passed with score %.2f (threshold %g)", v.AuditID, v.Score, pass)
	case model.AuditFailed:
		return fmt.Sprintf("Audit %s failed with score %.2f", v.AuditID, v.Score)
	default:
		if v.Err != nil {
			return fmt.Sprintf("Audit %s needs manual review: verification unavailable", v.AuditID)
		}
		return fmt.Sprintf("Audit %s needs manual review (score %.2f)", v.AuditID, v.Score)
	}
}

func (e *Engine) emit(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
