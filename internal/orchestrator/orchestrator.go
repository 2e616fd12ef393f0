package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/escrow"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/keylock"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/store"
	"github.com/bountyhub/bountyd/internal/verify"
)

// Queue admits and cancels executions.
type Queue interface {
	Enqueue(ctx context.Context, submissionID string, priority int) (string, error)
	CancelTask(ctx context.Context, taskID string) error
}

// Verifier creates and scores audits.
type Verifier interface {
	CreateAudit(ctx context.Context, executionID string) (string, error)
	RunAutomated(ctx context.Context, auditID string) (*verify.Verdict, error)
}

// Ledger moves escrowed money.
type Ledger interface {
	Release(ctx context.Context, req escrow.ReleaseRequest) (string, error)
	Refund(ctx context.Context, taskID, reason string) (string, error)
}

// Orchestrator coordinates tasks, submissions and settlement.
type Orchestrator struct {
	store    store.Store
	queue    Queue
	verifier Verifier
	ledger   Ledger
	bus      *event.Bus
	logger   *logging.Logger
	cfg      config.SettlementConfig
	now      func() time.Time
	locks    *keylock.Locker

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []string
	bg      conc.WaitGroup
	stopped chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l.WithComponent("orchestrator")
		}
	}
}

// WithClock overrides the clock used for deadlines and the review grace period.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. All dependencies are required.
func New(st store.Store, q Queue, v Verifier, l Ledger, bus *event.Bus, cfg config.SettlementConfig, opts ...Option) *Orchestrator {
	if st == nil || q == nil || v == nil || l == nil || bus == nil {
		panic("orchestrator: store, queue, verifier, ledger and bus are required")
	}
	o := &Orchestrator{
		store:    st,
		queue:    q,
		verifier: v,
		ledger:   l,
		bus:      bus,
		logger:   logging.NopLogger(),
		cfg:      cfg,
		now:      time.Now,
		locks:    keylock.New(),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start subscribes to pipeline events and starts the deadline sweep.
// Background work runs until Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped != nil {
		return
	}

	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.stopped = make(chan struct{})
	o.subs = []string{
		o.bus.Subscribe(event.ExecutionStarted, o.onExecutionStarted),
		o.bus.Subscribe(event.ExecutionCompleted, o.onExecutionCompleted),
		o.bus.Subscribe(event.ExecutionRetryScheduled, o.onRetryScheduled),
		o.bus.Subscribe(event.ExecutionRejected, o.onExecutionClosed),
		o.bus.Subscribe(event.ExecutionCancelled, o.onExecutionClosed),
		o.bus.Subscribe(event.VerificationCompleted, o.onVerdict),
		o.bus.Subscribe(event.VerificationReviewed, o.onVerdict),
	}

	if o.cfg.SweepInterval > 0 {
		stopped := o.stopped
		o.bg.Go(func() { o.sweepLoop(stopped) })
	}
	o.logger.Info("orchestrator started", "auto_release", o.cfg.AutoRelease)
}

// Stop unsubscribes and waits for background verification and settlement.
// If ctx ends first, in-flight work is cancelled; interrupted audits are
// resumed by Recover on the next start.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped == nil {
		o.mu.Unlock()
		return nil
	}
	for _, id := range o.subs {
		o.bus.Unsubscribe(id)
	}
	o.subs = nil
	close(o.stopped)
	o.stopped = nil
	cancel := o.cancel
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if r := o.bg.WaitAndRecover(); r != nil {
			o.logger.Error("background work panicked", "panic", r.String())
		}
		close(done)
	}()

	select {
	case <-done:
		cancel()
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// bgContext returns the context background work runs under.
func (o *Orchestrator) bgContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

// goBackground runs fn on the background wait group.
func (o *Orchestrator) goBackground(fn func(ctx context.Context)) {
	ctx := o.bgContext()
	o.bg.Go(func() { fn(ctx) })
}

// Recover resumes work interrupted by a restart: audits that were never
// scored, completed executions that never got an audit, and passed audits
// whose release did not happen. It returns how many items were resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	tasks, err := o.store.ListTasks(ctx, model.TaskInProgress, model.TaskUnderReview)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, task := range tasks {
		audits, err := o.store.ListAudits(ctx, task.ID)
		if err != nil {
			return resumed, err
		}
		audited := make(map[string]bool, len(audits))
		for _, a := range audits {
			audited[a.ExecutionID] = true
			if a.Status == model.AuditPending || a.Status == model.AuditInProgress {
				o.verifyAsync(a.ID)
				resumed++
			}
		}
		resumed += o.releasePassed(ctx, task)

		execs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{
			TaskID:   task.ID,
			Statuses: []model.ExecutionStatus{model.ExecutionCompleted},
		})
		if err != nil {
			return resumed, err
		}
		for _, e := range execs {
			if !audited[e.ID] {
				o.handleCompletion(ctx, e.ID)
				resumed++
			}
		}
	}
	if resumed > 0 {
		o.logger.Info("recovered interrupted work", "items", resumed)
	}
	return resumed, nil
}
