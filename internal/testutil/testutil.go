// Package testutil provides fixtures shared by the pipeline's package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/llm"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/store"
)

// NewStore returns an empty in-memory store.
func NewStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// OpenTask creates an open, unfunded task with the given reward.
func OpenTask(t *testing.T, st store.Store, reward string, criteria model.Criteria) *model.Task {
	t.Helper()

	task := &model.Task{
		ID:            model.NewID(model.PrefixTask),
		Title:         "test task",
		Description:   "produce the expected output",
		Reward:        decimal.RequireFromString(reward),
		Currency:      "USD",
		Criteria:      criteria,
		Status:        model.TaskOpen,
		PaymentStatus: model.PaymentPending,
	}
	task.Escrow.FeePercent = decimal.NewFromInt(15)
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

// FundedTask creates a task whose escrow is already confirmed.
func FundedTask(t *testing.T, st store.Store, reward string, criteria model.Criteria) *model.Task {
	t.Helper()

	task := OpenTask(t, st, reward, criteria)
	now := time.Now()
	task.Status = model.TaskFunded
	task.PaymentStatus = model.PaymentFunded
	task.Escrow.CheckoutSessionID = "cs_test"
	task.Escrow.PaymentIntentID = "pi_" + task.ID
	task.Escrow.AmountHeld = task.Reward
	task.Escrow.FundedAt = &now
	if err := st.UpdateTask(context.Background(), store.TaskUpdate{Task: task}); err != nil {
		t.Fatalf("failed to fund task: %v", err)
	}
	return task
}

// AddSubmission registers a pending submission for taskID.
func AddSubmission(t *testing.T, st store.Store, taskID string, worker model.WorkerSpec) *model.Submission {
	t.Helper()

	sub := &model.Submission{
		ID:       model.NewID(model.PrefixSubmission),
		TaskID:   taskID,
		WorkerID: "worker-1",
		Status:   model.SubmissionPending,
		Worker:   worker,
	}
	if err := st.CreateSubmission(context.Background(), sub); err != nil {
		t.Fatalf("failed to create submission: %v", err)
	}
	return sub
}

// CompletedExecution stores a finished, successful execution of sub with
// the given output.
func CompletedExecution(t *testing.T, st store.Store, sub *model.Submission, output string) *model.Execution {
	t.Helper()

	now := time.Now()
	exec := &model.Execution{
		ID:           model.NewID(model.PrefixExecution),
		SubmissionID: sub.ID,
		TaskID:       sub.TaskID,
		WorkerID:     sub.WorkerID,
		Status:       model.ExecutionCompleted,
		MaxRetries:   3,
		Outcome:      "succeeded",
		Output:       output,
		StartedAt:    &now,
		CompletedAt:  &now,
	}
	if err := st.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}
	return exec
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s: %s", timeout, msg)
	}
}

// Recorder collects every event published on a bus.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

// Record subscribes a new Recorder to all events on bus.
func Record(bus *event.Bus) *Recorder {
	r := &Recorder{}
	bus.SubscribeAll(r.handle)
	return r
}

func (r *Recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

// Count returns how many events of eventType were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

// Find returns the recorded events of eventType.
func (r *Recorder) Find(eventType string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []event.Event
	for _, e := range r.events {
		if e.EventType() == eventType {
			found = append(found, e)
		}
	}
	return found
}

// ScriptedProvider is an llm.Provider that replays canned replies in order.
// The last reply repeats once the script runs out.
type ScriptedProvider struct {
	mu      sync.Mutex
	replies []Reply
	prompts []string
}

// Reply is one scripted completion or failure.
type Reply struct {
	Text   string
	Tokens int
	Err    error
}

// NewScriptedProvider returns a provider replaying replies.
func NewScriptedProvider(replies ...Reply) *ScriptedProvider {
	return &ScriptedProvider{replies: replies}
}

// Complete implements llm.Provider.
func (p *ScriptedProvider) Complete(ctx context.Context, prompt string, _ llm.Constraints) (llm.Completion, error) {
	if err := ctx.Err(); err != nil {
		return llm.Completion{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prompts = append(p.prompts, prompt)
	if len(p.replies) == 0 {
		return llm.Completion{}, nil
	}
	r := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	if r.Err != nil {
		return llm.Completion{}, r.Err
	}
	return llm.Completion{Text: r.Text, TokensUsed: r.Tokens, FinishReason: "stop"}, nil
}

// Prompts returns every prompt received so far.
func (p *ScriptedProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

var _ llm.Provider = (*ScriptedProvider)(nil)
