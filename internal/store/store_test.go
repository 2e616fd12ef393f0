package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/model"
)

// forEachStore runs fn against every backend available in the test
// environment. Postgres runs only when BOUNTYD_TEST_PG_DSN is set.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})

	t.Run("sqlite3", func(t *testing.T) {
		s, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("OpenSQL: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})

	if dsn := os.Getenv("BOUNTYD_TEST_PG_DSN"); dsn != "" {
		t.Run("pgx", func(t *testing.T) {
			s, err := OpenSQL(context.Background(), DriverPostgres, dsn)
			if err != nil {
				t.Fatalf("OpenSQL: %v", err)
			}
			t.Cleanup(func() {
				for _, table := range []string{"processed_events", "timeline", "audits", "executions", "submissions", "tasks"} {
					_, _ = s.db.Exec("DELETE FROM " + table)
				}
				_ = s.Close()
			})
			fn(t, s)
		})
	}
}

func newTask() *model.Task {
	deadline := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
	return &model.Task{
		ID:            model.NewID(model.PrefixTask),
		Title:         "Summarize the changelog",
		Description:   "One paragraph, plain English",
		Reward:        decimal.RequireFromString("100.00"),
		Currency:      "USD",
		Deadline:      &deadline,
		Status:        model.TaskOpen,
		PaymentStatus: model.PaymentPending,
		Criteria: model.Criteria{
			Description: "mentions the release",
			Metrics: []model.Criterion{
				{Name: "release", Kind: model.CriterionContains, Value: "v2", Weight: 1, Required: true},
			},
		},
	}
}

func seedExecution(t *testing.T, ctx context.Context, s Store) (*model.Task, *model.Submission, *model.Execution) {
	t.Helper()
	task := newTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sub := &model.Submission{
		ID:       model.NewID(model.PrefixSubmission),
		TaskID:   task.ID,
		WorkerID: "worker-1",
		Status:   model.SubmissionPending,
		Worker:   model.WorkerSpec{Kind: model.WorkerProcess, Command: []string{"echo", "v2"}},
	}
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	exec := &model.Execution{
		ID:               model.NewID(model.PrefixExecution),
		SubmissionID:     sub.ID,
		TaskID:           task.ID,
		WorkerID:         sub.WorkerID,
		Status:           model.ExecutionQueued,
		MaxRetries:       3,
		Timeout:          30 * time.Second,
		MemoryLimitBytes: 64 << 20,
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return task, sub, exec
}

func TestStore_TaskRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task := newTask()
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if task.Version != 1 {
			t.Errorf("Version = %d, want 1", task.Version)
		}

		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if !got.Reward.Equal(task.Reward) {
			t.Errorf("Reward = %s, want %s", got.Reward, task.Reward)
		}
		if got.Deadline == nil || !got.Deadline.Equal(*task.Deadline) {
			t.Errorf("Deadline = %v, want %v", got.Deadline, task.Deadline)
		}
		if len(got.Criteria.Metrics) != 1 || got.Criteria.Metrics[0].Value != "v2" {
			t.Errorf("Criteria = %+v", got.Criteria)
		}
		if got.Status != model.TaskOpen || got.PaymentStatus != model.PaymentPending {
			t.Errorf("status = %s/%s", got.Status, got.PaymentStatus)
		}
	})
}

func TestStore_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetTask(ctx, "missing")
		if !errors.Is(err, errors.ErrTaskNotFound) || !errors.IsNotFound(err) {
			t.Errorf("GetTask error = %v, want task not found", err)
		}
		if _, err := s.GetSubmission(ctx, "missing"); !errors.Is(err, errors.ErrSubmissionNotFound) {
			t.Errorf("GetSubmission error = %v", err)
		}
		if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, errors.ErrExecutionNotFound) {
			t.Errorf("GetExecution error = %v", err)
		}
		if _, err := s.GetAudit(ctx, "missing"); !errors.Is(err, errors.ErrAuditNotFound) {
			t.Errorf("GetAudit error = %v", err)
		}

		sub := &model.Submission{ID: "s", TaskID: "missing", Status: model.SubmissionPending}
		if err := s.CreateSubmission(ctx, sub); !errors.IsNotFound(err) {
			t.Errorf("CreateSubmission for missing task error = %v", err)
		}
	})
}

func TestStore_UpdateTaskVersionConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task := newTask()
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}

		first, _ := s.GetTask(ctx, task.ID)
		second, _ := s.GetTask(ctx, task.ID)

		first.Status = model.TaskFunded
		first.PaymentStatus = model.PaymentFunded
		if err := s.UpdateTask(ctx, TaskUpdate{Task: first}); err != nil {
			t.Fatalf("first UpdateTask: %v", err)
		}
		if first.Version != 2 {
			t.Errorf("Version after write = %d, want 2", first.Version)
		}

		second.Status = model.TaskCancelled
		err := s.UpdateTask(ctx, TaskUpdate{Task: second})
		if !errors.Is(err, errors.ErrVersionConflict) {
			t.Fatalf("stale UpdateTask error = %v, want version conflict", err)
		}
		if second.Version != 1 {
			t.Errorf("failed write must not bump the caller's version, got %d", second.Version)
		}

		got, _ := s.GetTask(ctx, task.ID)
		if got.Status != model.TaskFunded || got.Version != 2 {
			t.Errorf("stored task = %s v%d, want funded v2", got.Status, got.Version)
		}
	})
}

func TestStore_DuplicateEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task := newTask()
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}

		task.PaymentStatus = model.PaymentFunded
		entry := model.NewTimelineEntry(task.ID, model.TimelinePayment, "funded", "Escrow funded")
		if err := s.UpdateTask(ctx, TaskUpdate{Task: task, EventID: "evt_1", Timeline: []model.TimelineEntry{entry}}); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		processed, err := s.EventProcessed(ctx, "evt_1")
		if err != nil || !processed {
			t.Fatalf("EventProcessed = %v, %v", processed, err)
		}

		again := model.NewTimelineEntry(task.ID, model.TimelinePayment, "funded", "Escrow funded")
		err = s.UpdateTask(ctx, TaskUpdate{Task: task, EventID: "evt_1", Timeline: []model.TimelineEntry{again}})
		if !errors.IsDuplicate(err) {
			t.Fatalf("replayed event error = %v, want duplicate", err)
		}

		timeline, _ := s.ListTimeline(ctx, task.ID)
		if len(timeline) != 1 {
			t.Errorf("timeline has %d entries, a duplicate must not append", len(timeline))
		}
	})
}

func TestStore_TimelineOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task := newTask()
		created := model.NewTimelineEntry(task.ID, model.TimelineTask, "open", "Task posted")
		if err := s.CreateTask(ctx, task, created); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		for _, status := range []string{"funded", "in_progress", "under_review"} {
			e := model.NewTimelineEntry(task.ID, model.TimelineTask, status, "Task "+status)
			if err := s.AppendTimeline(ctx, e); err != nil {
				t.Fatalf("AppendTimeline: %v", err)
			}
		}

		got, err := s.ListTimeline(ctx, task.ID)
		if err != nil {
			t.Fatalf("ListTimeline: %v", err)
		}
		want := []string{"open", "funded", "in_progress", "under_review"}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i, w := range want {
			if got[i].Status != w {
				t.Errorf("entry %d status = %q, want %q", i, got[i].Status, w)
			}
			if got[i].CreatedAt.IsZero() {
				t.Errorf("entry %d has no timestamp", i)
			}
		}

		empty, err := s.ListTimeline(ctx, "other")
		if err != nil || len(empty) != 0 {
			t.Errorf("ListTimeline(other) = %v, %v", empty, err)
		}
	})
}

func TestStore_ListTasksByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := newTask(), newTask()
		b.Status = model.TaskCancelled
		for _, task := range []*model.Task{a, b} {
			if err := s.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
		}

		all, _ := s.ListTasks(ctx)
		if len(all) != 2 || all[0].ID != a.ID {
			t.Errorf("ListTasks() = %d tasks, want 2 in creation order", len(all))
		}
		open, _ := s.ListTasks(ctx, model.TaskOpen, model.TaskFunded)
		if len(open) != 1 || open[0].ID != a.ID {
			t.Errorf("ListTasks(open, funded) = %v", open)
		}
	})
}

func TestStore_UpdateExecutionGuard(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, exec := seedExecution(t, ctx, s)

		started := time.Now()
		exec.Status = model.ExecutionRunning
		exec.StartedAt = &started
		if err := s.UpdateExecution(ctx, ExecutionUpdate{Execution: exec, ExpectStatus: model.ExecutionQueued}); err != nil {
			t.Fatalf("UpdateExecution: %v", err)
		}

		// A second writer still believing the execution is queued loses.
		stale := exec.Clone()
		stale.Status = model.ExecutionCancelled
		err := s.UpdateExecution(ctx, ExecutionUpdate{Execution: stale, ExpectStatus: model.ExecutionQueued})
		var transition *errors.InvalidTransitionError
		if !errors.As(err, &transition) {
			t.Fatalf("stale UpdateExecution error = %v, want InvalidTransitionError", err)
		}
		if transition.From != string(model.ExecutionRunning) {
			t.Errorf("From = %q, want running", transition.From)
		}

		got, _ := s.GetExecution(ctx, exec.ID)
		if got.Status != model.ExecutionRunning || got.StartedAt == nil {
			t.Errorf("stored execution = %+v", got)
		}
		if got.Timeout != 30*time.Second || got.MaxRetries != 3 {
			t.Errorf("timeout/max retries not preserved: %v/%d", got.Timeout, got.MaxRetries)
		}
	})
}

func TestStore_ListExecutionsFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task, sub, first := seedExecution(t, ctx, s)

		second := first.Clone()
		second.ID = model.NewID(model.PrefixExecution)
		second.RetryCount = 1
		second.PreviousExecutionID = first.ID
		if err := s.CreateExecution(ctx, second); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		first.Status = model.ExecutionFailed
		if err := s.UpdateExecution(ctx, ExecutionUpdate{Execution: first}); err != nil {
			t.Fatalf("UpdateExecution: %v", err)
		}

		tests := []struct {
			name   string
			filter ExecutionFilter
			want   int
		}{
			{"by task", ExecutionFilter{TaskID: task.ID}, 2},
			{"by submission", ExecutionFilter{SubmissionID: sub.ID}, 2},
			{"queued only", ExecutionFilter{TaskID: task.ID, Statuses: []model.ExecutionStatus{model.ExecutionQueued}}, 1},
			{"other task", ExecutionFilter{TaskID: "nope"}, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListExecutions(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListExecutions: %v", err)
				}
				if len(got) != tt.want {
					t.Errorf("got %d executions, want %d", len(got), tt.want)
				}
			})
		}
	})
}

func TestStore_AuditRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task, sub, exec := seedExecution(t, ctx, s)

		audit := &model.VerificationAudit{
			ID:           model.NewID(model.PrefixAudit),
			ExecutionID:  exec.ID,
			SubmissionID: sub.ID,
			TaskID:       task.ID,
			Status:       model.AuditPending,
		}
		if err := s.CreateAudit(ctx, audit); err != nil {
			t.Fatalf("CreateAudit: %v", err)
		}

		audit.Status = model.AuditNeedsReview
		audit.Score = 65.5
		audit.Checks = []model.CheckResult{{Name: "release", Kind: model.CriterionContains, Passed: true, Score: 100, Weight: 1}}
		audit.Notes = append(audit.Notes, model.ReviewNote{Author: "rev-1", Text: "borderline", CreatedAt: time.Now()})
		if err := s.UpdateAudit(ctx, audit); err != nil {
			t.Fatalf("UpdateAudit: %v", err)
		}

		got, err := s.GetAudit(ctx, audit.ID)
		if err != nil {
			t.Fatalf("GetAudit: %v", err)
		}
		if got.Status != model.AuditNeedsReview || got.Score != 65.5 {
			t.Errorf("audit = %s/%v", got.Status, got.Score)
		}
		if len(got.Checks) != 1 || !got.Checks[0].Passed {
			t.Errorf("Checks = %+v", got.Checks)
		}
		if len(got.Notes) != 1 || got.Notes[0].Author != "rev-1" {
			t.Errorf("Notes = %+v", got.Notes)
		}

		list, _ := s.ListAudits(ctx, task.ID)
		if len(list) != 1 {
			t.Errorf("ListAudits = %d, want 1", len(list))
		}
	})
}

func TestStore_DeleteTaskCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task, sub, exec := seedExecution(t, ctx, s)
		if err := s.AppendTimeline(ctx, model.NewTimelineEntry(task.ID, model.TimelineTask, "open", "posted")); err != nil {
			t.Fatalf("AppendTimeline: %v", err)
		}

		if err := s.DeleteTask(ctx, task.ID); err != nil {
			t.Fatalf("DeleteTask: %v", err)
		}
		if _, err := s.GetSubmission(ctx, sub.ID); !errors.IsNotFound(err) {
			t.Errorf("submission survived delete: %v", err)
		}
		if _, err := s.GetExecution(ctx, exec.ID); !errors.IsNotFound(err) {
			t.Errorf("execution survived delete: %v", err)
		}
		if tl, _ := s.ListTimeline(ctx, task.ID); len(tl) != 0 {
			t.Errorf("timeline survived delete: %d entries", len(tl))
		}
		if err := s.DeleteTask(ctx, task.ID); !errors.IsNotFound(err) {
			t.Errorf("second DeleteTask error = %v", err)
		}
	})
}

func TestMemory_ReadsAreCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	task := newTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	got.Title = "mutated"
	got.Criteria.Metrics[0].Value = "mutated"

	again, _ := s.GetTask(ctx, task.ID)
	if again.Title == "mutated" || again.Criteria.Metrics[0].Value == "mutated" {
		t.Error("mutating a returned task changed the stored copy")
	}
}

func TestSQL_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "bountyd.db")

	s, err := OpenSQL(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	task := newTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_ = s.Close()

	reopened, err := OpenSQL(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if got.Title != task.Title {
		t.Errorf("Title = %q, want %q", got.Title, task.Title)
	}
}

func TestSQL_Rebind(t *testing.T) {
	pg := &SQL{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQL{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), "mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestDialectSchema(t *testing.T) {
	for _, stmt := range dialectSchema(DriverPostgres) {
		if strings.Contains(stmt, "AUTOINCREMENT") {
			t.Errorf("postgres schema still uses AUTOINCREMENT: %s", stmt)
		}
	}
}

func TestDirLock(t *testing.T) {
	dir := t.TempDir()
	l := NewDirLock(dir)

	ok, err := l.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if _, err := os.Stat(l.Path()); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}

	// flock locks belong to the open file description, so a second handle
	// in the same process conflicts on Linux.
	other := NewDirLock(dir)
	ok, err = other.TryLock()
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}
	if ok {
		_ = other.Unlock()
		t.Error("second TryLock should not acquire a held lock")
	}

	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Errorf("double Unlock should be a no-op: %v", err)
	}

	ok, err = other.TryLock()
	if err != nil || !ok {
		t.Errorf("TryLock after release = %v, %v", ok, err)
	}
	_ = other.Unlock()
}
