package api

import (
	"net/http"
	"strings"

	"github.com/bountyhub/bountyd/internal/escrow"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/orchestrator"
	"github.com/bountyhub/bountyd/internal/store"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.TaskSpec
	if err := decode(w, r, &spec); err != nil {
		s.writeErr(w, err)
		return
	}
	task, err := s.deps.Tasks.CreateTask(r.Context(), spec)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []model.TaskStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, model.TaskStatus(st))
			}
		}
	}
	tasks, err := s.deps.Store.ListTasks(r.Context(), statuses...)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	hold, err := s.deps.Funds.Fund(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	task, err := s.deps.Tasks.CancelTask(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type releaseRequest struct {
	SubmissionID string `json:"submission_id"`
	AuditID      string `json:"audit_id"`
	Override     bool   `json:"override"`
	Operator     string `json:"operator"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	ref, err := s.deps.Tasks.Release(r.Context(), escrow.ReleaseRequest{
		TaskID:             r.PathValue("id"),
		WinnerSubmissionID: req.SubmissionID,
		AuditID:            req.AuditID,
		Override:           req.Override,
		Operator:           req.Operator,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payout_ref": ref})
}

type refundRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	ref, err := s.deps.Tasks.Refund(r.Context(), r.PathValue("id"), req.Operator)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refund_ref": ref})
}

type submitRequest struct {
	WorkerID string           `json:"worker_id"`
	Worker   model.WorkerSpec `json:"worker"`
	Priority int              `json:"priority"`
}

type submitResponse struct {
	Submission  *model.Submission `json:"submission"`
	ExecutionID string            `json:"execution_id"`
}

// handleSubmit acknowledges as soon as the first execution is queued.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	sub, execID, err := s.deps.Tasks.SubmitWork(r.Context(), orchestrator.SubmissionSpec{
		TaskID:   r.PathValue("id"),
		WorkerID: req.WorkerID,
		Worker:   req.Worker,
		Priority: req.Priority,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Submission: sub, ExecutionID: execID})
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetTask(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	subs, err := s.deps.Store.ListSubmissions(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetTask(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	entries, err := s.deps.Store.ListTimeline(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetTask(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	audits, err := s.deps.Store.ListAudits(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Store.GetSubmission(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetSubmission(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	execs, err := s.deps.Store.ListExecutions(r.Context(), store.ExecutionFilter{SubmissionID: id})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := s.deps.Store.GetAudit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

type reviewRequest struct {
	ReviewerID string               `json:"reviewer_id"`
	Notes      string               `json:"notes"`
	Decision   model.ReviewDecision `json:"decision"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	audit, err := s.deps.Reviews.SubmitManualReview(r.Context(), r.PathValue("id"), req.ReviewerID, req.Notes, req.Decision)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

type assignRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Reviews.AssignReviewer(r.Context(), r.PathValue("id"), req.ReviewerID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type noteRequest struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	audit, err := s.deps.Reviews.AppendNote(r.Context(), r.PathValue("id"), req.Author, req.Text)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}
