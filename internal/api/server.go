// Package api exposes the pipeline over HTTP: task and submission commands,
// manual review, read-only status, and the payment processor webhook.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bountyhub/bountyd/internal/errors"
	"github.com/bountyhub/bountyd/internal/escrow"
	"github.com/bountyhub/bountyd/internal/execqueue"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/orchestrator"
	"github.com/bountyhub/bountyd/internal/payment"
	"github.com/bountyhub/bountyd/internal/store"
)

// maxBodyBytes bounds request bodies, webhooks included.
const maxBodyBytes = 1 << 20

// Tasks is the task command surface.
type Tasks interface {
	CreateTask(ctx context.Context, spec orchestrator.TaskSpec) (*model.Task, error)
	SubmitWork(ctx context.Context, spec orchestrator.SubmissionSpec) (*model.Submission, string, error)
	CancelTask(ctx context.Context, taskID, reason string) (*model.Task, error)
	Release(ctx context.Context, req escrow.ReleaseRequest) (string, error)
	Refund(ctx context.Context, taskID, operator string) (string, error)
}

// Funds is the escrow surface.
type Funds interface {
	Fund(ctx context.Context, taskID string) (payment.Hold, error)
	HandleEvent(ctx context.Context, ev payment.Event) (model.PaymentStatus, error)
}

// Reviews is the manual review surface.
type Reviews interface {
	SubmitManualReview(ctx context.Context, auditID, reviewerID, notes string, decision model.ReviewDecision) (*model.VerificationAudit, error)
	AssignReviewer(ctx context.Context, auditID, reviewerID string) error
	AppendNote(ctx context.Context, auditID, author, text string) (*model.VerificationAudit, error)
}

// QueueStatus reports execution queue counters for /healthz.
type QueueStatus interface {
	Status() execqueue.QueueStatus
}

// Deps are the components the server drives.
type Deps struct {
	Store    store.Store
	Tasks    Tasks
	Funds    Funds
	Reviews  Reviews
	Queue    QueueStatus
	Webhooks *payment.Verifier
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	logger *logging.Logger
}

// NewServer creates a Server. Store, Tasks, Funds, Reviews and Webhooks are
// required.
func NewServer(deps Deps, logger *logging.Logger) *Server {
	if deps.Store == nil || deps.Tasks == nil || deps.Funds == nil || deps.Reviews == nil || deps.Webhooks == nil {
		panic("api: store, tasks, funds, reviews and webhook verifier are required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{deps: deps, logger: logger.WithComponent("api")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /webhooks/payment", s.handlePaymentWebhook)

	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/fund", s.handleFund)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /tasks/{id}/refund", s.handleRefund)
	mux.HandleFunc("POST /tasks/{id}/submissions", s.handleSubmit)
	mux.HandleFunc("GET /tasks/{id}/submissions", s.handleListSubmissions)
	mux.HandleFunc("GET /tasks/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /tasks/{id}/audits", s.handleListAudits)

	mux.HandleFunc("GET /submissions/{id}", s.handleGetSubmission)
	mux.HandleFunc("GET /submissions/{id}/executions", s.handleListExecutions)

	mux.HandleFunc("GET /audits/{id}", s.handleGetAudit)
	mux.HandleFunc("POST /audits/{id}/review", s.handleReview)
	mux.HandleFunc("POST /audits/{id}/assign", s.handleAssign)
	mux.HandleFunc("POST /audits/{id}/notes", s.handleNote)

	return s.withLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Queue != nil {
		resp["queue"] = s.deps.Queue.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePaymentWebhook authenticates the body before decoding any of it.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	ev, err := s.deps.Webhooks.VerifyAndParse(r.Header.Get(payment.SignatureHeader), body)
	if err != nil {
		s.logger.Warn("webhook rejected", "error", err, "remote", r.RemoteAddr)
		s.writeErr(w, err)
		return
	}
	status, err := s.deps.Funds.HandleEvent(r.Context(), ev)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"event_id":       ev.ID,
		"payment_status": string(status),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a pipeline error to a status code.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "status", status)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var (
		sigErr        *errors.SignatureError
		validationErr *errors.ValidationError
		notFundedErr  *errors.NotFundedError
		stateErr      *errors.InvalidStateError
		transitionErr *errors.InvalidTransitionError
		transientErr  *errors.TransientInfraError
		unavailable   *errors.VerificationUnavailableError
	)
	switch {
	case errors.As(err, &sigErr):
		return http.StatusUnauthorized
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &notFundedErr):
		return http.StatusPaymentRequired
	case errors.As(err, &stateErr), errors.As(err, &transitionErr):
		return http.StatusConflict
	case errors.As(err, &transientErr), errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errors.NewValidationError("invalid request body: " + err.Error()).WithField("body")
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start).String())
	})
}
