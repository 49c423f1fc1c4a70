// Package server exposes the processing pipeline over HTTP: synchronous
// dry-run previews plus async job submission, status, results, and
// cancellation. Every request is scoped by its bearer token.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casefile-hq/casefile/internal/debug"
	"github.com/casefile-hq/casefile/internal/fault"
	"github.com/casefile-hq/casefile/internal/jobqueue"
	"github.com/casefile-hq/casefile/internal/pipeline"
	"github.com/casefile-hq/casefile/internal/types"
)

const maxRequestBody = 10 << 20

// Server handles HTTP requests for transcript processing jobs.
type Server struct {
	queue      jobqueue.Queue
	tokens     map[string]struct{}
	mux        *http.ServeMux
	httpServer *http.Server
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Queue     jobqueue.Queue
	APITokens []string // accepted bearer tokens; each token is its own job scope
}

// NewServer creates the HTTP server. At least one API token is required:
// an open server would let any caller submit work and read results.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("server requires a job queue")
	}
	if len(cfg.APITokens) == 0 {
		return nil, fmt.Errorf("server requires at least one API token")
	}

	s := &Server{
		queue:  cfg.Queue,
		tokens: make(map[string]struct{}, len(cfg.APITokens)),
		mux:    http.NewServeMux(),
	}
	for _, tok := range cfg.APITokens {
		if tok == "" {
			return nil, fmt.Errorf("empty API token")
		}
		s.tokens[tok] = struct{}{}
	}

	s.mux.HandleFunc("/transcripts/process", s.withAuth(s.handleProcess))
	s.mux.HandleFunc("/transcripts/batch", s.withAuth(s.handleBatch))
	s.mux.HandleFunc("/jobs", s.withAuth(s.handleListJobs))
	s.mux.HandleFunc("/jobs/", s.withAuth(s.handleJob))
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.HandleFunc("/metrics", s.withAuth(s.handleMetrics))

	return s, nil
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ProcessRequest is the JSON body for single-transcript submission.
type ProcessRequest struct {
	Transcript *types.Transcript `json:"transcript"`
	Options    pipeline.Options  `json:"options"`
}

// BatchRequest is the JSON body for batch submission. BatchSize caps how
// many transcripts run concurrently.
type BatchRequest struct {
	Transcripts []*types.Transcript `json:"transcripts"`
	Options     pipeline.Options    `json:"options"`
	BatchSize   int                 `json:"batch_size,omitempty"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error         string `json:"error"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type authedHandler func(w http.ResponseWriter, r *http.Request, owner string)

// withAuth enforces bearer auth. The token doubles as the owner scope for
// every queue operation.
func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		if _, known := s.tokens[token]; !known {
			s.writeError(w, r, http.StatusUnauthorized, "invalid bearer token", "")
			return
		}
		next(w, r, token)
	}
}

// handleProcess handles POST /transcripts/process.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed: use POST", "")
		return
	}

	var req ProcessRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Transcript == nil {
		s.writeError(w, r, http.StatusBadRequest, "missing transcript", string(fault.KindValidation))
		return
	}

	s.submit(w, r, owner, &jobqueue.Request{
		Transcripts: []*types.Transcript{req.Transcript},
		Options:     req.Options,
	})
}

// handleBatch handles POST /transcripts/batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed: use POST", "")
		return
	}

	var req BatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.submit(w, r, owner, &jobqueue.Request{
		Transcripts: req.Transcripts,
		Options:     req.Options,
		Concurrency: req.BatchSize,
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, owner string, req *jobqueue.Request) {
	id, err := s.queue.Submit(r.Context(), owner, req)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	debug.Logf("accepted job %s (%d transcripts)", id, len(req.Transcripts))
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitResponse{JobID: id})
}

// handleListJobs handles GET /jobs with an optional ?state= filter.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed: use GET", "")
		return
	}

	var states []types.JobState
	for _, raw := range r.URL.Query()["state"] {
		state := types.JobState(raw)
		switch state {
		case types.JobPending, types.JobRunning, types.JobSucceeded, types.JobFailed, types.JobCancelled:
			states = append(states, state)
		default:
			s.writeError(w, r, http.StatusBadRequest,
				fmt.Sprintf("unknown job state %q", raw), string(fault.KindValidation))
			return
		}
	}

	jobs, err := s.queue.List(r.Context(), owner, states)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	_ = json.NewEncoder(w).Encode(map[string][]types.Job{"jobs": jobs})
}

// handleJob dispatches /jobs/{id}, /jobs/{id}/result, and
// /jobs/{id}/cancel.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, owner string) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		s.writeError(w, r, http.StatusNotFound, "missing job id", "")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed: use GET", "")
			return
		}
		job, err := s.queue.Status(r.Context(), owner, jobID)
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		_ = json.NewEncoder(w).Encode(job)

	case "result":
		if r.Method != http.MethodGet {
			s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed: use GET", "")
			return
		}
		result, err := s.queue.Result(r.Context(), owner, jobID)
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		_ = json.NewEncoder(w).Encode(result)

	case "cancel":
		if r.Method != http.MethodPost {
			s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed: use POST", "")
			return
		}
		ok, err := s.queue.Cancel(r.Context(), owner, jobID)
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		if !ok {
			s.writeError(w, r, http.StatusConflict, "job already finished", "")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": true})

	default:
		s.writeError(w, r, http.StatusNotFound,
			fmt.Sprintf("unknown job action %q", action), "")
	}
}

// handleHealth handles GET /healthz for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady handles GET /readyz. Not ready once the queue is closed.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.queue.List(r.Context(), "", nil); errors.Is(err, jobqueue.ErrClosed) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "shutting down"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// statser is implemented by queue backends that can report job counts.
type statser interface {
	Stats(ctx context.Context) (map[types.JobState]int, error)
}

// handleMetrics handles GET /metrics: a JSON snapshot of job counts by
// state across all owners.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed: use GET", "")
		return
	}
	st, ok := s.queue.(statser)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "metrics not supported by this queue", "")
		return
	}
	stats, err := st.Stats(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"jobs": stats})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "failed to read request body", string(fault.KindValidation))
		return false
	}
	defer func() { _ = r.Body.Close() }()

	if err := json.Unmarshal(body, into); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), string(fault.KindValidation))
		return false
	}
	return true
}

// writeFault maps classified errors and queue sentinels to status codes.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobqueue.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, "job not found", "")
		return
	case errors.Is(err, jobqueue.ErrNotReady):
		// Indistinguishable from an unknown job until the result exists.
		s.writeError(w, r, http.StatusNotFound, "result not available", "")
		return
	case errors.Is(err, jobqueue.ErrClosed):
		s.writeError(w, r, http.StatusServiceUnavailable, "server is shutting down", "")
		return
	}

	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindAuthorization:
		status = http.StatusUnauthorized
	case fault.KindRateLimited:
		status = http.StatusTooManyRequests
	case fault.KindTransient:
		status = http.StatusServiceUnavailable
	case fault.KindCancelled:
		status = http.StatusConflict
	}
	s.writeError(w, r, status, err.Error(), string(kind))
}

// writeError writes a JSON error response with a correlation id that is
// also logged server-side for cross-referencing.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message, kind string) {
	correlationID := uuid.NewString()
	debug.Logf("request %s %s failed (%d, %s): %s", r.Method, r.URL.Path, status, correlationID, message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:         message,
		Kind:          kind,
		CorrelationID: correlationID,
	})
}
