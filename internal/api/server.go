package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/adrianolucasdepaula/invest-sub002/internal/adapter"
	"github.com/adrianolucasdepaula/invest-sub002/internal/dispatcher"
	"github.com/adrianolucasdepaula/invest-sub002/internal/fusion"
	"github.com/adrianolucasdepaula/invest-sub002/internal/metrics"
	"github.com/adrianolucasdepaula/invest-sub002/internal/persist"
	"github.com/adrianolucasdepaula/invest-sub002/internal/scrape"
	"github.com/adrianolucasdepaula/invest-sub002/internal/session"
)

// Jobs is the dispatcher surface the API drives.
type Jobs interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (dispatcher.Submission, error)
	Status(ctx context.Context, jobID string) (scrape.Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	QueueStats(ctx context.Context) (scrape.QueueStats, error)
}

// Adapters reports registered sources and their health.
type Adapters interface {
	Health(ctx context.Context) []scrape.Descriptor
}

// Sessions reports session bundle freshness.
type Sessions interface {
	StatusAll(ctx context.Context) ([]session.Status, error)
}

// Pinger is a downstream checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the server.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the collaborators behind the routes. Sessions, Assets and Ready
// are optional.
type Deps struct {
	Jobs     Jobs
	Adapters Adapters
	Sessions Sessions
	Assets   persist.Reader
	Ready    map[string]Pinger
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/queue/stats", s.queueStats)
		r.Get("/sessions", s.sessions)
		r.Get("/adapters", s.adapters)
		r.Get("/assets/{ticker}", s.asset)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, p := range s.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failing": failing})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Source   string            `json:"source"`
	Input    string            `json:"input"`
	Priority string            `json:"priority"`
	Params   map[string]string `json:"params"`
	TraceID  string            `json:"trace_id"`
	Unique   bool              `json:"unique"`
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id"`
	Created bool   `json:"created"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TraceID == "" {
		req.TraceID = r.Header.Get("X-Trace-ID")
	}
	sub, err := s.deps.Jobs.Submit(r.Context(), dispatcher.SubmitRequest{
		Source:   req.Source,
		Input:    req.Input,
		Priority: scrape.Priority(strings.ToLower(req.Priority)),
		Params:   req.Params,
		TraceID:  req.TraceID,
		Unique:   req.Unique,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	status := http.StatusAccepted
	if !sub.Created {
		status = http.StatusOK
	}
	s.writeJSON(w, status, submitResponse{JobID: sub.JobID, TraceID: sub.TraceID, Created: sub.Created})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	ok, err := s.deps.Jobs.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "job already finished")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancel_requested": true})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.QueueStats(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"sessions": []session.Status{}})
		return
	}
	statuses, err := s.deps.Sessions.StatusAll(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if statuses == nil {
		statuses = []session.Status{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": statuses})
}

func (s *Server) adapters(w http.ResponseWriter, r *http.Request) {
	descs := s.deps.Adapters.Health(r.Context())
	if descs == nil {
		descs = []scrape.Descriptor{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"adapters": descs})
}

type assetResponse struct {
	fusion.CanonicalRecord
	LowConfidenceFields []string `json:"low_confidence_fields"`
}

func (s *Server) asset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assets == nil {
		s.writeError(w, http.StatusNotFound, "canonical store not configured")
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "ticker")))
	rec, err := s.deps.Assets.Canonical(r.Context(), ticker)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	low := rec.LowConfidenceFields()
	if low == nil {
		low = []string{}
	}
	s.writeJSON(w, http.StatusOK, assetResponse{CanonicalRecord: rec, LowConfidenceFields: low})
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, adapter.ErrUnknownSource):
		return http.StatusBadRequest
	case errors.Is(err, scrape.ErrJobNotFound), errors.Is(err, persist.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scrape.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(scrape.KindOf(err))})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
