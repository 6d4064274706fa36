// Package httpapi exposes job submission, progress and reports over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/discochess/pitfall"
	"github.com/discochess/pitfall/internal/report"
)

// Defaults.
const (
	DefaultMaxGames     = 5000
	DefaultMaxBodyBytes = 32 << 20
	defaultTop          = 10
)

// Client is the part of *pitfall.Client served over HTTP.
type Client interface {
	Submit(ctx context.Context, games []pitfall.Game) (*pitfall.Submission, error)
	Status(ctx context.Context, jobID string) (*pitfall.Snapshot, error)
}

var _ Client = (*pitfall.Client)(nil)

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Games []pitfall.Game `json:"games"`
}

// ReportResponse is the body of GET /jobs/{jobID}/report.
type ReportResponse struct {
	JobID  string         `json:"job_id"`
	Status pitfall.Status `json:"status"`
	Report *report.Report `json:"report"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMaxGames caps the games accepted per request. Default is 5000.
func WithMaxGames(n int) Option {
	return func(s *Server) { s.maxGames = n }
}

// WithMaxBodyBytes caps the request body size. Default is 32 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// Server routes API requests to a Client.
type Server struct {
	client       Client
	logger       *zap.Logger
	metrics      http.Handler
	maxGames     int
	maxBodyBytes int64
	router       *chi.Mux
}

// New creates a server for client.
func New(client Client, opts ...Option) *Server {
	s := &Server{
		client:       client,
		logger:       zap.NewNop(),
		maxGames:     DefaultMaxGames,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("httpapi")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Post("/analyze", s.analyze)
	r.Get("/jobs/{jobID}", s.status)
	r.Get("/jobs/{jobID}/report", s.report)

	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if s.maxGames > 0 && len(req.Games) > s.maxGames {
		s.writeError(w, r, http.StatusRequestEntityTooLarge,
			"too many games: "+strconv.Itoa(len(req.Games))+" > "+strconv.Itoa(s.maxGames))
		return
	}

	sub, err := s.client.Submit(r.Context(), req.Games)
	switch {
	case errors.Is(err, pitfall.ErrNoGames), errors.Is(err, pitfall.ErrInvalidGame):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, pitfall.ErrDispatch):
		s.writeError(w, r, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		s.internalError(w, r, "submit", err)
		return
	}

	w.Header().Set("Location", "/jobs/"+sub.JobID)
	code := http.StatusAccepted
	if sub.Status == pitfall.StatusCompleted {
		code = http.StatusOK
	}
	writeJSON(w, code, sub)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// report renders the grouped mistakes of a job. Processing jobs report
// what has been found so far. ?format=markdown renders a document and
// ?top=N limits the listed groups.
func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	top := defaultTop
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "top must be a positive integer")
			return
		}
		top = n
	}

	rep := report.Build(snap.Mistakes)
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		report.NewMarkdown(w).Write("Opening mistakes for job "+snap.JobID, rep, top)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{
		JobID:  snap.JobID,
		Status: snap.Status,
		Report: rep,
	})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (*pitfall.Snapshot, bool) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := s.client.Status(r.Context(), jobID)
	switch {
	case errors.Is(err, pitfall.ErrJobNotFound):
		s.writeError(w, r, http.StatusNotFound, "job not found: "+jobID)
		return nil, false
	case err != nil:
		s.internalError(w, r, "status", err)
		return nil, false
	}
	return snap, true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("requestID", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("request failed",
		zap.String("op", op),
		zap.String("requestID", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	s.writeError(w, r, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, ErrorResponse{
		Error:     msg,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
