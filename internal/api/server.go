package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/metrics"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// Enqueuer accepts runs for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, req rank.RunRequest) error
}

// Diagnostics is the static part of the /v1/diagnostics payload. It must
// never carry credentials.
type Diagnostics struct {
	OutputBackend    string `json:"output_backend"`
	ArtifactsBackend string `json:"artifacts_backend"`
	Headless         bool   `json:"headless"`
	MaxBrowsers      int    `json:"max_browsers"`
	Workers          int    `json:"workers"`
	Version          string `json:"version,omitempty"`
}

// Options configure the Server.
type Options struct {
	// APIKey enables X-API-Key checks when non-empty.
	APIKey         string
	AllowedOrigins []string
	RequestTimeout time.Duration
	EnqueueTimeout time.Duration
	Diagnostics    Diagnostics
	// Ready reports whether the service can accept runs. Nil means always.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the run queue.
type Server struct {
	router   chi.Router
	enqueuer Enqueuer
	idGen    rank.IDGenerator
	clock    rank.Clock
	opts     Options
	logger   *zap.Logger
	started  time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	enqueuer Enqueuer,
	idGen rank.IDGenerator,
	clock rank.Clock,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}
	s := &Server{
		enqueuer: enqueuer,
		idGen:    idGen,
		clock:    clock,
		opts:     opts,
		logger:   logger,
		started:  clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/meo-ranking", s.submitRun)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/runs", s.submitRun)
			r.Get("/diagnostics", s.diagnostics)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	SheetName  string `json:"sheetName"`
	EntityName string `json:"entityName"`
}

type runAccepted struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sheet := strings.TrimSpace(body.SheetName)
	if sheet == "" {
		writeError(w, http.StatusBadRequest, "sheetName is required")
		return
	}
	entity := strings.TrimSpace(body.EntityName)
	if entity == "" {
		entity = sheet
	}

	runID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate run id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not allocate run id")
		return
	}
	req := rank.RunRequest{
		RunID:     runID,
		SheetID:   sheet,
		Entity:    entity,
		Submitted: s.clock.Now(),
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), s.opts.EnqueueTimeout)
	defer cancel()
	if err := s.enqueuer.Enqueue(queueCtx, req); err != nil {
		s.logger.Warn("run rejected",
			zap.String("run_id", runID),
			zap.String("sheet", sheet),
			zap.Error(err),
		)
		msg := "run queue unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "run queue is full"
		}
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}

	s.logger.Info("run accepted",
		zap.String("run_id", runID),
		zap.String("sheet", sheet),
		zap.String("entity", entity),
		zap.String("request_id", RequestID(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, runAccepted{RunID: runID, Status: "accepted"})
}

type diagnosticsPayload struct {
	Diagnostics
	GoVersion     string  `json:"go_version"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) diagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, diagnosticsPayload{
		Diagnostics:   s.opts.Diagnostics,
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: s.clock.Now().Sub(s.started).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(fmt.Errorf("encode response: %w", err)))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
