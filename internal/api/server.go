package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/artifacts"
	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/config"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
	"github.com/JakeFAU/taskbroker/internal/metrics"
	"github.com/JakeFAU/taskbroker/internal/robots"
	"github.com/JakeFAU/taskbroker/internal/stream"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	readyTimeout     = 2 * time.Second
)

// Coordinator is the task and worker surface the handlers call.
type Coordinator interface {
	Create(ctx context.Context, req coordinator.CreateRequest) (broker.Task, error)
	Pull(ctx context.Context, req coordinator.PullRequest) (coordinator.PullResult, error)
	Acquire(ctx context.Context, req coordinator.AcquireRequest) (broker.Task, error)
	Complete(ctx context.Context, req coordinator.CompleteRequest) (broker.Task, error)
	Resync(ctx context.Context, namespace, variant string) (int64, error)
	ResyncAll(ctx context.Context, namespace string) (map[string]int64, error)
	PendingCount(ctx context.Context, variant string) (int64, error)
	PendingCounts(ctx context.Context) (map[string]int64, error)
	GetTask(ctx context.Context, id string) (broker.Task, error)
	TasksByClient(ctx context.Context, clientID string, limit, offset int) ([]broker.Task, error)
	TasksByVariant(ctx context.Context, namespace, variant string, limit, offset int) ([]broker.Task, error)
	PreviewTasks(ctx context.Context, namespace string, limit int) ([]broker.Task, error)
	SyncClient(ctx context.Context, req coordinator.SyncRequest) (broker.Client, bool, error)
	GetClient(ctx context.Context, id string) (broker.Client, error)
	ListClients(ctx context.Context, namespace string, limit, offset int) ([]broker.Client, error)
}

// Artifacts stores and reads task output.
type Artifacts interface {
	Upload(ctx context.Context, contentType string, body io.Reader) (artifacts.Upload, error)
	Register(ctx context.Context, namespace string, items []artifacts.NewArtifact) ([]broker.Artifact, error)
	Read(ctx context.Context, namespace, name, kind string) (broker.Artifact, []byte, error)
}

// Streamer serves a worker's event stream.
type Streamer interface {
	Stream(w http.ResponseWriter, r *http.Request, clientID string) error
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers use.
type Deps struct {
	Coordinator Coordinator
	Artifacts   Artifacts
	Streams     Streamer
	Health      Pinger
}

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router    chi.Router
	broker    Coordinator
	artifacts Artifacts
	streams   Streamer
	health    Pinger
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		broker:    deps.Coordinator,
		artifacts: deps.Artifacts,
		streams:   deps.Streams,
		health:    deps.Health,
		cfg:       cfg,
		logger:    logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Streams outlive any request timeout.
		r.Get("/events/{clientID}", s.events)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/create", s.createTask)
				r.Post("/pull", s.pullTasks)
				r.Post("/acquire", s.acquireTask)
				r.Post("/complete", s.completeTask)
				r.Post("/resync", s.resync)
				r.Post("/resync/{variant}", s.resyncVariant)
				r.Post("/resync_known", s.resyncKnown)
				r.Get("/get/{id}", s.getTask)
				r.Get("/by_client/{clientID}", s.tasksByClient)
				r.Get("/by_variant", s.tasksByVariant)
				r.Get("/preview", s.previewTasks)
				r.Get("/cache_count", s.cacheCounts)
				r.Get("/cache_count/{variant}", s.cacheCount)
			})
			r.Get("/cache_count", s.cacheCounts)
			r.Get("/cache_count/{variant}", s.cacheCount)

			r.Route("/clients", func(r chi.Router) {
				r.Post("/sync", s.syncClient)
				r.Get("/list", s.listClients)
				r.Get("/get", s.getClient)
			})

			r.Route("/artifacts", func(r chi.Router) {
				r.Post("/upload", s.uploadArtifact)
				r.Post("/bulkcreate", s.bulkCreateArtifacts)
			})

			r.Route("/robots", func(r chi.Router) {
				r.Get("/file/{host}", s.robotsFile)
				r.Get("/check/{host}", s.robotsCheck)
			})
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
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if err := s.streams.Stream(w, r, chi.URLParam(r, "clientID")); err != nil {
		s.writeServiceError(w, err)
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error", "internal")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"ok":false,"error":"request timed out","code":"timeout"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type okEnvelope struct {
	OK   bool `json:"ok"`
	Data any  `json:"data"`
}

type errorEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, okEnvelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorEnvelope{Error: msg, Code: code})
}

// writeServiceError maps domain errors onto status codes and envelope codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrKeyConflict):
		writeError(w, http.StatusConflict, err.Error(), "key_conflict")
	case errors.Is(err, broker.ErrAlreadyAcquired):
		writeError(w, http.StatusConflict, err.Error(), "acquired")
	case errors.Is(err, broker.ErrNotAcquiredByCaller):
		writeError(w, http.StatusConflict, err.Error(), "not_acquired")
	case errors.Is(err, broker.ErrClientNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "client_not_found")
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, broker.ErrInvalidArgument), errors.Is(err, artifacts.ErrEmpty):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request")
	case errors.Is(err, artifacts.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error(), "too_large")
	case errors.Is(err, robots.ErrURLNotOnHost):
		writeError(w, http.StatusBadRequest, "URL is not on host supplied as parameter.", "url_not_on_host")
	case errors.Is(err, stream.ErrStreamingUnsupported):
		writeError(w, http.StatusInternalServerError, err.Error(), "streaming_unsupported")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out", "timeout")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", "internal")
	}
}

// decodeJSON reads an optional JSON body into dst; an empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid JSON: %v", broker.ErrInvalidArgument, err)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit", broker.ErrInvalidArgument)
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, fmt.Errorf("%w: invalid offset", broker.ErrInvalidArgument)
		}
		offset = val
	}
	return limit, offset, nil
}
