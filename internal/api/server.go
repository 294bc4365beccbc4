package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcache/internal/config"
	"github.com/JakeFAU/fetchcache/internal/id/uuid"
	"github.com/JakeFAU/fetchcache/internal/metrics"
	"github.com/JakeFAU/fetchcache/internal/pipeline"
)

const (
	maxRequestBodyBytes = 1 << 20
	maxURLsPerRequest   = 1000
)

// Pipeline is the subset of *pipeline.Loader the server drives.
type Pipeline interface {
	Submit(key string)
	Clear()
	TryTakeNext() (pipeline.FetchResult, bool)
	Stats() pipeline.Stats
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Server wires HTTP handlers to a fetch pipeline.
type Server struct {
	router   chi.Router
	pipeline Pipeline
	idGen    IDGenerator
	cfg      config.Config
	logger   *zap.Logger
	ready    atomic.Bool
}

type fetchRequest struct {
	URLs []string `json:"urls"`
}

type fetchResponse struct {
	Submitted int `json:"submitted"`
}

type resultResponse struct {
	Key        string    `json:"key"`
	Success    bool      `json:"success"`
	Payload    []byte    `json:"payload,omitempty"`
	Bytes      int       `json:"bytes"`
	FetchedAt  time.Time `json:"fetched_at"`
	DurationMs int64     `json:"duration_ms"`
}

// NewServer constructs a Server with middleware and routes. The server starts
// ready; call SetReady(false) while shutting down.
func NewServer(p Pipeline, idGen IDGenerator, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idGen == nil {
		idGen = uuid.New()
	}
	metrics.Init()
	s := &Server{
		pipeline: p,
		idGen:    idGen,
		cfg:      cfg,
		logger:   logger,
	}
	s.ready.Store(true)

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/fetch", s.submitFetch)
		r.Post("/clear", s.clear)
		r.Get("/results/next", s.nextResult)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > maxURLsPerRequest {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per request", maxURLsPerRequest))
		return
	}
	for _, u := range req.URLs {
		if strings.TrimSpace(u) == "" {
			s.writeError(w, http.StatusBadRequest, "urls must not be empty")
			return
		}
	}
	for _, u := range req.URLs {
		s.pipeline.Submit(strings.TrimSpace(u))
	}
	s.writeJSON(w, http.StatusAccepted, fetchResponse{Submitted: len(req.URLs)})
}

func (s *Server) clear(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) nextResult(w http.ResponseWriter, _ *http.Request) {
	result, ok := s.pipeline.TryTakeNext()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, resultResponse{
		Key:        result.Key,
		Success:    result.Success,
		Payload:    result.Payload,
		Bytes:      len(result.Payload),
		FetchedAt:  result.FetchedAt,
		DurationMs: result.Duration.Milliseconds(),
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

type requestIDKey struct{}

// RequestID returns the request ID stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			id, err := s.idGen.NewID()
			if err != nil {
				s.logger.Warn("generate request id", zap.Error(err))
			}
			reqID = id
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
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
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
