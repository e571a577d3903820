// Package api exposes the HTTP interface for the rewrite service.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/config"
	"github.com/JakeFAU/rewrite-core/internal/logging"
	"github.com/JakeFAU/rewrite-core/internal/metrics"
	"github.com/JakeFAU/rewrite-core/internal/rewrite"
	"github.com/JakeFAU/rewrite-core/internal/stats"
	"github.com/JakeFAU/rewrite-core/internal/store"
)

const maxRewriteURLs = 100

// Server wires HTTP handlers to the rewrite core and stores.
type Server struct {
	router   chi.Router
	rewrites *rewrite.ServerContext
	stats    *stats.Statistics
	progress *ProgressHandler
	cfg      config.Config
	logger   *zap.Logger
	ready    atomic.Bool
}

// NewServer constructs a Server with middleware and routes. repo may be nil,
// in which case the progress routes answer 503.
func NewServer(
	rewrites *rewrite.ServerContext,
	statistics *stats.Statistics,
	repo store.EventRepository,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	logger = logging.Component(logger, "api")
	s := &Server{
		rewrites: rewrites,
		stats:    statistics,
		progress: NewProgressHandler(repo, logger.Named("progress")),
		cfg:      cfg,
		logger:   logger,
	}
	s.ready.Store(true)

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	r.Get("/statistics", s.statistics)
	r.Get("/pagespeed/*", s.fetchResource)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/rewrite", s.rewrite)
		r.Get("/metadata", s.metadata)
		r.Get("/filters", s.filters)
		r.Get("/filters/stats", s.progress.ListFilterStats)
		r.Get("/contexts", s.progress.ListContexts)
		r.Get("/contexts/{context_id}", s.progress.GetContext)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady toggles the readiness probe, e.g. while draining.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"statistics": s.stats.Snapshot()})
}

func (s *Server) filters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"filters": s.rewrites.Filters()})
}

type rewriteRequest struct {
	Filter string   `json:"filter"`
	URLs   []string `json:"urls"`
}

func (s *Server) rewrite(w http.ResponseWriter, r *http.Request) {
	var req rewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Filter == "" {
		writeError(w, http.StatusBadRequest, "filter required")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > maxRewriteURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls", maxRewriteURLs))
		return
	}

	d := s.rewrites.NewDriver()
	defer d.Close()
	out, err := d.RewriteURLs(r.Context(), req.Filter, req.URLs)
	if err != nil {
		if errors.Is(err, rewrite.ErrUnknownFilter) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("rewrite failed", zap.String("filter", req.Filter), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rewrite failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter": req.Filter, "urls": out})
}

func (s *Server) metadata(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, urls := q.Get("filter"), q["url"]
	if filter == "" || len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "filter and url required")
		return
	}
	key, err := s.rewrites.PartitionKey(filter, urls)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	table, err := s.rewrites.PeekMetadata(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, "metadata lookup timed out")
		return
	}
	if table == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"key": key, "error": "no fresh metadata"})
		return
	}
	raw, err := table.DebugJSON()
	if err != nil {
		s.logger.Error("encode metadata failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encode metadata")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "metadata": json.RawMessage(raw)})
}

// fetchResource serves a rewritten output, rebuilding it when the output
// cache lost it.
func (s *Server) fetchResource(w http.ResponseWriter, r *http.Request) {
	leaf := chi.URLParam(r, "*")
	var body bytes.Buffer
	headers := http.Header{}
	done := make(chan bool, 1)

	d := s.rewrites.NewDriver()
	defer d.Close()
	if err := d.FetchResource(leaf, &body, headers, func(ok bool) { done <- ok }); err != nil {
		if errors.Is(err, rewrite.ErrBadResourceName) || errors.Is(err, rewrite.ErrUnknownFilter) {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		s.logger.Error("fetch resource failed", zap.String("leaf", leaf), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}

	select {
	case ok := <-done:
		if !ok {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		for k, vs := range headers {
			w.Header()[k] = vs
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(body.Bytes()); err != nil {
			s.logger.Debug("write resource failed", zap.String("leaf", leaf), zap.Error(err))
		}
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "fetch timed out")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
