// Package statusapi exposes the engine's event stream, status snapshot, and
// metrics over HTTP (§6.3.1). It is optional: cmd/ only mounts it when an
// HTTP listen address is configured, and the engine itself never imports
// this package.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/kaix-agent/kaix-core/internal/engine"
)

// Config controls the HTTP surface's listen address and CORS policy.
type Config struct {
	Addr           string
	CORSOrigins    []string
	EnableCORS     bool
	HeartbeatEvery time.Duration
}

// DefaultConfig returns a sane default: loopback-only, CORS open to a
// locally-run UI on any port, a 30s heartbeat on the /events stream.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8787",
		CORSOrigins:    []string{"*"},
		EnableCORS:     true,
		HeartbeatEvery: 30 * time.Second,
	}
}

// Server is the HTTP surface over one Engine.
type Server struct {
	cfg        Config
	eng        *engine.Engine
	httpServer *http.Server
	log        *slog.Logger
}

// New builds a Server. eng must not be nil.
func New(cfg Config, eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, eng: eng, log: log}
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if s.cfg.EnableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET"},
			AllowedHeaders: []string{"Accept"},
			MaxAge:         300,
		})
		r.Use(c.Handler)
	}

	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Debug("statusapi request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// handleStatus returns a JSON snapshot of engine state and queue depths.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.eng.Status())
}

// handleEvents streams newline-delimited JSON events from one more tap of
// the engine's event bus — same lossy-on-lag semantics as the in-process
// subscription (§6.3).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.eng.Events()
	heartbeat := time.NewTicker(s.heartbeatEvery())
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub:
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("statusapi event marshal failed", "error", err)
				continue
			}
			if _, err := w.Write(append(data, '\n')); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte("{}\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) heartbeatEvery() time.Duration {
	if s.cfg.HeartbeatEvery <= 0 {
		return 30 * time.Second
	}
	return s.cfg.HeartbeatEvery
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start() {
	s.log.Info("starting status api", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status api server error", "error", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("statusapi: shutdown: %w", err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
