// Package control exposes the HTTP surface of the scheduler: health
// and status probes plus manual trigger endpoints.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"agentsched/internal/scheduler"
	"agentsched/internal/store"
	"agentsched/pkg/logx"
)

// Config controls the listen address and request throttling.
type Config struct {
	Host string
	Port int

	// RatePerSecond caps inbound requests across all endpoints.
	// 0 means 20 req/s with a burst of 40.
	RatePerSecond float64
	RateBurst     int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) normalize() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = int(c.RatePerSecond) * 2
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server serves the control API for one scheduler instance.
type Server struct {
	log     logx.Logger
	cfg     Config
	sched   *scheduler.Service
	store   *store.Store
	limiter *rate.Limiter

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, log logx.Logger, sched *scheduler.Service, st *store.Store) *Server {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		log:     log,
		cfg:     cfg,
		sched:   sched,
		store:   st,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. Idempotent.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control server exited", logx.Err(err))
		}
	}()

	s.log.Info("control server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("control server shutdown", logx.Err(err))
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.throttle)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/api/schedules/{scheduleID}/trigger", s.handleTriggerSchedule)
	r.Post("/api/process-schedules/{scheduleID}/trigger", s.handleTriggerProcessSchedule)
	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "agentsched",
		"endpoints": []string{
			"GET /health",
			"GET /status",
			"POST /api/schedules/{scheduleID}/trigger",
			"POST /api/process-schedules/{scheduleID}/trigger",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.sched.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

// handleTriggerSchedule validates the id and fires in the background.
// The response confirms acceptance, not completion; contention and
// gating are resolved by the fire itself.
func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	sc, err := s.store.GetSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "schedule not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	go func() {
		out := s.sched.FireSchedule(context.Background(), id, store.TriggerManual)
		s.log.Info("manual trigger finished",
			logx.String("schedule", id),
			logx.String("outcome", out.Kind.String()))
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "triggered",
		"schedule_id":   sc.ID,
		"schedule_name": sc.Name,
		"agent_name":    sc.AgentName,
		"message":       sc.Message,
	})
}

func (s *Server) handleTriggerProcessSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	ps, err := s.store.GetProcessSchedule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "process schedule not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	go func() {
		out := s.sched.FireProcessSchedule(context.Background(), id, store.TriggerManual)
		s.log.Info("manual process trigger finished",
			logx.String("schedule", id),
			logx.String("outcome", out.Kind.String()))
	}()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "triggered",
		"schedule_id":   ps.ID,
		"schedule_name": ps.Name,
		"process_id":    ps.ProcessID,
		"trigger_id":    ps.TriggerID,
	})
}
