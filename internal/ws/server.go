// Package ws serves the websocket sync protocol and the HTTP status API.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/padsync/server/internal/config"
	"github.com/padsync/server/internal/hub"
)

// TokenHeader carries the auth token for clients that cannot set a bearer
// header.
const TokenHeader = "X-Padsync-Token"

type Server struct {
	config         *config.Config
	hub            *hub.Hub
	logger         *zap.Logger
	gatherer       prometheus.Gatherer
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	started        time.Time

	active atomic.Int64
	conns  sync.Map
	wg     sync.WaitGroup
}

// NewServer builds the HTTP front of h. A nil gatherer disables /metrics.
func NewServer(cfg *config.Config, h *hub.Hub, logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:         cfg,
		hub:            h,
		logger:         logger,
		gatherer:       gatherer,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		started:        time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Routes returns the router serving /ws, /healthz, /api/status,
// /api/sessions and /metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Use(cors.Handler(s.corsOptions()))
		r.Use(securityHeaders)
		r.Use(s.requireToken)
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/sessions", s.handleSessions)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})
	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", TokenHeader},
		MaxAge:         300,
	}
	for origin := range s.allowedOrigins {
		opts.AllowedOrigins = append(opts.AllowedOrigins, origin)
	}
	return opts
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.acquire() {
		s.logger.Warn("rejecting connection over limit",
			zap.String("remote", r.RemoteAddr),
			zap.Int("max_connections", s.config.Server.MaxConnections),
		)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.logger.Info("ws upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	sess := s.hub.Connect(r.RemoteAddr)
	c := newConn(s, wsConn, sess)
	s.conns.Store(c, struct{}{})
	s.wg.Add(1)
	s.logger.Info("websocket client connected",
		zap.String("session", sess.ID),
		zap.String("remote", r.RemoteAddr),
	)
	c.start()
}

// acquire reserves a connection slot.
func (s *Server) acquire() bool {
	limit := int64(s.config.Server.MaxConnections)
	for {
		n := s.active.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if s.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release frees the slot of c once its write pump has exited.
func (s *Server) release(c *conn) {
	if _, ok := s.conns.LoadAndDelete(c); !ok {
		return
	}
	s.active.Add(-1)
	s.logger.Info("websocket client disconnected",
		zap.String("session", c.sess.ID),
		zap.NamedError("cause", c.sess.Err()),
	)
	s.wg.Done()
}

// ActiveConnections returns the number of open websockets.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Shutdown closes every websocket and waits for their pumps to exit.
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.conns.Range(func(key, _ any) bool {
		s.hub.Disconnect(key.(*conn).sess)
		return true
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Status is the body of GET /api/status.
type Status struct {
	Uptime      string  `json:"uptime"`
	Store       string  `json:"store"`
	Connections int     `json:"connections"`
	Sessions    int     `json:"sessions"`
	Listeners   int     `json:"listeners"`
	Pads        int     `json:"pads"`
	Goroutines  int     `json:"goroutines"`
	RSSBytes    uint64  `json:"rssBytes,omitempty"`
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	registry := s.hub.Registry()
	st := Status{
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Store:       s.config.Store.Driver,
		Connections: s.ActiveConnections(),
		Sessions:    s.hub.Connected(),
		Listeners:   registry.Sessions(),
		Pads:        registry.Pads(),
		Goroutines:  runtime.NumGoroutine(),
	}
	if p, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			st.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(r.Context()); err == nil {
			st.CPUPercent = cpu
		}
	} else {
		s.logger.Debug("process stats unavailable", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Debug("failed to write status", zap.Error(err))
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.hub.Sessions()
	if sessions == nil {
		sessions = []hub.SessionInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.logger.Debug("failed to write sessions", zap.Error(err))
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(TokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
