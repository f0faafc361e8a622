// Package server provides the HTTP server for the turnstream API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/turnstream/internal/event"
	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/internal/session"
	"github.com/opencode-ai/turnstream/internal/storage"
	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	// Heartbeat is the keep-alive interval of SSE and WebSocket subscribers.
	Heartbeat   time.Duration
	ReadTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		CORSOrigins: []string{"*"},
		Heartbeat:   SSEHeartbeatInterval,
		ReadTimeout: 30 * time.Second,
	}
}

// ConfigFrom maps the config file section onto DefaultConfig.
func ConfigFrom(sc types.ServerConfig) *Config {
	cfg := DefaultConfig()
	cfg.Host = sc.Host
	if sc.Port > 0 {
		cfg.Port = sc.Port
	}
	if len(sc.CORSOrigins) > 0 {
		cfg.CORSOrigins = sc.CORSOrigins
	}
	if sc.Heartbeat > 0 {
		cfg.Heartbeat = sc.Heartbeat.Std()
	}
	return cfg
}

// Sessions is the session surface the API drives.
type Sessions interface {
	Start(ctx context.Context, req session.CreateRequest) (string, error)
	Cancel(id string) error
	Get(id string) (types.SessionInfo, error)
	Active() []types.SessionInfo
}

// Subscriber attaches observers to session event streams.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (*event.Subscription, error)
	Snapshot(sessionID string) (types.Snapshot, bool)
}

// Metrics reads back recorded metric values.
type Metrics interface {
	Collect(ctx context.Context) ([]telemetry.Point, error)
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	sessions Sessions
	events   Subscriber
	store    storage.Store
	metrics  Metrics

	// base parents every request context; canceling it ends open streams.
	base     context.Context
	stopBase context.CancelFunc
}

// New creates a new Server instance.
func New(cfg *Config, sessions Sessions, events Subscriber, store storage.Store) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = SSEHeartbeatInterval
	}
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		sessions: sessions,
		events:   events,
		store:    store,
		base:     base,
		stopBase: stop,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		// No write timeout: event streams are long-lived.
	}

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(s.streamContext)
}

// streamContext ends the request when the server shuts down, so open SSE
// and WebSocket streams do not hold Shutdown until its deadline.
func (s *Server) streamContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(s.base, cancel)
		defer stop()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs each request through the global zerolog logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Debug().
				Str("requestID", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// checkOrigin applies the CORS allow-list to WebSocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.config.CORSOrigins, "*") {
		return true
	}
	return slices.Contains(s.config.CORSOrigins, origin)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown, including when Shutdown ran first.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.Addr()).Msg("server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown closes open event streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopBase()
	return s.httpSrv.Shutdown(ctx)
}

// SetMetrics enables GET /metrics. Call it before Start.
func (s *Server) SetMetrics(m Metrics) {
	s.metrics = m
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
