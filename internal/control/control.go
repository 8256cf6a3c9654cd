// Package control serves the HTTP control surface of a streaming session.
//
// Routes:
//
//   - GET  /healthz               liveness; always 200.
//   - GET  /readyz                readiness; 200 only when every [Checker] passes.
//   - GET  /v1/session            current status and volume as JSON.
//   - POST /v1/session/connect    starts a session (202, 409, or 502).
//   - POST /v1/session/disconnect ends the session (200).
//   - GET  /v1/session/stream     websocket of session snapshots.
//   - GET  /metrics               Prometheus exposition, when configured.
//
// Every route is wrapped in [observe.Middleware].
package control

import (
	"context"
	"net/http"
	"time"

	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/internal/session"
)

const (
	defaultVolumeInterval = 50 * time.Millisecond
	defaultConnectTimeout = 30 * time.Second
)

// Controller is the part of [session.Manager] the control surface drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

// Config configures a [Server].
type Config struct {
	// Session is the controlled session manager. Required.
	Session Controller

	// Checkers are evaluated on every /readyz request after the built-in
	// session check.
	Checkers []Checker

	// MetricsHandler serves /metrics. Nil leaves the route unregistered.
	MetricsHandler http.Handler

	// Metrics records HTTP request metrics. Defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// VolumeInterval is how often the stream endpoint samples the meters
	// while a session is active. Default: 50ms.
	VolumeInterval time.Duration

	// ConnectTimeout bounds device and transport acquisition for a connect
	// request. Default: 30s.
	ConnectTimeout time.Duration
}

// Server is the HTTP control surface. It is safe for concurrent use.
type Server struct {
	sess           Controller
	checkers       []Checker
	metrics        http.Handler
	m              *observe.Metrics
	volumeInterval time.Duration
	connectTimeout time.Duration
}

// New creates a [Server] from cfg.
func New(cfg Config) *Server {
	s := &Server{
		sess:           cfg.Session,
		metrics:        cfg.MetricsHandler,
		m:              cfg.Metrics,
		volumeInterval: cfg.VolumeInterval,
		connectTimeout: cfg.ConnectTimeout,
	}
	if s.m == nil {
		s.m = observe.DefaultMetrics()
	}
	if s.volumeInterval <= 0 {
		s.volumeInterval = defaultVolumeInterval
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = defaultConnectTimeout
	}
	s.checkers = append([]Checker{{Name: "session", Check: s.sessionHealthy}}, cfg.Checkers...)
	return s
}

// Register adds every route to mux without middleware.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.HandleFunc("GET /v1/session", s.getSession)
	mux.HandleFunc("POST /v1/session/connect", s.connect)
	mux.HandleFunc("POST /v1/session/disconnect", s.disconnect)
	mux.HandleFunc("GET /v1/session/stream", s.stream)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the complete, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return observe.Middleware(s.m)(mux)
}
