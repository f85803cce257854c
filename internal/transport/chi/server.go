package chi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/fusion/internal/metrics"
	healthuc "github.com/kailas-cloud/fusion/internal/usecase/health"
	queryuc "github.com/kailas-cloud/fusion/internal/usecase/query"
	writeuc "github.com/kailas-cloud/fusion/internal/usecase/write"
)

const handshakeTimeout = 10 * time.Second

// Options tune the websocket endpoint.
type Options struct {
	Path              string        // websocket endpoint, default /fusion
	RequestsPerSecond float64       // per connection, 0 = unlimited
	Burst             int           // per connection
	MaxFrameBytes     int64         // largest accepted client message
	WriteTimeout      time.Duration // per frame, 0 = none
}

// Server serves the fusion protocol over websockets.
type Server struct {
	queries *queryuc.Service
	writes  *writeuc.Service
	health  *healthuc.Service
	auth    *Authenticator
	logger  *zap.Logger
	opts    Options

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a protocol server.
func NewServer(
	queries *queryuc.Service,
	writes *writeuc.Service,
	health *healthuc.Service,
	auth *Authenticator,
	logger *zap.Logger,
	opts Options,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Path == "" {
		opts.Path = "/fusion"
	}
	return &Server{
		queries: queries,
		writes:  writes,
		health:  health,
		auth:    auth,
		logger:  logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Router returns the HTTP handler with /health, /metrics and the websocket endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Get(s.opts.Path, s.ServeWS)
	return r
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// ServeWS upgrades the request and serves one connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.opts.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.opts.MaxFrameBytes)
	}

	var limiter *rate.Limiter
	if s.opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RequestsPerSecond), max(s.opts.Burst, 1))
	}

	c := newConn(s, ws, uuid.NewString(), limiter)
	s.track(c, true)
	defer s.track(c, false)
	c.serve(r.Context())
}

// CloseConnections closes every open connection. Hijacked connections are
// not covered by http.Server.Shutdown.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[c] = struct{}{}
		metrics.OpenConnections.Inc()
		return
	}
	delete(s.conns, c)
	metrics.OpenConnections.Dec()
}
