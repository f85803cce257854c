package sdk

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Handshake methods.
const (
	methodToken           = "token"
	methodAnonymous       = "anonymous"
	methodUnauthenticated = "unauthenticated"
)

// Option configures Dial.
type Option interface {
	apply(*dialConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*dialConfig)

func (f optionFunc) apply(c *dialConfig) { f(c) }

type dialConfig struct {
	method string
	token  string

	header           http.Header
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

// WithToken authenticates with a token issued by the gateway.
func WithToken(token string) Option {
	return optionFunc(func(c *dialConfig) {
		c.method = methodToken
		c.token = token
	})
}

// WithAnonymous asks the gateway for a fresh anonymous identity.
func WithAnonymous() Option {
	return optionFunc(func(c *dialConfig) {
		c.method = methodAnonymous
		c.token = ""
	})
}

// WithHeader adds HTTP headers to the websocket upgrade request.
func WithHeader(h http.Header) Option {
	return optionFunc(func(c *dialConfig) {
		c.header = h
	})
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return optionFunc(func(c *dialConfig) {
		c.dialer = d
	})
}

// WithHandshakeTimeout bounds the wait for the handshake reply.
// Default: 10s.
func WithHandshakeTimeout(d time.Duration) Option {
	return optionFunc(func(c *dialConfig) {
		c.handshakeTimeout = d
	})
}

// WithLogger enables structured logging for client operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *dialConfig) {
		c.logger = l
	})
}

// WithPrometheus registers client metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *dialConfig) {
		c.metricsReg = reg
	})
}
