package fusion

import (
	"time"

	"go.uber.org/zap"
)

// Option configures the Gateway.
type Option interface {
	apply(*gatewayConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*gatewayConfig)

func (f optionFunc) apply(c *gatewayConfig) { f(c) }

type gatewayConfig struct {
	driver    string // "memory" or "redis"
	addrs     []string
	password  string
	database  string
	keyPrefix string

	devMode   bool
	indexWait time.Duration

	jwtSecret      string
	tokenTTL       time.Duration
	allowAnonymous bool

	readinessTimeout time.Duration
	logger           *zap.Logger
}

// WithMemory keeps all data in process. Nothing survives Close.
func WithMemory() Option {
	return optionFunc(func(c *gatewayConfig) {
		c.driver = "memory"
		c.addrs = nil
	})
}

// WithRedis stores collections in a Redis instance.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *gatewayConfig) {
		c.driver = "redis"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithDatabase sets the logical database name that namespaces every key.
// Default: "fusion".
func WithDatabase(name string) Option {
	return optionFunc(func(c *gatewayConfig) {
		c.database = name
	})
}

// WithKeyPrefix prefixes every Redis key.
func WithKeyPrefix(prefix string) Option {
	return optionFunc(func(c *gatewayConfig) {
		c.keyPrefix = prefix
	})
}

// WithDevMode creates missing collections and indexes on first use.
func WithDevMode() Option {
	return optionFunc(func(c *gatewayConfig) {
		c.devMode = true
	})
}

// WithIndexWait lets queries wait up to d for a matching index that is
// still being built.
func WithIndexWait(d time.Duration) Option {
	return optionFunc(func(c *gatewayConfig) {
		c.indexWait = d
	})
}

// WithAuth enables token handshakes on Handler with an HS256 secret.
func WithAuth(secret string, tokenTTL time.Duration, allowAnonymous bool) Option {
	return optionFunc(func(c *gatewayConfig) {
		c.jwtSecret = secret
		c.tokenTTL = tokenTTL
		c.allowAnonymous = allowAnonymous
	})
}

// WithReadinessTimeout bounds the initial database readiness check.
// Default: 10s.
func WithReadinessTimeout(d time.Duration) Option {
	return optionFunc(func(c *gatewayConfig) {
		c.readinessTimeout = d
	})
}

// WithLogger enables structured logging. Pass nil to disable (default).
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *gatewayConfig) {
		c.logger = l
	})
}
