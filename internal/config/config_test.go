package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "redis", Addrs: []string{"localhost:6379"}},
		Auth:     AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_MissingRedisAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Addrs = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing redis addrs")
	}
}

func TestValidate_MemoryNeedsNoAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Database = DatabaseConfig{Driver: "memory"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "valkey"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "database.driver") {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestValidate_Secret(t *testing.T) {
	tests := []struct {
		name    string
		auth    AuthConfig
		wantErr bool
	}{
		{"token auth without secret", AuthConfig{}, true},
		{"anonymous without secret", AuthConfig{AllowAnonymous: true, AllowUnauthenticated: true}, true},
		{"only unauthenticated", AuthConfig{AllowUnauthenticated: true}, false},
		{"secret set", AuthConfig{JWTSecret: "s", AllowAnonymous: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Auth = tt.auth
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.Path != "/fusion" {
		t.Errorf("expected Path=/fusion, got %q", cfg.HTTP.Path)
	}
	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("expected ReadTimeoutSec=10, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("expected ShutdownSec=10, got %d", cfg.HTTP.ShutdownSec)
	}
	if cfg.Database.Driver != "redis" {
		t.Errorf("expected Driver=redis, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Name != "fusion" {
		t.Errorf("expected Name=fusion, got %q", cfg.Database.Name)
	}
	if cfg.Database.ReadinessTimeout != 10 {
		t.Errorf("expected ReadinessTimeout=10, got %d", cfg.Database.ReadinessTimeout)
	}
	if cfg.Storage.KeyPrefix != "fusion:" {
		t.Errorf("expected KeyPrefix='fusion:', got %q", cfg.Storage.KeyPrefix)
	}
	if cfg.Auth.TokenTTLSec != 86400 {
		t.Errorf("expected TokenTTLSec=86400, got %d", cfg.Auth.TokenTTLSec)
	}
	if cfg.Limits.Burst != 0 {
		t.Errorf("expected no burst without a rate, got %d", cfg.Limits.Burst)
	}
	if cfg.Limits.MaxFrameBytes != 1<<20 {
		t.Errorf("expected MaxFrameBytes=1MiB, got %d", cfg.Limits.MaxFrameBytes)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:     HTTPConfig{Path: "horizon", ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Database: DatabaseConfig{Driver: "memory", Name: "app", ReadinessTimeout: 15},
		Storage:  StorageConfig{KeyPrefix: "custom:"},
		Limits:   LimitsConfig{RequestsPerSecond: 0.5},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.Path != "/horizon" {
		t.Errorf("expected Path=/horizon, got %q", cfg.HTTP.Path)
	}
	if cfg.HTTP.WriteTimeoutSec != 60 {
		t.Errorf("expected WriteTimeoutSec=60, got %d", cfg.HTTP.WriteTimeoutSec)
	}
	if cfg.Database.Driver != "memory" || cfg.Database.Name != "app" {
		t.Errorf("database overridden: %+v", cfg.Database)
	}
	if cfg.Storage.KeyPrefix != "custom:" {
		t.Errorf("expected KeyPrefix='custom:', got %q", cfg.Storage.KeyPrefix)
	}
	if cfg.Limits.Burst != 1 {
		t.Errorf("expected Burst=1 for a fractional rate, got %d", cfg.Limits.Burst)
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("FUSION_TEST_SECRET", "from-env")
	raw := []byte(`
http:
  port: ${FUSION_TEST_PORT:-9000}
database:
  driver: memory
auth:
  jwt_secret: ${FUSION_TEST_SECRET}
dev_mode: true
query:
  index_wait_ms: 250
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("expected Port=9000, got %d", cfg.HTTP.Port)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("expected secret from env, got %q", cfg.Auth.JWTSecret)
	}
	if !cfg.DevMode || cfg.Query.IndexWaitMs != 250 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}
