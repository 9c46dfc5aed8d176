// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/clearance/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Backend       BackendConfig       `yaml:"backend"`
	Policy        PolicyConfig        `yaml:"policy"`
	SnapshotCache SnapshotCacheConfig `yaml:"snapshot_cache"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// BackendConfig describes the authoritative policy backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	TokenEnv       string               `yaml:"token_env"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig describes retry settings for policy fetches.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CircuitBreakerConfig describes circuit breaker settings for the
// policy backend.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// PolicyConfig describes the per-tenant policy cache windows.
type PolicyConfig struct {
	FreshTTL time.Duration `yaml:"fresh_ttl"`
	EvictTTL time.Duration `yaml:"evict_ttl"`
}

// SnapshotCacheConfig describes the optional second-level snapshot
// cache. Driver is "none", "memory" or "redis".
type SnapshotCacheConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// DirectoryConfig describes the operator directory. Driver is
// "postgres" or "static".
type DirectoryConfig struct {
	Driver string        `yaml:"driver"`
	DSNEnv string        `yaml:"dsn_env"`
	Admins []StaticAdmin `yaml:"admins"`
}

// StaticAdmin is one roster entry for the static directory driver.
type StaticAdmin struct {
	ID       string `yaml:"id"`
	Email    string `yaml:"email"`
	Role     string `yaml:"role"`
	IsActive bool   `yaml:"is_active"`
}

// Principals converts the static roster to model records.
func (d DirectoryConfig) Principals() []model.AdminPrincipal {
	out := make([]model.AdminPrincipal, 0, len(d.Admins))
	for _, a := range d.Admins {
		out = append(out, model.AdminPrincipal{
			ID:       a.ID,
			Email:    a.Email,
			Role:     model.Role(a.Role),
			IsActive: a.IsActive,
		})
	}
	return out
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Tenant-Id",
					"X-Correlation-Id", "X-Session-Id"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"session_id": "sid",
			},
		},
		Backend: BackendConfig{
			Timeout:  10 * time.Second,
			TokenEnv: "CLEARANCE_BACKEND_TOKEN",
			Retry: RetryConfig{
				MaxRetries:        2,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Policy: PolicyConfig{
			FreshTTL: 5 * time.Minute,
			EvictTTL: 10 * time.Minute,
		},
		SnapshotCache: SnapshotCacheConfig{
			Driver:  "none",
			AddrEnv: "CLEARANCE_REDIS_ADDR",
		},
		Directory: DirectoryConfig{
			Driver: "postgres",
			DSNEnv: "CLEARANCE_DIRECTORY_DSN",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	}
	if c.Backend.Retry.MaxRetries < 0 {
		errs = append(errs, "backend.retry.max_retries must not be negative")
	}
	if c.Policy.FreshTTL <= 0 {
		errs = append(errs, "policy.fresh_ttl must be positive")
	}
	if c.Policy.EvictTTL <= c.Policy.FreshTTL {
		errs = append(errs, "policy.evict_ttl must exceed policy.fresh_ttl")
	}
	switch c.SnapshotCache.Driver {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("snapshot_cache.driver %q is not one of none, memory, redis", c.SnapshotCache.Driver))
	}
	switch c.Directory.Driver {
	case "postgres":
	case "static":
		if len(c.Directory.Admins) == 0 {
			errs = append(errs, "directory.admins is required with the static driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("directory.driver %q is not one of postgres, static", c.Directory.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CLEARANCE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLEARANCE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CLEARANCE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CLEARANCE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CLEARANCE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CLEARANCE_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("CLEARANCE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CLEARANCE_SNAPSHOT_CACHE_DRIVER"); v != "" {
		cfg.SnapshotCache.Driver = v
	}
	if v := os.Getenv("CLEARANCE_DIRECTORY_DRIVER"); v != "" {
		cfg.Directory.Driver = v
	}
}
