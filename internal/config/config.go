// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable override.
const EnvPrefix = "COMPLEMENT_"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Store         StoreConfig         `yaml:"store"`
	Journal       JournalConfig       `yaml:"journal"`
	Roles         RolesConfig         `yaml:"roles"`
	Listing       ListingConfig       `yaml:"listing"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" env:"SERVER_HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"SERVER_CORS_ALLOWED_ORIGINS" envSeparator:","`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer" env:"IDENTITY_ISSUER"`
	Audience     string            `yaml:"audience" env:"IDENTITY_AUDIENCE"`
	JWKSURL      string            `yaml:"jwks_url" env:"IDENTITY_JWKS_URL"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl" env:"IDENTITY_JWKS_CACHE_TTL"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// LedgerConfig describes how the external work-order ledger is reached.
type LedgerConfig struct {
	// Candidates are base URLs probed in order; the first one whose status
	// endpoint answers 2xx is used.
	Candidates      []string             `yaml:"candidates" env:"LEDGER_CANDIDATES" envSeparator:","`
	ProbePath       string               `yaml:"probe_path" env:"LEDGER_PROBE_PATH"`
	ProbeTimeout    time.Duration        `yaml:"probe_timeout" env:"LEDGER_PROBE_TIMEOUT"`
	CallTimeout     time.Duration        `yaml:"call_timeout" env:"LEDGER_CALL_TIMEOUT"`
	ApprovalTimeout time.Duration        `yaml:"approval_timeout" env:"LEDGER_APPROVAL_TIMEOUT"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry           RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per ledger endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for idempotent ledger reads.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" env:"LEDGER_RETRY_MAX_ATTEMPTS"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// StoreConfig describes request persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver" env:"STORE_DRIVER"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// JournalConfig describes the ledger replay journal.
type JournalConfig struct {
	Driver  string        `yaml:"driver" env:"JOURNAL_DRIVER"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl" env:"JOURNAL_TTL"`
}

// RolesConfig describes how identity provider roles map onto approval roles.
type RolesConfig struct {
	PolicyFile string `yaml:"policy_file" env:"ROLES_POLICY_FILE"`
}

// ListingConfig describes listing bounds.
type ListingConfig struct {
	HistoryLimit int `yaml:"history_limit" env:"LISTING_HISTORY_LIMIT"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" env:"OBSERVABILITY_LOG_LEVEL"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" env:"OBSERVABILITY_TRACING_ENABLED"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint" env:"OBSERVABILITY_TRACING_ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate"`
	// SampleLedgerCalls keeps every ledger.* span whatever the ratio.
	SampleLedgerCalls bool `yaml:"sample_ledger_calls" env:"OBSERVABILITY_TRACING_SAMPLE_LEDGER_CALLS"`
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
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"user_id":    "user_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Ledger: LedgerConfig{
			ProbePath:       "/api/public/status",
			ProbeTimeout:    2 * time.Second,
			CallTimeout:     10 * time.Second,
			ApprovalTimeout: 45 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    60 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "COMPLEMENT_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Journal: JournalConfig{
			Driver:  "memory",
			AddrEnv: "COMPLEMENT_REDIS_ADDR",
			TTL:     7 * 24 * time.Hour,
		},
		Listing: ListingConfig{
			HistoryLimit: 300,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:          "otlp",
				SamplingRate:      0.1,
				SampleLedgerCalls: true,
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

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

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

	if len(c.Ledger.Candidates) == 0 {
		errs = append(errs, "ledger.candidates must list at least one base URL")
	}
	for i, cand := range c.Ledger.Candidates {
		u, err := url.Parse(cand)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("ledger.candidates[%d] %q is not an absolute URL", i, cand))
		}
	}
	if c.Ledger.ProbeTimeout <= 0 {
		errs = append(errs, "ledger.probe_timeout must be positive")
	}
	if c.Ledger.CallTimeout <= 0 {
		errs = append(errs, "ledger.call_timeout must be positive")
	}
	if c.Ledger.ApprovalTimeout <= 0 {
		errs = append(errs, "ledger.approval_timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	switch c.Journal.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("journal.driver %q must be memory or redis", c.Journal.Driver))
	}

	if c.Listing.HistoryLimit < 1 {
		errs = append(errs, "listing.history_limit must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads COMPLEMENT_* environment variables over the values
// loaded from the file. Unset variables leave the file value in place.
func applyEnvOverrides(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}
