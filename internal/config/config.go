// Package config loads and validates console configuration from YAML or
// JSON files and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/aiconsole/model"
)

// Config is the root application configuration. The auth, api, panel and
// admin sections keep the camelCase keys of the front-end main.json so that
// file loads unchanged.
type Config struct {
	Auth          AuthConfig          `yaml:"auth"`
	API           APIConfig           `yaml:"api"`
	Panel         FrontendConfig      `yaml:"panel"`
	Admin         FrontendConfig      `yaml:"admin"`
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Specs         SpecsConfig         `yaml:"specs"`
	Controls      ControlsConfig      `yaml:"controls"`
	Capability    CapabilityConfig    `yaml:"capability"`
	State         StateConfig         `yaml:"state"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Events        EventsConfig        `yaml:"events"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AuthConfig toggles operator authentication.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SessionCookie string `yaml:"session_cookie"`
	TokenCookie   string `yaml:"token_cookie"`
}

// APIConfig groups the backends the console talks to.
type APIConfig struct {
	AIBridge BackendConfig `yaml:"aiBridge"`
}

// BackendConfig describes the aiBridge REST backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"baseUrl"`
	Endpoints      map[string]string    `yaml:"endpoints"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Endpoint returns the path prefix of service, defaulting to "/<service>".
func (b BackendConfig) Endpoint(service string) string {
	if p, ok := b.Endpoints[service]; ok && p != "" {
		return p
	}
	return "/" + service
}

// FrontendConfig carries a front-end base URL handed back by /api/config.
type FrontendConfig struct {
	BaseURL string `yaml:"baseUrl"`
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

// DefinitionsConfig describes where to find entity definition files.
type DefinitionsConfig struct {
	Directories []string      `yaml:"directories"`
	HotReload   bool          `yaml:"hot_reload"`
	Debounce    time.Duration `yaml:"debounce"`
}

// SpecsConfig points at the aiBridge OpenAPI document. When File is empty
// list endpoints are not checked against the backend contract.
type SpecsConfig struct {
	File string `yaml:"file"`
}

// ControlsConfig carries the defaults template merged into every field
// control.
type ControlsConfig struct {
	Defaults model.FieldControl `yaml:"defaults"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StateConfig describes persisted client state storage.
type StateConfig struct {
	Driver   string        `yaml:"driver"`
	AddrEnv  string        `yaml:"addr_env"`
	DB       int           `yaml:"db"`
	DSNEnv   string        `yaml:"dsn_env"`
	MaxConns int32         `yaml:"max_conns"`
	TTL      time.Duration `yaml:"ttl"`
}

// WorkspaceConfig describes per-session workspace lifetime.
type WorkspaceConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EventsConfig describes entity change event publishing.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NotificationsConfig sizes the in-memory notification ring.
type NotificationsConfig struct {
	Capacity int `yaml:"capacity"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Auth: AuthConfig{
			SessionCookie: "aiconsole_session",
			TokenCookie:   "aiconsole_token",
		},
		API: APIConfig{
			AIBridge: BackendConfig{
				Timeout: 15 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Debounce:    250 * time.Millisecond,
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		State: StateConfig{
			Driver:   "memory",
			AddrEnv:  "AICONSOLE_REDIS_ADDR",
			DSNEnv:   "AICONSOLE_DATABASE_URL",
			MaxConns: 10,
			TTL:      30 * 24 * time.Hour,
		},
		Workspace: WorkspaceConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Events: EventsConfig{
			URLEnv:        "AICONSOLE_NATS_URL",
			SubjectPrefix: "aiconsole",
		},
		Notifications: NotificationsConfig{
			Capacity: 200,
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

// Load reads each file in order over the defaults, applies environment
// variable overrides, and validates the result. JSON is a YAML subset, so
// the front-end main.json can be passed directly.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("config: no configuration file given")
	}
	cfg := Defaults()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
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
	if c.API.AIBridge.BaseURL == "" {
		errs = append(errs, "api.aiBridge.baseUrl is required")
	}
	if c.Auth.Enabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required when auth.enabled")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required when auth.enabled")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required when auth.enabled")
		}
	}
	if c.Auth.SessionCookie == "" {
		errs = append(errs, "auth.session_cookie must not be empty")
	}
	switch c.State.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("state.driver %q is not one of memory, redis, postgres", c.State.Driver))
	}
	if c.Workspace.IdleTTL <= 0 {
		errs = append(errs, "workspace.idle_ttl must be positive")
	}
	if c.Notifications.Capacity < 1 {
		errs = append(errs, "notifications.capacity must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads AICONSOLE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AICONSOLE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AICONSOLE_AUTH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enabled = enabled
		}
	}
	if v := os.Getenv("AICONSOLE_AIBRIDGE_BASE_URL"); v != "" {
		cfg.API.AIBridge.BaseURL = v
	}
	if v := os.Getenv("AICONSOLE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("AICONSOLE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("AICONSOLE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("AICONSOLE_STATE_DRIVER"); v != "" {
		cfg.State.Driver = v
	}
	if v := os.Getenv("AICONSOLE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
