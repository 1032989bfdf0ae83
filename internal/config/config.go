package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"agent-exec-sandbox/internal/auth"
	"agent-exec-sandbox/internal/sandbox"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Executor ExecutorConfig `yaml:"executor"`
	Security SecurityConfig `yaml:"security"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	ContainerdSocket string                 `yaml:"containerd_socket"`
	Namespace        string                 `yaml:"namespace"`
	DefaultLimits    sandbox.ResourceLimits `yaml:"default_limits"`
	MaxIdleAge       time.Duration          `yaml:"max_idle_age"`
	ReapInterval     time.Duration          `yaml:"reap_interval"`
}

type ExecutorConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
}

type SecurityConfig struct {
	Credentials    []auth.Credential `yaml:"credentials"`
	RateLimitRPS   float64           `yaml:"rate_limit_rps"`
	RateLimitBurst int               `yaml:"rate_limit_burst"`

	// Import policy additions on top of the built-in defaults.
	AllowedImports    []string          `yaml:"allowed_imports"`
	RestrictedImports map[string]string `yaml:"restricted_imports"`
	DenyPatterns      []DenyPattern     `yaml:"deny_patterns"`
}

// DenyPattern is an operator-supplied regex appended to the built-in
// deny-list.
type DenyPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
}

// ProxyConfig controls the egress gateway for bridged sandboxes. Host must
// be an address the sandbox network can route to; loopback only works when
// sandboxes share the host network namespace.
type ProxyConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Secret       string   `yaml:"secret"`
	AllowedHosts []string `yaml:"allowed_hosts"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	AuditBufferSize int    `yaml:"audit_buffer_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3700 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "exec-sandbox",
			DefaultLimits:    sandbox.DefaultLimits(),
			MaxIdleAge:       10 * time.Minute,
			ReapInterval:     30 * time.Second,
		},
		Executor: ExecutorConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     3600 * time.Second,
			MaxConcurrent:  10,
		},
		Security: SecurityConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Proxy: ProxyConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    3128,
		},
		Database: DatabaseConfig{
			DSN:             "",
			AuditBufferSize: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Executor.DefaultTimeout > c.Executor.MaxTimeout {
		return fmt.Errorf("executor.default_timeout (%s) must be <= max_timeout (%s)",
			c.Executor.DefaultTimeout, c.Executor.MaxTimeout)
	}
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be >= 1")
	}
	if err := c.Sandbox.DefaultLimits.Validate(); err != nil {
		return fmt.Errorf("sandbox.default_limits: %w", err)
	}
	if c.Proxy.Enabled && (c.Proxy.Port < 1 || c.Proxy.Port > 65535) {
		return fmt.Errorf("proxy.port must be 1-65535, got %d", c.Proxy.Port)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	for _, cred := range c.Security.Credentials {
		if cred.Key == "" || cred.CallerID == "" {
			return fmt.Errorf("security.credentials entries need both key and caller_id")
		}
	}
	for _, p := range c.Security.DenyPatterns {
		if p.Name == "" || p.Pattern == "" {
			return fmt.Errorf("security.deny_patterns entries need both name and pattern")
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("security.deny_patterns %q: %w", p.Name, err)
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
