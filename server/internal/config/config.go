package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort         = 50051
	DefaultHTTPPort         = 8080
	DefaultSyncInterval     = 30 * time.Second
	DefaultSyncConcurrency  = 4
	DefaultUpstreamTimeout  = 10 * time.Second
	DefaultBuildLimit       = 100
	DefaultRateLimit        = 10.0
	DefaultRateBurst        = 5
	DefaultHealthWindow     = 20
	DefaultFailureThreshold = 20.0
	DefaultMetricsDays      = 30
	DefaultStorageBackend   = "memory"
	DefaultSMTPPort         = 587
)

// Config is the full ciwatch-server configuration tree.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Sync     SyncConfig     `yaml:"sync"`
	Health   HealthConfig   `yaml:"health"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Storage  StorageConfig  `yaml:"storage"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Bus      BusConfig      `yaml:"bus"`
}

// LogConfig controls the slog handler installed by main.
type LogConfig struct {
	// Level is one of: debug | info | warn | error. Defaults to info.
	Level string `yaml:"level"`
}

// SlogLevel maps Level onto a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// HTTPPort serves the query API, the WebSocket stream and /metrics.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the gRPC health service. 0 disables it.
	GRPCPort int `yaml:"grpc_port"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls API key authentication on mutating HTTP routes and the
// gRPC listener.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header / gRPC metadata key. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// UpstreamConfig describes the CI server ciwatch pulls from.
type UpstreamConfig struct {
	// Type is the upstream flavour. Only "jenkins" is supported.
	Type string `yaml:"type"`

	// URL is the base URL of the CI server, e.g. https://jenkins.example.com.
	URL string `yaml:"url"`

	// Username is sent with the API token as HTTP basic auth.
	Username string `yaml:"username"`

	// TokenEnv is the name of the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`

	// Timeout bounds every upstream request.
	Timeout time.Duration `yaml:"timeout"`

	// BuildLimit is how many recent builds are fetched per pipeline.
	BuildLimit int `yaml:"build_limit"`

	// RateLimit caps upstream requests per second; Burst is the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	TLS TLSConfig `yaml:"tls"`
}

// Token returns the API token resolved from the environment.
func (u UpstreamConfig) Token() string {
	if u.TokenEnv == "" {
		return ""
	}
	return os.Getenv(u.TokenEnv)
}

// TLSConfig holds upstream TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Development only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// SyncConfig controls the reconciliation scheduler.
type SyncConfig struct {
	// Interval between scheduled cycles. Hot-reloadable.
	Interval time.Duration `yaml:"interval"`

	// Concurrency bounds how many pipelines are reconciled in parallel.
	Concurrency int `yaml:"concurrency"`
}

// HealthConfig parameterises the health evaluator. Hot-reloadable.
type HealthConfig struct {
	// Window is how many of the most recent builds are considered (0 = all).
	Window int `yaml:"window"`

	// FailureThreshold is the failure rate (percent) at or above which a
	// pipeline is unhealthy.
	FailureThreshold float64 `yaml:"failure_threshold"`
}

// MetricsConfig controls the default look-back of aggregate queries.
type MetricsConfig struct {
	WindowDays int `yaml:"window_days"`
}

// StorageConfig selects the BuildStore backend.
type StorageConfig struct {
	// Backend is one of: memory | sqlite | postgres | pgx | mysql.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file (sqlite backend only).
	Path string `yaml:"path"`

	// DSNEnv names the environment variable holding the connection string for
	// postgres, pgx and mysql.
	DSNEnv string `yaml:"dsn_env"`
}

// DSN returns the connection string for the selected backend.
func (s StorageConfig) DSN() string {
	if s.Backend == "sqlite" {
		return s.Path
	}
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// AlertsConfig holds failure notification targets.
type AlertsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Email    EmailConfig     `yaml:"email"`
}

// EmailConfig configures SMTP delivery of build mails and advice digests.
// Mail is disabled while Host is empty.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`

	// PasswordEnv is the name of the environment variable that holds the
	// SMTP password.
	PasswordEnv string `yaml:"password_env"`

	// From defaults to Username.
	From string `yaml:"from"`

	// Recipients receive failure mails, and success mails when NotifySuccess is set.
	Recipients    []string `yaml:"recipients"`
	NotifySuccess bool     `yaml:"notify_success"`
}

// Enabled reports whether an SMTP host is configured.
func (e EmailConfig) Enabled() bool { return e.Host != "" }

// Password returns the SMTP password resolved from the environment.
func (e EmailConfig) Password() string {
	if e.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(e.PasswordEnv)
}

// Sender returns the envelope sender address.
func (e EmailConfig) Sender() string {
	if e.From != "" {
		return e.From
	}
	return e.Username
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// BusConfig configures optional external event sinks.
type BusConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	NATS  NATSConfig  `yaml:"nats"`
}

// KafkaConfig enables the Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether the sink is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// NATSConfig enables the NATS sink when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Enabled reports whether the sink is configured.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			GRPCPort: DefaultGRPCPort,
		},
		Upstream: UpstreamConfig{
			Type:       "jenkins",
			Timeout:    DefaultUpstreamTimeout,
			BuildLimit: DefaultBuildLimit,
			RateLimit:  DefaultRateLimit,
			Burst:      DefaultRateBurst,
		},
		Sync: SyncConfig{
			Interval:    DefaultSyncInterval,
			Concurrency: DefaultSyncConcurrency,
		},
		Health: HealthConfig{
			Window:           DefaultHealthWindow,
			FailureThreshold: DefaultFailureThreshold,
		},
		Metrics: MetricsConfig{WindowDays: DefaultMetricsDays},
		Storage: StorageConfig{Backend: DefaultStorageBackend},
		Alerts:  AlertsConfig{Email: EmailConfig{Port: DefaultSMTPPort}},
		Bus: BusConfig{
			Kafka: KafkaConfig{Topic: "ciwatch.events"},
			NATS:  NATSConfig{SubjectPrefix: "ciwatch"},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Upstream.Type != "jenkins" {
		return fmt.Errorf("upstream.type %q unknown: want jenkins", cfg.Upstream.Type)
	}
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.Upstream.BuildLimit <= 0 {
		return fmt.Errorf("upstream.build_limit must be positive")
	}
	if cfg.Upstream.RateLimit < 0 || cfg.Upstream.Burst < 0 {
		return fmt.Errorf("upstream.rate_limit and upstream.burst must not be negative")
	}
	if cfg.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if cfg.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if cfg.Health.Window < 0 {
		return fmt.Errorf("health.window must not be negative")
	}
	if cfg.Health.FailureThreshold <= 0 || cfg.Health.FailureThreshold > 100 {
		return fmt.Errorf("health.failure_threshold %.1f is out of range (0, 100]", cfg.Health.FailureThreshold)
	}
	if cfg.Metrics.WindowDays <= 0 {
		return fmt.Errorf("metrics.window_days must be positive")
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "postgres", "pgx", "mysql":
		if cfg.Storage.DSNEnv == "" {
			return fmt.Errorf("storage.dsn_env is required for the %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q unknown: want memory|sqlite|postgres|pgx|mysql", cfg.Storage.Backend)
	}
	for i, wh := range cfg.Alerts.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d]: unknown type %q", i, wh.Type)
		}
	}
	if em := cfg.Alerts.Email; em.Enabled() {
		if em.Port <= 0 || em.Port > 65535 {
			return fmt.Errorf("alerts.email.port %d is out of range [1, 65535]", em.Port)
		}
		if em.Sender() == "" {
			return fmt.Errorf("alerts.email.from or alerts.email.username is required when host is set")
		}
	}
	if cfg.Bus.Kafka.Enabled() && cfg.Bus.Kafka.Topic == "" {
		return fmt.Errorf("bus.kafka.topic is required when brokers are set")
	}
	return nil
}
