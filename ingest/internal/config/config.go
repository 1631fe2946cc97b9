package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultListenAddr      = "0.0.0.0:3000"
	DefaultComputeURL      = "http://compute:8080/api/compute"
	DefaultForwardTimeout  = 10 * time.Second
	DefaultMaxInflight     = 256
	DefaultReadLimit       = 1 << 20
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLogLevel        = "info"
	DefaultStatsPrefix     = "taxstream:ingest"
	DefaultStatsTTL        = 2 * time.Hour
)

// Environment variables that override values from the file.
const (
	EnvListenAddr = "INGEST_LISTEN_ADDR"
	EnvComputeURL = "COMPUTE_URL"
	EnvLogLevel   = "LOG_LEVEL"
)

// Config holds the gateway configuration parsed from the `ingest:` section of
// config.yaml. The `compute:` key in the same file is ignored.
type Config struct {
	Ingest IngestConfig `yaml:"ingest"`
}

// IngestConfig holds all gateway-side settings.
type IngestConfig struct {
	// ListenAddr is the host:port the WebSocket endpoint binds to.
	ListenAddr string `yaml:"listen_addr"`

	// ComputeURL is the full URL records are POSTed to.
	ComputeURL string `yaml:"compute_url"`

	// ForwardTimeout bounds one forward request, including reading the reply.
	ForwardTimeout time.Duration `yaml:"forward_timeout"`

	// MaxInflight caps forwards that have been started but not finished.
	// A connection blocks on its next record while the cap is reached.
	MaxInflight int `yaml:"max_inflight"`

	// ReadLimit is the largest accepted frame, in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables the deadline.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ComputeAuth is the API key sent with every forward.
	ComputeAuth AuthConfig `yaml:"compute_auth"`

	Stats StatsConfig `yaml:"stats"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// AuthConfig holds the credential attached to forwards.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header carrying the key. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.Mode != "apikey" || a.KeyEnv == "" {
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

// StatsConfig configures the optional Redis outcome counters.
type StatsConfig struct {
	Enabled bool `yaml:"enabled"`

	// RedisAddr is host:port of the Redis server.
	RedisAddr string `yaml:"redis_addr"`

	// PasswordEnv is the name of the environment variable holding the Redis password.
	PasswordEnv string `yaml:"password_env"`

	DB int `yaml:"db"`

	// Prefix namespaces every key written.
	Prefix string `yaml:"prefix"`

	// TTL is applied to per-minute buckets.
	TTL time.Duration `yaml:"ttl"`
}

// Password returns the Redis password resolved from the environment.
func (s StatsConfig) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

// Level maps LogLevel onto a slog level. Unknown values fall back to info.
func (c IngestConfig) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Load reads the config file at path, applies environment overrides and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("ingest config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Ingest: IngestConfig{
			ListenAddr:      DefaultListenAddr,
			ComputeURL:      DefaultComputeURL,
			ForwardTimeout:  DefaultForwardTimeout,
			MaxInflight:     DefaultMaxInflight,
			ReadLimit:       DefaultReadLimit,
			ShutdownTimeout: DefaultShutdownTimeout,
			Stats: StatsConfig{
				RedisAddr: "localhost:6379",
				Prefix:    DefaultStatsPrefix,
				TTL:       DefaultStatsTTL,
			},
			LogLevel: DefaultLogLevel,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Ingest.ListenAddr = v
	}
	if v := os.Getenv(EnvComputeURL); v != "" {
		cfg.Ingest.ComputeURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Ingest.LogLevel = strings.ToLower(v)
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	c := cfg.Ingest
	if c.ListenAddr == "" {
		return fmt.Errorf("ingest.listen_addr is required")
	}
	u, err := url.Parse(c.ComputeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ingest.compute_url %q must be an absolute http(s) URL", c.ComputeURL)
	}
	if c.ForwardTimeout <= 0 {
		return fmt.Errorf("ingest.forward_timeout must be positive")
	}
	if c.MaxInflight <= 0 {
		return fmt.Errorf("ingest.max_inflight must be positive, got %d", c.MaxInflight)
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("ingest.read_limit must be positive, got %d", c.ReadLimit)
	}
	if c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("ingest: timeouts must not be negative")
	}
	switch c.ComputeAuth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("ingest.compute_auth.mode %q unknown: want apikey|none", c.ComputeAuth.Mode)
	}
	if c.ComputeAuth.Mode == "apikey" && c.ComputeAuth.Key() == "" {
		return fmt.Errorf("ingest.compute_auth: mode apikey needs key_env naming a non-empty variable (got %q)", c.ComputeAuth.KeyEnv)
	}
	if c.Stats.Enabled {
		if c.Stats.RedisAddr == "" {
			return fmt.Errorf("ingest.stats.redis_addr is required when stats are enabled")
		}
		if c.Stats.Prefix == "" {
			return fmt.Errorf("ingest.stats.prefix must not be empty")
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("ingest.log_level %q unknown: want debug|info|warn|error", c.LogLevel)
	}
	return nil
}
