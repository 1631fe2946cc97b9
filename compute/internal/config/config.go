package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the compute configuration.
const (
	DefaultListenAddr      = "0.0.0.0:8080"
	DefaultDatabaseURL     = "postgres://postgres:postgres@db:5432/tax_db"
	DefaultDBMaxConns      = 5
	DefaultSchemaTimeout   = 30 * time.Second
	DefaultStoreTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
	DefaultAcquireTimeout  = 2 * time.Second
	DefaultLogLevel        = "info"
)

// Environment variables that override values from the file.
const (
	EnvListenAddr  = "COMPUTE_LISTEN_ADDR"
	EnvDatabaseURL = "DATABASE_URL"
	EnvLogLevel    = "LOG_LEVEL"
)

// Config holds the compute configuration parsed from the `compute:` section of
// config.yaml. The `ingest:` key in the same file is ignored.
type Config struct {
	Compute ComputeConfig `yaml:"compute"`
}

// ComputeConfig holds all compute-side settings.
type ComputeConfig struct {
	// ListenAddr is the host:port the HTTP API binds to.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL selects the record store by scheme: postgres://, oracle://
	// or bolt://<path>.
	DatabaseURL string `yaml:"database_url"`

	// DBMaxConns caps the SQL connection pool.
	DBMaxConns int `yaml:"db_max_conns"`

	// SchemaTimeout bounds the startup retries of schema creation.
	SchemaTimeout time.Duration `yaml:"schema_timeout"`

	// StoreTimeout bounds a single record insert.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps the request body of POST /api/compute.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxConcurrent limits requests served at once. 0 disables the limit.
	MaxConcurrent  int           `yaml:"max_concurrent"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	Rate RateConfig `yaml:"rate"`

	Auth AuthConfig `yaml:"auth"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// RateConfig controls the per-client token bucket.
type RateConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`

	// TrustXFF keys clients by the first X-Forwarded-For entry instead of the
	// remote address.
	TrustXFF bool `yaml:"trust_xff"`
}

// AuthConfig controls client authentication on the compute side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
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

// Level maps LogLevel onto a slog level. Unknown values fall back to info;
// validate rejects them before this is reached.
func (c ComputeConfig) Level() slog.Level {
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
			return nil, fmt.Errorf("compute config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("compute config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("compute config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Compute: ComputeConfig{
			ListenAddr:      DefaultListenAddr,
			DatabaseURL:     DefaultDatabaseURL,
			DBMaxConns:      DefaultDBMaxConns,
			SchemaTimeout:   DefaultSchemaTimeout,
			StoreTimeout:    DefaultStoreTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			AcquireTimeout:  DefaultAcquireTimeout,
			Rate: RateConfig{
				RPS:   50,
				Burst: 100,
			},
			LogLevel: DefaultLogLevel,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Compute.ListenAddr = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Compute.DatabaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Compute.LogLevel = strings.ToLower(v)
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	c := cfg.Compute
	if c.ListenAddr == "" {
		return fmt.Errorf("compute.listen_addr is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("compute.database_url is required")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("compute.db_max_conns must be positive, got %d", c.DBMaxConns)
	}
	if c.SchemaTimeout <= 0 {
		return fmt.Errorf("compute.schema_timeout must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("compute.store_timeout must be positive")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("compute.shutdown_timeout must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("compute.max_body_bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("compute.max_concurrent must not be negative")
	}
	if c.Rate.Enabled && (c.Rate.RPS <= 0 || c.Rate.Burst <= 0) {
		return fmt.Errorf("compute.rate: rps and burst must be positive when enabled")
	}
	switch c.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("compute.auth.mode %q unknown: want apikey|none", c.Auth.Mode)
	}
	// An empty key would let the middleware pass every request.
	if c.Auth.Mode == "apikey" && c.Auth.Key() == "" {
		return fmt.Errorf("compute.auth: mode apikey needs key_env naming a non-empty variable (got %q)", c.Auth.KeyEnv)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("compute.log_level %q unknown: want debug|info|warn|error", c.LogLevel)
	}
	return nil
}
