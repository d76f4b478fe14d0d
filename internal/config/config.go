// Package config loads and validates the hazardrelay YAML configuration.
//
// Values from the YAML file can be overridden from the environment
// (HAZARDRELAY_API_URL, HAZARDRELAY_API_TOKEN, HAZARDRELAY_DB_PATH,
// HAZARDRELAY_REDIS_ADDR, HAZARDRELAY_REDIS_PASSWORD). A .env file next to
// the config file is loaded first if present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override.
const envPrefix = "hazardrelay"

// Essential data backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the hazard reporting API (e.g. "https://hazards.example.org").
	APIURL string `yaml:"api_url,omitempty"`

	// APIToken is sent as a bearer token on every request. Optional.
	APIToken string `yaml:"api_token,omitempty"`

	// DBPath is the SQLite file. Defaults to ~/.local/share/hazardrelay/offline.db.
	DBPath string `yaml:"db_path,omitempty"`

	// SyncInterval controls how often a sync cycle runs.
	// Minimum 5s, maximum 1h. Defaults to 30s if unset.
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`

	// MaxRetries is the attempt budget for new queue items (1–20, default 3).
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RequestTimeout bounds every HTTP request to the API. Defaults to 30s.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	Connectivity  ConnectivityConfig  `yaml:"connectivity,omitempty"`
	Retention     RetentionConfig     `yaml:"retention,omitempty"`
	EssentialData EssentialDataConfig `yaml:"essential_data,omitempty"`
	Status        StatusConfig        `yaml:"status,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ConnectivityConfig controls the reachability probe.
type ConnectivityConfig struct {
	// ProbeURL receives a HEAD request every ProbeInterval. Defaults to
	// api_url + "/health".
	ProbeURL      string        `yaml:"probe_url,omitempty"`
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty"`
}

// RetentionConfig controls deletion of old synced reports.
type RetentionConfig struct {
	// MaxAge is how long a synced report is kept. Zero keeps reports forever.
	MaxAge   time.Duration `yaml:"max_age,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// EssentialDataConfig controls the reference data cache.
type EssentialDataConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`

	// Backend is "sqlite" (default, same database) or "redis".
	Backend string      `yaml:"backend,omitempty"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds the connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Key      string `yaml:"key,omitempty"`
}

// StatusConfig controls the local inspection HTTP server. An empty
// ListenAddr disables it.
type StatusConfig struct {
	ListenAddr     string   `yaml:"listen_addr,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "hazardrelay".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// envOverrides lists the settings that may come from the environment.
type envOverrides struct {
	APIURL        string `envconfig:"API_URL"`
	APIToken      string `envconfig:"API_TOKEN"`
	DBPath        string `envconfig:"DB_PATH"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
}

// DefaultPath returns the default config file path: ~/.config/hazardrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "hazardrelay", "config.yaml"), nil
}

// Load reads the configuration file at path, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves c as YAML at path, creating the directory if needed. The file
// may hold the API token, so it is written with 0600 permissions.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// loadDotEnv loads path into the process environment if it exists. Variables
// already set are not overwritten.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %q: %w", path, err)
	}
	return nil
}

// applyEnv overwrites file values with any HAZARDRELAY_* variables that are set.
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	if env.APIURL != "" {
		c.APIURL = env.APIURL
	}
	if env.APIToken != "" {
		c.APIToken = env.APIToken
	}
	if env.DBPath != "" {
		c.DBPath = env.DBPath
	}
	if env.RedisAddr != "" {
		c.EssentialData.Redis.Addr = env.RedisAddr
	}
	if env.RedisPassword != "" {
		c.EssentialData.Redis.Password = env.RedisPassword
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")

	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.SyncInterval < 5*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 5s)", c.SyncInterval)
	}
	if c.SyncInterval > time.Hour {
		return fmt.Errorf("sync_interval %v is too long (maximum 1h)", c.SyncInterval)
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 1 || c.MaxRetries > 20 {
		return fmt.Errorf("max_retries %d is out of range (1–20)", c.MaxRetries)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout %v must be positive", c.RequestTimeout)
	}

	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = c.APIURL + "/health"
	}
	if _, err := url.ParseRequestURI(c.Connectivity.ProbeURL); err != nil {
		return fmt.Errorf("connectivity.probe_url %q is not a valid URL", c.Connectivity.ProbeURL)
	}
	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = 10 * time.Second
	}
	if c.Connectivity.ProbeInterval < time.Second {
		return fmt.Errorf("connectivity.probe_interval %v is too short (minimum 1s)", c.Connectivity.ProbeInterval)
	}

	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age %v must not be negative", c.Retention.MaxAge)
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = time.Hour
	}

	if c.EssentialData.RefreshInterval == 0 {
		c.EssentialData.RefreshInterval = 6 * time.Hour
	}
	switch c.EssentialData.Backend {
	case "":
		c.EssentialData.Backend = BackendSQLite
	case BackendSQLite:
	case BackendRedis:
		if c.EssentialData.Redis.Addr == "" {
			return fmt.Errorf("essential_data.redis.addr is required when backend is %q", BackendRedis)
		}
		if c.EssentialData.Redis.Key == "" {
			c.EssentialData.Redis.Key = "hazardrelay:essential"
		}
	default:
		return fmt.Errorf("essential_data.backend %q must be %q or %q", c.EssentialData.Backend, BackendSQLite, BackendRedis)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
