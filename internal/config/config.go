// Package config loads the agent configuration. Values come from
// three layers: built-in defaults, an optional YAML file, and
// environment variables, with later layers winning.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/imdario/mergo"
	"github.com/joeshaw/envdecode"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is consulted when CONFIG_FILE is unset.
const DefaultConfigFile = "config/agent.yaml"

// Duration parses Go duration strings from both YAML nodes and
// environment values.
type Duration time.Duration

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(repl string) error { return d.parse(repl) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error { return d.parse(node.Value) }

func (d *Duration) parse(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root agent configuration.
type Config struct {
	Environment string          `yaml:"environment" env:"ENVIRONMENT"`
	Server      ServerConfig    `yaml:"server"`
	Runtime     RuntimeConfig   `yaml:"runtime"`
	Storage     StorageConfig   `yaml:"storage"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Logging     LoggingConfig   `yaml:"logging"`
	Studies     StudiesConfig   `yaml:"studies"`
	RateLimit   RateLimitConfig `yaml:"ratelimit"`
	Events      EventsConfig    `yaml:"events"`
	Report      ReportConfig    `yaml:"report"`
	Bootstrap   BootstrapConfig `yaml:"bootstrap"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host           string   `yaml:"host" env:"SERVER_HOST"`
	Port           int      `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout    Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout   Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout    Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	DevMode        bool     `yaml:"dev_mode" env:"DEV_MODE"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// RuntimeConfig describes the process identity the agent expects to
// run under. The container build provisions a matching account.
type RuntimeConfig struct {
	UID       int  `yaml:"uid" env:"RUN_UID"`
	GID       int  `yaml:"gid" env:"RUN_GID"`
	AllowRoot bool `yaml:"allow_root" env:"ALLOW_ROOT"`
}

// StorageConfig locates the persistent study area.
type StorageConfig struct {
	Root           string  `yaml:"root" env:"STORAGE_ROOT"`
	StudiesDir     string  `yaml:"studies_dir" env:"STUDIES_DIR"`
	MinFreePercent float64 `yaml:"min_free_percent" env:"STORAGE_MIN_FREE_PERCENT"`
}

// DatabaseConfig selects the analysis registry backend. An empty
// driver keeps the registry in memory.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver" env:"DB_DRIVER"`
	DSN             string   `yaml:"dsn" env:"DB_DSN"`
	MaxOpenConns    int      `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int      `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
}

// RedisConfig enables the metrics read cache when Addr is set.
type RedisConfig struct {
	Addr     string   `yaml:"addr" env:"REDIS_ADDR"`
	Password string   `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int      `yaml:"db" env:"REDIS_DB"`
	TTL      Duration `yaml:"ttl" env:"REDIS_TTL"`
}

// LoggingConfig mirrors pkg/logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// StudiesConfig schedules archive maintenance. A zero Retention
// disables the metrics sweep entirely.
type StudiesConfig struct {
	ScanSchedule string   `yaml:"scan_schedule" env:"STUDIES_SCAN_SCHEDULE"`
	Retention    Duration `yaml:"retention" env:"STUDIES_RETENTION"`
}

// RateLimitConfig throttles per-client request rates.
type RateLimitConfig struct {
	Disabled          bool `yaml:"disabled" env:"RATELIMIT_DISABLED"`
	RequestsPerSecond int  `yaml:"requests_per_second" env:"RATELIMIT_RPS"`
	Burst             int  `yaml:"burst" env:"RATELIMIT_BURST"`
}

// EventsConfig sizes the in-process event log.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" env:"EVENTS_BUFFER_SIZE"`
}

// ReportConfig enables the narrative report generator when APIKey is
// set.
type ReportConfig struct {
	APIKey string `yaml:"api_key" env:"GENAI_API_KEY"`
	Model  string `yaml:"model" env:"REPORT_MODEL"`
}

// BootstrapConfig bounds startup work.
type BootstrapConfig struct {
	Timeout Duration `yaml:"timeout" env:"BOOTSTRAP_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "development",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Runtime: RuntimeConfig{UID: 1000, GID: 1000},
		Storage: StorageConfig{
			Root:           "storage",
			StudiesDir:     "studies",
			MinFreePercent: 5,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		Redis:   RedisConfig{TTL: Duration(15 * time.Minute)},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Studies: StudiesConfig{ScanSchedule: "@every 5m"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Events:    EventsConfig{BufferSize: 256},
		Report:    ReportConfig{Model: "gemini-2.0-flash"},
		Bootstrap: BootstrapConfig{Timeout: Duration(30 * time.Second)},
	}
}

// Load reads the configuration using the path in CONFIG_FILE, falling
// back to config/agent.yaml when present.
func Load() (Config, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the configuration from the given YAML file, then
// applies environment overrides and fills gaps with defaults. An empty
// path skips the file layer.
func LoadFromPath(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return Config{}, fmt.Errorf("apply defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot safely run with.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return fmt.Errorf("database driver %q requires a dsn", c.Database.Driver)
	}
	if c.IsProduction() && c.Server.DevMode {
		return fmt.Errorf("dev_mode must be disabled in production")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root must not be empty")
	}
	if c.Studies.ScanSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Studies.ScanSchedule); err != nil {
			return fmt.Errorf("invalid scan schedule %q: %w", c.Studies.ScanSchedule, err)
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	return nil
}

// IsProduction reports whether the agent runs in a production
// environment.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// ListenAddr joins the configured host and port.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
