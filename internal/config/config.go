package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// LEADENGINE_DATABASE_DSN or LEADENGINE_CADENCE_BATCH_SIZE.
const EnvPrefix = "LEADENGINE"

// Config holds all configuration for the engine binaries.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Cadence       CadenceConfig       `yaml:"cadence"`
	Window        WindowConfig        `yaml:"window"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Artifacts     ArtifactsConfig     `yaml:"artifacts"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins" envconfig:"cors_origins"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" split_words:"true"`
	RateBurst int     `yaml:"rate_burst" split_words:"true"`
	// APIToken, when set, is required as a bearer token on /v1.
	APIToken string `yaml:"api_token" split_words:"true"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the entity store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns int    `yaml:"max_idle_conns" split_words:"true"`
}

// RedisConfig enables the Redis sweep lock and suppression cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// CadenceConfig tunes the cadence sweep.
type CadenceConfig struct {
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds" split_words:"true"`
	BatchSize            int    `yaml:"batch_size" split_words:"true"`
	Workers              int    `yaml:"workers"`
	LockDir              string `yaml:"lock_dir" split_words:"true"`
	LockTTLSeconds       int    `yaml:"lock_ttl_seconds" split_words:"true"`
	// MaxTouchFailures cancels a sequence once one touch has failed this
	// often without bouncing. Zero disables the cap.
	MaxTouchFailures int `yaml:"max_touch_failures" split_words:"true"`
}

// SweepInterval returns the pause between server sweeps.
func (c CadenceConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// LockTTL returns the Redis sweep lock expiry.
func (c CadenceConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// WindowConfig bounds the event outreach window, in months before the event.
type WindowConfig struct {
	MonthsMin int `yaml:"months_min" split_words:"true"`
	MonthsMax int `yaml:"months_max" split_words:"true"`
}

// KafkaConfig drives the ledger outbox relay.
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	BatchSize       int      `yaml:"batch_size" split_words:"true"`
	IntervalSeconds int      `yaml:"interval_seconds" split_words:"true"`
}

// Interval returns the pause between outbox polls.
func (c KafkaConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ArtifactsConfig selects where run reports go.
type ArtifactsConfig struct {
	// Type is "local", "s3" or empty for none.
	Type      string `yaml:"type"`
	LocalPath string `yaml:"local_path" split_words:"true"`
	S3Bucket  string `yaml:"s3_bucket" envconfig:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix" envconfig:"s3_prefix"`
	S3Region  string `yaml:"s3_region" envconfig:"s3_region"`
}

// EndpointConfig describes one HTTP collaborator.
type EndpointConfig struct {
	BaseURL        string `yaml:"base_url" split_words:"true"`
	APIKey         string `yaml:"api_key" envconfig:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" split_words:"true"`
	MaxRetries     int    `yaml:"max_retries" split_words:"true"`
}

// Enabled reports whether the collaborator has an endpoint.
func (c EndpointConfig) Enabled() bool { return c.BaseURL != "" }

// Timeout returns the per-request timeout.
func (c EndpointConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CollaboratorsConfig lists the external services the engine calls.
type CollaboratorsConfig struct {
	Discovery  EndpointConfig `yaml:"discovery"`
	Classifier EndpointConfig `yaml:"classifier"`
	Booking    EndpointConfig `yaml:"booking"`
	Delivery   EndpointConfig `yaml:"delivery"`
}

// LoggingConfig sets the log level and PII redaction.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	DisableRedaction bool   `yaml:"disable_redaction" split_words:"true"`
}

func defaults() Config {
	endpoint := EndpointConfig{TimeoutSeconds: 30, MaxRetries: 3}
	return Config{
		Server:   ServerConfig{Port: 8080, Host: "localhost", RateLimit: 20, RateBurst: 40},
		Database: DatabaseConfig{Driver: "sqlite", Path: "./data/leads.db", MaxOpenConns: 10, MaxIdleConns: 5},
		Cadence: CadenceConfig{
			SweepIntervalSeconds: 300, BatchSize: 200, Workers: 4,
			LockDir: "./data", LockTTLSeconds: 600, MaxTouchFailures: 5,
		},
		Window:    WindowConfig{MonthsMin: 4, MonthsMax: 12},
		Kafka:     KafkaConfig{Topic: "leadengine.ledger", BatchSize: 100, IntervalSeconds: 5},
		Artifacts: ArtifactsConfig{LocalPath: "./output"},
		Collaborators: CollaboratorsConfig{
			Discovery: endpoint, Classifier: endpoint, Booking: endpoint, Delivery: endpoint,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads the file, then applies a .env file if present, then
// LEADENGINE_* environment variables. DATABASE_URL, when set, selects the
// Postgres store so container deployments need no config file edits.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = dbURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver)
	}
	if c.Window.MonthsMin < 0 || c.Window.MonthsMin >= c.Window.MonthsMax {
		return fmt.Errorf("window: months_min %d must be below months_max %d", c.Window.MonthsMin, c.Window.MonthsMax)
	}
	switch c.Artifacts.Type {
	case "", "local":
	case "s3":
		if c.Artifacts.S3Bucket == "" {
			return fmt.Errorf("artifacts.s3_bucket is required for s3")
		}
	default:
		return fmt.Errorf("artifacts.type %q: want local, s3 or empty", c.Artifacts.Type)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}
