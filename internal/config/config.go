// Package config loads the YAML configuration shared by the delivery binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/velmie/delivery"
)

// Environment overrides applied after the file is decoded.
const (
	EnvDatabaseDriver = "DELIVERY_DATABASE_DRIVER"
	EnvDatabaseDSN    = "DELIVERY_DATABASE_DSN"
	EnvRedisPassword  = "DELIVERY_REDIS_PASSWORD"
	EnvAMQPURL        = "DELIVERY_AMQP_URL"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Sink kinds.
const (
	SinkWebhook = "webhook"
	SinkKafka   = "kafka"
	SinkAMQP    = "amqp"
)

// Config is the top-level document.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Relay    RelayConfig    `yaml:"relay"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Pruner   PrunerConfig   `yaml:"pruner"`
	Sink     SinkConfig     `yaml:"sink"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
	// Migrate applies the schema on startup.
	Migrate bool         `yaml:"migrate"`
	Tables  TablesConfig `yaml:"tables"`
}

type TablesConfig struct {
	Outbox      string `yaml:"outbox"`
	Locks       string `yaml:"locks"`
	Replays     string `yaml:"replays"`
	DeadLetters string `yaml:"dead_letters"`
}

type RelayConfig struct {
	ProcessorID     string        `yaml:"processor_id"`
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	PendingInterval time.Duration `yaml:"pending_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	// ClientFailures is "retry" or "dead-letter".
	ClientFailures string        `yaml:"client_failures"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type JanitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Every    time.Duration `yaml:"every"`
	LockName string        `yaml:"lock_name"`
	TTL      time.Duration `yaml:"ttl"`
}

type PrunerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
	Every     time.Duration `yaml:"every"`
	Limit     int           `yaml:"limit"`
	LockName  string        `yaml:"lock_name"`
}

type SinkConfig struct {
	Kind    string        `yaml:"kind"`
	Webhook WebhookConfig `yaml:"webhook"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	AMQP    AMQPConfig    `yaml:"amqp"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Confirm    bool   `yaml:"confirm"`
}

// RedisConfig enables the replay cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: DriverPostgres, MaxOpenConns: 10},
		Relay: RelayConfig{
			Workers:         1,
			BatchSize:       50,
			PollInterval:    time.Second,
			DeliveryTimeout: 30 * time.Second,
			ClientFailures:  "retry",
			BackoffBase:     time.Second,
			BackoffMax:      10 * time.Minute,
		},
		Janitor: JanitorConfig{Enabled: true, Every: time.Hour, TTL: 30 * time.Second},
		Pruner:  PrunerConfig{Every: time.Hour, Limit: 10000},
		Sink: SinkConfig{
			Kind:    SinkWebhook,
			Webhook: WebhookConfig{Timeout: 10 * time.Second, Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second}},
		},
		Log: LogConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads path over Default, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if driver := os.Getenv(EnvDatabaseDriver); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		c.Database.DSN = dsn
	}
	if pw := os.Getenv(EnvRedisPassword); pw != "" {
		c.Redis.Password = pw
	}
	if url := os.Getenv(EnvAMQPURL); url != "" {
		c.Sink.AMQP.URL = url
	}
}

// Validate checks the settings every binary relies on. Sink settings are
// checked by ValidateSink, since only the relay delivers.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMySQL, c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required (or set %s)", EnvDatabaseDSN))
	}
	if _, err := delivery.ParseClientFailurePolicy(c.Relay.ClientFailures); err != nil {
		errs = append(errs, fmt.Errorf("relay.client_failures: %w", err))
	}
	if c.Relay.MaxRetries < 0 {
		errs = append(errs, errors.New("relay.max_retries must not be negative"))
	}
	if c.Janitor.TTL != 0 && c.Janitor.TTL < delivery.MinSingletonTTL {
		errs = append(errs, fmt.Errorf("janitor.ttl must be at least %s, got %s (use a unit such as 30s)", delivery.MinSingletonTTL, c.Janitor.TTL))
	}
	if c.Pruner.Enabled && c.Pruner.Retention <= 0 {
		errs = append(errs, errors.New("pruner.retention must be positive when the pruner is enabled"))
	}
	if c.Pruner.Limit < 0 {
		errs = append(errs, errors.New("pruner.limit must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// ValidateSink checks the settings of the selected sink.
func (c Config) ValidateSink() error {
	var err error
	switch c.Sink.Kind {
	case SinkWebhook:
		if c.Sink.Webhook.URL == "" {
			err = errors.New("sink.webhook.url is required")
		}
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			err = errors.New("sink.kafka.brokers and sink.kafka.topic are required")
		}
	case SinkAMQP:
		if c.Sink.AMQP.URL == "" {
			err = fmt.Errorf("sink.amqp.url is required (or set %s)", EnvAMQPURL)
		}
	default:
		err = fmt.Errorf("sink.kind must be %q, %q or %q, got %q", SinkWebhook, SinkKafka, SinkAMQP, c.Sink.Kind)
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}
