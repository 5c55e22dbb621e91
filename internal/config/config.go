package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Service   string          `yaml:"service" env:"SERVICE_NAME"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Relay     RelayConfig     `yaml:"relay"`
	Saga      SagaConfig      `yaml:"saga"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"HTTP_PORT"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"POSTGRES_DSN"`
	Password string `yaml:"-" env:"POSTGRES_PASSWORD"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL"`
}

// BrokerConfig selects and configures the message channel driver.
type BrokerConfig struct {
	Driver         string        `yaml:"driver" env:"BROKER_DRIVER"` // kafka | nats
	Brokers        []string      `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	NATSURL        string        `yaml:"nats_url" env:"NATS_URL"`
	Stream         string        `yaml:"stream" env:"NATS_STREAM"`
	GroupID        string        `yaml:"group_id" env:"BROKER_GROUP_ID"`
	ConnAttempts   uint          `yaml:"conn_attempts" env:"BROKER_CONN_ATTEMPTS"`
	ConnRetryDelay time.Duration `yaml:"conn_retry_delay" env:"BROKER_CONN_RETRY_DELAY"`
}

type RelayConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" env:"RELAY_POLL_INTERVAL"`
	DeliverTimeout  time.Duration `yaml:"deliver_timeout" env:"RELAY_DELIVER_TIMEOUT"`
	BatchSize       int           `yaml:"batch_size" env:"RELAY_BATCH_SIZE"`
	MaxRetries      int           `yaml:"max_retries" env:"RELAY_MAX_RETRIES"`
	ClaimLease      time.Duration `yaml:"claim_lease" env:"RELAY_CLAIM_LEASE"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"RELAY_CLEANUP_INTERVAL"`
	Retention       time.Duration `yaml:"retention" env:"RELAY_RETENTION"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RELAY_SHUTDOWN_TIMEOUT"`
}

type SagaConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"SAGA_RECONCILE_INTERVAL"`
	StaleAfter        time.Duration `yaml:"stale_after" env:"SAGA_STALE_AFTER"`
	ReconcileBatch    int           `yaml:"reconcile_batch" env:"SAGA_RECONCILE_BATCH"`
}

type ConsumerConfig struct {
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay" env:"CONSUMER_RETRY_MAX_DELAY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CONSUMER_SHUTDOWN_TIMEOUT"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps" env:"RATELIMIT_RPS"`
	Burst int `yaml:"burst" env:"RATELIMIT_BURST"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
}

// Defaults returns the values used for anything the file and environment leave unset.
func Defaults() Config {
	return Config{
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Port: 8080},
		Redis:  RedisConfig{Addr: "localhost:6379", TTL: 10 * time.Minute},
		Broker: BrokerConfig{
			Driver:         "kafka",
			Brokers:        []string{"localhost:9092"},
			NATSURL:        "nats://localhost:4222",
			Stream:         "SAGA",
			ConnAttempts:   10,
			ConnRetryDelay: time.Second,
		},
		Relay: RelayConfig{
			PollInterval:    time.Second,
			DeliverTimeout:  5 * time.Second,
			BatchSize:       100,
			MaxRetries:      3,
			ClaimLease:      time.Minute,
			CleanupInterval: time.Hour,
			Retention:       7 * 24 * time.Hour,
			ShutdownTimeout: 5 * time.Second,
		},
		Saga: SagaConfig{
			ReconcileInterval: time.Minute,
			StaleAfter:        15 * time.Minute,
			ReconcileBatch:    50,
		},
		Consumer: ConsumerConfig{
			RetryMaxDelay:   30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

// Load reads the yaml file on top of Defaults, then applies environment
// overrides (a .env file in the working directory is honoured).
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Postgres.Password != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + cfg.Postgres.Password
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the workers cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("config: kafka driver needs at least one broker")
		}
	case "nats":
		if c.Broker.NATSURL == "" {
			return fmt.Errorf("config: nats driver needs nats_url")
		}
	default:
		return fmt.Errorf("config: unknown broker driver %q", c.Broker.Driver)
	}
	if c.Relay.MaxRetries <= 0 {
		return fmt.Errorf("config: relay.max_retries must be positive")
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("config: relay.batch_size must be positive")
	}
	// a lease shorter than a send lets the reaper release a claim mid-publish
	deliver := c.Relay.DeliverTimeout
	if deliver <= 0 {
		deliver = 5 * time.Second
	}
	if c.Relay.ClaimLease > 0 && c.Relay.ClaimLease <= deliver {
		return fmt.Errorf("config: relay.claim_lease (%s) must exceed relay.deliver_timeout (%s)", c.Relay.ClaimLease, deliver)
	}
	return nil
}
