// Package config loads and validates pipeline configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, GitHub, Collection, Queue,
// Scoring, Pool, Admin, Cron).
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	GitHub     GitHubConfig     `yaml:"github"`
	Collection CollectionConfig `yaml:"collection"`
	Queue      QueueConfig      `yaml:"queue"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Pool       PoolConfig       `yaml:"pool"`
	Admin      AdminConfig      `yaml:"admin"`
	Cron       CronConfig       `yaml:"cron"`
	Libraries  []LibraryConfig  `yaml:"libraries"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// CORSOrigins may call the API from a browser.
	CORSOrigins []string `yaml:"corsOrigins"`
	// PublicRateLimit bounds unauthenticated reads per client IP per minute.
	PublicRateLimit int `yaml:"publicRateLimit"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty Host
// disables the Postgres-backed stores.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. No brokers disables
// collection notifications.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	CollectionCompleted string `yaml:"collectionCompleted"`
}

// RedisConfig holds Redis connection parameters. An empty Addr selects the
// in-process store, which is only safe for a single instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// GitHubConfig holds GitHub API and webhook credentials.
type GitHubConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhookSecret"`
	APIURL        string `yaml:"apiUrl"`
	NPMURL        string `yaml:"npmUrl"`
	CDNURL        string `yaml:"cdnUrl"`
}

// CollectionConfig controls baseline collection, locking, and retry backoff.
type CollectionConfig struct {
	LockTTL           time.Duration `yaml:"lockTTL"`
	LockStaleGrace    time.Duration `yaml:"lockStaleGrace"`
	LibraryLockTTL    time.Duration `yaml:"libraryLockTTL"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	BackoffBase       time.Duration `yaml:"backoffBase"`
	BackoffMax        time.Duration `yaml:"backoffMax"`
	SourceTimeout     time.Duration `yaml:"sourceTimeout"`
	SourceConcurrency int           `yaml:"sourceConcurrency"`
	SourceRetries     int           `yaml:"sourceRetries"`
	DefaultMaxRetries int           `yaml:"defaultMaxRetries"`
}

// QueueConfig controls webhook queue draining and deduplication.
type QueueConfig struct {
	MaxEvents int           `yaml:"maxEvents"`
	DedupeTTL time.Duration `yaml:"dedupeTTL"`
}

// ScoringConfig holds the eligibility threshold and normalization ceilings
// keyed by raw metric field name.
type ScoringConfig struct {
	EligibilityThreshold float64            `yaml:"eligibilityThreshold"`
	Ceilings             map[string]float64 `yaml:"ceilings"`
}

// PoolConfig is the quarterly impact pool split.
type PoolConfig struct {
	RISPoolPercent          float64 `yaml:"risPoolPercent"`
	CISPoolPercent          float64 `yaml:"cisPoolPercent"`
	CoISPoolPercent         float64 `yaml:"coisPoolPercent"`
	TotalAllocationPercent  float64 `yaml:"totalAllocationPercent"`
	MinimumQuarterlyPoolUSD float64 `yaml:"minimumQuarterlyPoolUsd"`
}

// AdminConfig lists operator identities and the cron bearer secret.
type AdminConfig struct {
	Emails     []string `yaml:"emails"`
	CronSecret string   `yaml:"cronSecret"`
}

// CronConfig controls the intervals used by cmd/cron.
type CronConfig struct {
	QueueInterval     time.Duration `yaml:"queueInterval"`
	RetryInterval     time.Duration `yaml:"retryInterval"`
	MaxStalePerTick   int           `yaml:"maxStalePerTick"`
	MaxRetriesPerTick int           `yaml:"maxRetriesPerTick"`
}

// LibraryConfig seeds the library registry.
type LibraryConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	Name  string `yaml:"name"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values, or an error if the result fails validation.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with. A missing
// webhook secret is deliberately not checked here: the intake endpoint
// reports it on every delivery instead.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive, got %d", c.Server.Port))
	}
	if c.Collection.LockTTL <= 0 {
		errs = append(errs, errors.New("collection.lockTTL must be positive"))
	}
	if c.Collection.MaxAttempts <= 0 {
		errs = append(errs, errors.New("collection.maxAttempts must be positive"))
	}
	if c.Collection.BackoffBase <= 0 || c.Collection.BackoffMax < c.Collection.BackoffBase {
		errs = append(errs, errors.New("collection backoff requires 0 < backoffBase <= backoffMax"))
	}
	if c.Collection.SourceConcurrency <= 0 {
		errs = append(errs, errors.New("collection.sourceConcurrency must be positive"))
	}
	if c.Cron.QueueInterval <= 0 || c.Cron.RetryInterval <= 0 {
		errs = append(errs, errors.New("cron intervals must be positive"))
	}
	if c.Queue.MaxEvents <= 0 {
		errs = append(errs, errors.New("queue.maxEvents must be positive"))
	}
	if t := c.Scoring.EligibilityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("scoring.eligibilityThreshold must be in [0,1], got %v", t))
	}
	sum := c.Pool.RISPoolPercent + c.Pool.CISPoolPercent + c.Pool.CoISPoolPercent
	if math.Abs(sum-1.0) > 1e-3 {
		errs = append(errs, fmt.Errorf("pool percentages must sum to 1.0, got %.4f", sum))
	}
	for i, lib := range c.Libraries {
		if lib.Owner == "" || lib.Repo == "" {
			errs = append(errs, fmt.Errorf("libraries[%d]: owner and repo are required", i))
		}
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			PublicRateLimit: 120,
		},
		Postgres: PostgresConfig{
			Port:            5432,
			Database:        "impact",
			User:            "impact",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "impact-cron",
			Topics: KafkaTopics{
				CollectionCompleted: "ris.collection-completed",
			},
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		GitHub: GitHubConfig{
			APIURL: "https://api.github.com/",
			NPMURL: "https://api.npmjs.org",
			CDNURL: "https://data.jsdelivr.com",
		},
		Collection: CollectionConfig{
			LockTTL:           15 * time.Minute,
			LibraryLockTTL:    5 * time.Minute,
			MaxAttempts:       5,
			BackoffBase:       5 * time.Minute,
			BackoffMax:        6 * time.Hour,
			SourceTimeout:     30 * time.Second,
			SourceConcurrency: 3,
			SourceRetries:     2,
			DefaultMaxRetries: 10,
		},
		Queue: QueueConfig{
			MaxEvents: 100,
			DedupeTTL: 7 * 24 * time.Hour,
		},
		Scoring: ScoringConfig{
			EligibilityThreshold: 0.15,
		},
		Pool: PoolConfig{
			RISPoolPercent:          0.60,
			CISPoolPercent:          0.24,
			CoISPoolPercent:         0.16,
			TotalAllocationPercent:  0.20,
			MinimumQuarterlyPoolUSD: 10_000,
		},
		Cron: CronConfig{
			QueueInterval:     time.Minute,
			RetryInterval:     10 * time.Minute,
			MaxStalePerTick:   10,
			MaxRetriesPerTick: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads RIS_* and the conventional secret environment
// variables and overrides the corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RIS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RIS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RIS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RIS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RIS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RIS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RIS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RIS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RIS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Admin.CronSecret = v
	}
	if v := os.Getenv("ADMIN_EMAILS"); v != "" {
		var emails []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				emails = append(emails, e)
			}
		}
		cfg.Admin.Emails = emails
	}
	if v := os.Getenv("RIS_COLLECTION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collection.MaxAttempts = n
		}
	}
	if v := os.Getenv("RIS_COLLECTION_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collection.LockTTL = d
		}
	}
	if v := os.Getenv("RIS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RIS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
