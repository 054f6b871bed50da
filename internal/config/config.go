package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Queue   QueueConfig   `yaml:"queue"`
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`
	App     AppConfig     `yaml:"app"`
}

// RedisConfig holds the store connection. More than one address selects a
// cluster client.
type RedisConfig struct {
	Addrs           []string      `yaml:"addrs"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PoolSize        int           `yaml:"pool_size"`
	MaxRetries      int           `yaml:"max_retries"`
	MinRetryBackoff time.Duration `yaml:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// QueueConfig holds the pipeline settings shared by every process.
type QueueConfig struct {
	Prefix            string        `yaml:"prefix"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	ReapBatch         int64         `yaml:"reap_batch"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig holds the in-process consumer settings of serve.
type WorkerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ArchiveConfig holds the Postgres sink draining done.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addrs:           []string{"localhost:6379"},
			DialTimeout:     5 * time.Second,
			ReadTimeout:     3 * time.Second,
			WriteTimeout:    3 * time.Second,
			MaxRetries:      3,
			MinRetryBackoff: 8 * time.Millisecond,
			MaxRetryBackoff: 512 * time.Millisecond,
		},
		Queue: QueueConfig{
			Prefix:            "redstage",
			VisibilityTimeout: 30 * time.Second,
			ReaperInterval:    5 * time.Second,
			ReapBatch:         500,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: 500 * time.Millisecond,
			MaxBackoff:   5 * time.Second,
		},
		Archive: ArchiveConfig{
			Interval:        10 * time.Second,
			BatchSize:       100,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		App: AppConfig{
			Name:        "redstage",
			Environment: "development",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis addrs are required"))
	}
	if c.Redis.MaxRetries < -1 {
		errs = append(errs, fmt.Errorf("redis max_retries must be >= -1, got %d", c.Redis.MaxRetries))
	}
	if c.Redis.MaxRetryBackoff > 0 && c.Redis.MinRetryBackoff > c.Redis.MaxRetryBackoff {
		errs = append(errs, errors.New("redis min_retry_backoff exceeds max_retry_backoff"))
	}

	if c.Queue.Prefix == "" {
		errs = append(errs, errors.New("queue prefix is required"))
	}
	if c.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("queue visibility_timeout must be greater than 0"))
	}
	if c.Queue.ReaperInterval < 0 {
		errs = append(errs, errors.New("queue reaper_interval must not be negative"))
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort))
	}

	if c.Worker.Enabled {
		if c.Worker.Concurrency <= 0 {
			errs = append(errs, errors.New("worker concurrency must be greater than 0"))
		}
		if c.Worker.PollInterval <= 0 {
			errs = append(errs, errors.New("worker poll_interval must be greater than 0"))
		}
	}

	if c.Archive.Enabled {
		if c.Archive.DSN == "" {
			errs = append(errs, errors.New("archive dsn is required when archive is enabled"))
		}
		if c.Archive.Interval <= 0 {
			errs = append(errs, errors.New("archive interval must be greater than 0"))
		}
	}

	return errors.Join(errs...)
}

// RedisOptions maps the redis section onto go-redis. Transient failures are
// retried by the client with MinRetryBackoff..MaxRetryBackoff between tries.
func (c *Config) RedisOptions() *redis.UniversalOptions {
	r := c.Redis
	return &redis.UniversalOptions{
		Addrs:           r.Addrs,
		Username:        r.Username,
		Password:        r.Password,
		DB:              r.DB,
		DialTimeout:     r.DialTimeout,
		ReadTimeout:     r.ReadTimeout,
		WriteTimeout:    r.WriteTimeout,
		PoolSize:        r.PoolSize,
		MaxRetries:      r.MaxRetries,
		MinRetryBackoff: r.MinRetryBackoff,
		MaxRetryBackoff: r.MaxRetryBackoff,
	}
}

// NewRedisClient returns a cluster client for several addresses and a plain
// client for one.
func (c *Config) NewRedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(c.RedisOptions())
}
