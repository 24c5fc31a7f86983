package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Driver names accepted by the queue and store sections
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Queue    JobQueueConfig `yaml:"queue"`
	Store    StoreConfig    `yaml:"store"`
	Storage  StorageConfig  `yaml:"storage"`
	Enhance  EnhanceConfig  `yaml:"enhance"`
	Status   StatusConfig   `yaml:"status"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int           `yaml:"prefetch_count"`
	Tag           string        `yaml:"tag"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker pool and reaper configuration
type WorkerConfig struct {
	ID                 string        `yaml:"id"`
	Embedded           bool          `yaml:"embedded"`
	Concurrency        int           `yaml:"concurrency"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	ReaperInterval     time.Duration `yaml:"reaper_interval"`
	RequeueQueuedAfter time.Duration `yaml:"requeue_queued_after"`
}

// JobQueueConfig selects the work queue backend
type JobQueueConfig struct {
	Driver       string        `yaml:"driver"`
	Name         string        `yaml:"name"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StoreConfig selects the job record store backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// StorageConfig holds artifact locations and upload limits
type StorageConfig struct {
	UploadDir       string `yaml:"upload_dir"`
	OutputDir       string `yaml:"output_dir"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
	MaxOutputPixels int64  `yaml:"max_output_pixels"`
}

// EnhanceConfig configures the external super-resolution binary
type EnhanceConfig struct {
	BinaryPath      string        `yaml:"binary_path"`
	Model           string        `yaml:"model"`
	TileSize        int           `yaml:"tile_size"`
	GPUID           string        `yaml:"gpu_id"`
	Timeout         time.Duration `yaml:"timeout"`
	SupportedScales []int         `yaml:"supported_scales"`
}

// StatusConfig holds status query settings
type StatusConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverRabbitMQ
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "image_jobs"
	}
	if c.Queue.LeaseTimeout <= 0 {
		c.Queue.LeaseTimeout = 15 * time.Minute
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverPostgres
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "data/uploads"
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = "data/outputs"
	}
	if c.Status.QueryTimeout <= 0 {
		c.Status.QueryTimeout = 3 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Consumer.Timeout <= 0 {
		c.RabbitMQ.Consumer.Timeout = c.Queue.LeaseTimeout
	}
	if c.RabbitMQ.Consumer.Tag == "" {
		c.RabbitMQ.Consumer.Tag = c.App.Name
	}
}

// Validate checks the sections shared by every service
func (c *Config) Validate() error {
	if !slices.Contains([]string{DriverMemory, DriverPostgres}, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %q", c.Store.Driver)
	}
	if !slices.Contains([]string{DriverMemory, DriverPostgres, DriverRabbitMQ}, c.Queue.Driver) {
		return fmt.Errorf("invalid queue driver: %q", c.Queue.Driver)
	}

	if c.UsesPostgres() {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Queue.Driver == DriverRabbitMQ {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	// memory drivers only share state inside one process
	if (c.Store.Driver == DriverMemory || c.Queue.Driver == DriverMemory) && !c.Worker.Embedded {
		return fmt.Errorf("memory drivers require worker.embedded")
	}

	if c.Storage.MaxUploadBytes < 0 || c.Storage.MaxOutputPixels < 0 {
		return fmt.Errorf("storage limits must not be negative")
	}

	return nil
}

// ValidateAPIConfig checks the configuration of the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Embedded {
		return c.ValidateWorkerConfig()
	}
	return nil
}

// ValidateWorkerConfig checks the worker pool settings
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleAfter != 0 && c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be longer than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	// a lease shorter than a job would hand the entry to a second worker
	// while the first is still running it
	if c.Queue.Driver != DriverRabbitMQ && c.Queue.LeaseTimeout <= c.Worker.JobTimeout {
		return fmt.Errorf("queue lease_timeout must be longer than worker job_timeout")
	}
	if c.Queue.Driver == DriverRabbitMQ && c.RabbitMQ.Consumer.Timeout != 0 && c.RabbitMQ.Consumer.Timeout <= c.Worker.JobTimeout {
		return fmt.Errorf("rabbitmq consumer timeout must be longer than worker job_timeout")
	}

	for _, scale := range c.Enhance.SupportedScales {
		if scale <= 1 {
			return fmt.Errorf("invalid enhance scale: %d", scale)
		}
	}

	return nil
}

// UsesPostgres reports whether any backend needs the database connection
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver == DriverPostgres || c.Queue.Driver == DriverPostgres
}
