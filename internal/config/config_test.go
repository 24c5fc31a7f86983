package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "job-api-service", cfg.App.Name)
				assert.Equal(t, 10*time.Minute, cfg.Worker.JobTimeout)
				assert.Equal(t, 30*time.Minute, cfg.RabbitMQ.Consumer.Timeout)
				assert.Equal(t, []int{2, 4}, cfg.Enhance.SupportedScales)
				assert.Equal(t, int64(52428800), cfg.Storage.MaxUploadBytes)
			}
		})
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/memory.yaml")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, DriverMemory, cfg.Queue.Driver)
	assert.Equal(t, "image_jobs", cfg.Queue.Name)
	assert.Equal(t, 15*time.Minute, cfg.Queue.LeaseTimeout)
	assert.Equal(t, cfg.Queue.LeaseTimeout, cfg.RabbitMQ.Consumer.Timeout)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, "data/uploads", cfg.Storage.UploadDir)
	assert.Equal(t, "data/outputs", cfg.Storage.OutputDir)
	assert.Equal(t, 3*time.Second, cfg.Status.QueryTimeout)
	assert.False(t, cfg.UsesPostgres())

	require.NoError(t, cfg.ValidateAPIConfig())
}

// validConfig returns a postgres + rabbitmq configuration that passes
// every validation
func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "jobs_exchange",
			},
			Queue: QueueConfig{
				Name: "jobs_queue",
			},
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			JobTimeout:        10 * time.Minute,
			HeartbeatInterval: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			modify:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			modify:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			modify:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			modify:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			modify:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			modify:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "rabbitmq settings ignored for postgres queue",
			modify: func(c *Config) {
				c.Queue.Driver = DriverPostgres
				c.RabbitMQ = RabbitMQConfig{}
			},
		},
		{
			name: "database settings ignored for memory drivers",
			modify: func(c *Config) {
				c.Store.Driver = DriverMemory
				c.Queue.Driver = DriverMemory
				c.Worker.Embedded = true
				c.Database = DatabaseConfig{}
			},
		},
		{
			name:      "unknown store driver",
			modify:    func(c *Config) { c.Store.Driver = "mongo" },
			wantErr:   true,
			errString: "invalid store driver",
		},
		{
			name:      "unknown queue driver",
			modify:    func(c *Config) { c.Queue.Driver = "kafka" },
			wantErr:   true,
			errString: "invalid queue driver",
		},
		{
			name:      "memory queue without embedded worker",
			modify:    func(c *Config) { c.Queue.Driver = DriverMemory },
			wantErr:   true,
			errString: "memory drivers require worker.embedded",
		},
		{
			name: "embedded worker is validated",
			modify: func(c *Config) {
				c.Worker.Embedded = true
				c.Worker.Concurrency = 0
			},
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:   "server port not required",
			modify: func(c *Config) { c.Server.Port = 0 },
		},
		{
			name:      "zero concurrency",
			modify:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			modify:    func(c *Config) { c.Worker.JobTimeout = 0 },
			errString: "worker job_timeout must be greater than 0",
		},
		{
			name:      "zero heartbeat interval",
			modify:    func(c *Config) { c.Worker.HeartbeatInterval = 0 },
			errString: "worker heartbeat_interval must be greater than 0",
		},
		{
			name:      "stale threshold below heartbeat",
			modify:    func(c *Config) { c.Worker.StaleAfter = 5 * time.Second },
			errString: "worker stale_after must be longer than heartbeat_interval",
		},
		{
			name:      "zero shutdown timeout",
			modify:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			errString: "worker shutdown_timeout must be greater than 0",
		},
		{
			name: "lease shorter than job timeout",
			modify: func(c *Config) {
				c.Queue.Driver = DriverPostgres
				c.Queue.LeaseTimeout = time.Minute
			},
			errString: "queue lease_timeout must be longer than worker job_timeout",
		},
		{
			name:      "consumer timeout shorter than job timeout",
			modify:    func(c *Config) { c.RabbitMQ.Consumer.Timeout = time.Minute },
			errString: "rabbitmq consumer timeout must be longer than worker job_timeout",
		},
		{
			name:      "invalid enhance scale",
			modify:    func(c *Config) { c.Enhance.SupportedScales = []int{2, 1} },
			errString: "invalid enhance scale",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	t.Run("port constants are correct", func(t *testing.T) {
		assert.Equal(t, 1, MinPort)
		assert.Equal(t, 65535, MaxPort)
	})

	t.Run("valid port range", func(t *testing.T) {
		validPorts := []int{1, 80, 443, 8080, 65535}
		for _, port := range validPorts {
			assert.GreaterOrEqual(t, port, MinPort)
			assert.LessOrEqual(t, port, MaxPort)
		}
	})
}
