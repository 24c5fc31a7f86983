// Package bootstrap builds the service dependency graph from configuration.
// Both binaries share it so the api-service can embed a worker pool.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagepipe/internal/artifact"
	"github.com/cuongbtq/imagepipe/internal/config"
	"github.com/cuongbtq/imagepipe/internal/queue"
	"github.com/cuongbtq/imagepipe/internal/store"
	"github.com/cuongbtq/imagepipe/internal/strategy"
	"github.com/cuongbtq/imagepipe/internal/worker"
	"github.com/cuongbtq/imagepipe/shared/logger"
	"github.com/cuongbtq/imagepipe/shared/postgresql"
	"github.com/cuongbtq/imagepipe/shared/rabbitmq"
)

// BrokerStatus reports the state of a message broker connection
type BrokerStatus interface {
	IsConnected() bool
}

// Components holds the long-lived dependencies owned by main
type Components struct {
	Logger    *slog.Logger
	DB        *postgresql.Client
	Broker    BrokerStatus // set only for the rabbitmq queue driver
	Store     store.JobStore
	Queue     queue.Queue
	Artifacts *artifact.Store
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// Build connects the configured backends. On error everything opened so far
// is closed again.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (c *Components, err error) {
	c = &Components{Logger: log}
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	if cfg.UsesPostgres() {
		c.DB, err = initPostgreSQL(ctx, &cfg.Database, log)
		if err != nil {
			return c, fmt.Errorf("failed to initialize database: %w", err)
		}
		log.Info("Database connection established")
	}

	if c.Store, err = initStore(ctx, cfg, c.DB, log); err != nil {
		return c, err
	}

	if c.Queue, err = c.initQueue(ctx, cfg); err != nil {
		return c, err
	}

	c.Artifacts, err = artifact.NewStore(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
	if err != nil {
		return c, fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	log.Info("Backends ready",
		slog.String("store", cfg.Store.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("upload_dir", cfg.Storage.UploadDir),
		slog.String("output_dir", cfg.Storage.OutputDir),
	)
	return c, nil
}

func initStore(ctx context.Context, cfg *config.Config, db *postgresql.Client, log *slog.Logger) (store.JobStore, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverPostgres:
		s := store.NewPostgresStore(db.GetDB(), log)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (c *Components) initQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	log := c.Logger
	switch cfg.Queue.Driver {
	case config.DriverMemory:
		return queue.NewMemoryQueue(cfg.Queue.LeaseTimeout), nil
	case config.DriverPostgres:
		q := queue.NewPostgresQueue(c.DB.GetDB(), cfg.Queue.Name, cfg.Queue.LeaseTimeout, cfg.Queue.PollInterval, log)
		if err := q.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return q, nil
	case config.DriverRabbitMQ:
		client, err := rabbitmq.NewClient(rabbitConfig(&cfg.RabbitMQ), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		log.Info("RabbitMQ connection established")
		c.Broker = client
		return queue.NewRabbitQueue(client, cfg.RabbitMQ.Consumer.Tag, log), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		ConsumerTimeout:    cfg.Consumer.Timeout,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, log *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectAttempts: 5,
	}, log)
}

// NewSelector builds the strategy selector. Enhancement is only configured
// when a binary path is set.
func NewSelector(cfg *config.EnhanceConfig, log *slog.Logger) *strategy.Selector {
	var enhance strategy.Strategy
	if cfg.BinaryPath != "" {
		enhance = strategy.NewEnhance(strategy.EnhanceOptions{
			BinaryPath:      cfg.BinaryPath,
			Model:           cfg.Model,
			TileSize:        cfg.TileSize,
			GPUID:           cfg.GPUID,
			Timeout:         cfg.Timeout,
			SupportedScales: cfg.SupportedScales,
		})
	}
	return strategy.NewSelector(strategy.NewResample(), enhance, log)
}

// NewWorker builds a worker pool on top of the components
func (c *Components) NewWorker(cfg *config.WorkerConfig, selector *strategy.Selector) *worker.Worker {
	return worker.NewWorker(&worker.Config{
		Logger:            c.Logger,
		Store:             c.Store,
		Queue:             c.Queue,
		Selector:          selector,
		Artifacts:         c.Artifacts,
		WorkerID:          cfg.ID,
		Concurrency:       cfg.Concurrency,
		JobTimeout:        cfg.JobTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
		ProgressInterval:  cfg.ProgressInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		RetryBackoff:      cfg.RetryBackoff,
	})
}

// NewReaper builds the stale job reaper
func (c *Components) NewReaper(cfg *config.WorkerConfig) *worker.Reaper {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 && cfg.HeartbeatInterval > 0 {
		staleAfter = 3 * cfg.HeartbeatInterval
	}
	return worker.NewReaper(&worker.ReaperConfig{
		Logger:             c.Logger,
		Store:              c.Store,
		Queue:              c.Queue,
		Interval:           cfg.ReaperInterval,
		StaleAfter:         staleAfter,
		RequeueQueuedAfter: cfg.RequeueQueuedAfter,
	})
}

// ErrBrokerDisconnected is reported while the RabbitMQ connection is down
var ErrBrokerDisconnected = errors.New("rabbitmq connection lost")

// HealthCheck reports whether the broker and the database are reachable.
// Memory backends are always healthy.
func (c *Components) HealthCheck(ctx context.Context) error {
	if c.Broker != nil && !c.Broker.IsConnected() {
		return ErrBrokerDisconnected
	}
	if c.DB == nil {
		return nil
	}
	return c.DB.HealthCheck(ctx)
}

// Close releases the queue and the database connection
func (c *Components) Close() error {
	var errs []error
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
