package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cuongbtq/imagepipe/internal/bootstrap"
	"github.com/cuongbtq/imagepipe/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Store.Driver == config.DriverMemory || cfg.Queue.Driver == config.DriverMemory {
		return fmt.Errorf("invalid config: the worker service needs shared backends, memory drivers only work embedded in the api service")
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Build(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer components.Close()

	selector := bootstrap.NewSelector(&cfg.Enhance, appLogger.Logger)
	appLogger.LogAttrs(ctx, slog.LevelInfo, "Strategies configured", selector.Describe(ctx)...)

	workerInstance := components.NewWorker(&cfg.Worker, selector)
	reaper := components.NewReaper(&cfg.Worker)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := workerInstance.Start(ctx); err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
		}
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Cancel context to stop dequeuing; Stop waits for in-flight jobs up to
	// the configured shutdown timeout
	cancel()
	workerInstance.Stop()
	wg.Wait()

	appLogger.Info("Worker service shutdown complete")
	return nil
}
