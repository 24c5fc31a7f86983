package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cuongbtq/imagepipe/internal/api/handler"
	"github.com/cuongbtq/imagepipe/internal/api/router"
	"github.com/cuongbtq/imagepipe/internal/bootstrap"
	"github.com/cuongbtq/imagepipe/internal/config"
	"github.com/cuongbtq/imagepipe/internal/gateway"
	"github.com/cuongbtq/imagepipe/internal/status"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Build(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer components.Close()

	// The embedded pool lets memory backends run in a single process
	var background sync.WaitGroup
	stopWorker := func() {}
	if cfg.Worker.Embedded {
		stopWorker = startEmbeddedWorker(ctx, cfg, components, &background)
	}

	gw := gateway.New(&gateway.Config{
		Logger:          appLogger.Logger,
		Store:           components.Store,
		Queue:           components.Queue,
		Artifacts:       components.Artifacts,
		MaxUploadBytes:  cfg.Storage.MaxUploadBytes,
		MaxOutputPixels: cfg.Storage.MaxOutputPixels,
	})

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:      appLogger.Logger,
		Gateway:     gw,
		Status:      status.NewService(components.Store, cfg.Status.QueryTimeout),
		Outputs:     components.Artifacts,
		HealthCheck: components.HealthCheck,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed",
			slog.Any("error", err),
		)
		stop()
		stopWorker()
		background.Wait()
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	stopWorker()
	background.Wait()

	appLogger.Info("Server shutdown complete")
	return nil
}

// startEmbeddedWorker runs the worker pool and reaper next to the HTTP
// server. The returned function stops the pool and waits for in-flight jobs.
func startEmbeddedWorker(ctx context.Context, cfg *config.Config, c *bootstrap.Components, wg *sync.WaitGroup) func() {
	selector := bootstrap.NewSelector(&cfg.Enhance, c.Logger)
	c.Logger.LogAttrs(ctx, slog.LevelInfo, "Strategies configured", selector.Describe(ctx)...)

	w := c.NewWorker(&cfg.Worker, selector)
	reaper := c.NewReaper(&cfg.Worker)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Start(ctx); err != nil {
			c.Logger.Error("Embedded worker failed", slog.Any("error", err))
		}
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	return w.Stop
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
