package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wanderlink/internal/backend"
	"wanderlink/internal/config"
	"wanderlink/internal/constants"
	"wanderlink/internal/database"
	"wanderlink/internal/models"
	"wanderlink/internal/retry"
	"wanderlink/internal/service"
	"wanderlink/internal/tracing"
	"wanderlink/internal/transport"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes user ids and message text)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	envFile    = flag.String("env", ".env", "Path to an optional .env file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Wanderlink %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting Wanderlink session")

	if err := config.LoadEnvFiles(*envFile); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configureLogLevel(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewTracingManager(tracing.FromConfig(cfg.Tracing, Version), logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	tr, err := transport.New(cfg.Transport, cfg.User, logger)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}

	api := backend.NewFromConfig(cfg.Backend, cfg.User.Token, logger)
	if backend.IsNoop(api) {
		logger.Warn("No backend URL configured; REST side effects are disabled")
	}

	session := service.NewSession(service.SessionDeps{
		Transport: tr,
		Backend:   api,
		Store:     db,
		Config:    cfg,
		Logger:    logger,
		Listener:  service.LogListener{Logger: logger, Verbose: *verbose},
		Notifier:  service.LogNotifier{Logger: logger},
		Verbose:   *verbose,
	})
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	scheduler := service.NewScheduler(session, cfg.Timing.SweepInterval(), logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(next *models.Config) {
		session.ApplyTiming(next.Timing)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	server := NewServer(cfg.Control, session, logger, *verbose)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErrCh:
		logger.Error(runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Control API did not shut down cleanly")
	}
	if err := session.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Session did not stop cleanly")
	}

	logger.Info("Shutdown completed")
	return runErr
}

// configureLogLevel applies the configured level. Verbose forces debug;
// otherwise the level is capped at info so ids stay masked.
func configureLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// openDatabase opens the connection cache with exponential backoff, since
// the file may sit on a volume that mounts after the process starts.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoffCfg := retry.FromConfig(cfg.Retry)
	backoffCfg.MaxAttempts = constants.DefaultDatabaseRetryAttempts

	var db *database.Database
	err := retry.NewBackoff(backoffCfg).Retry(ctx, func(context.Context) error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}
