package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dmserver/internal/blob"
	"dmserver/internal/config"
	"dmserver/internal/constants"
	"dmserver/internal/database"
	"dmserver/internal/lease"
	"dmserver/internal/middleware"
	"dmserver/internal/models"
	"dmserver/internal/notify"
	"dmserver/internal/policy"
	"dmserver/internal/queue"
	"dmserver/internal/retry"
	"dmserver/internal/service"
	"dmserver/internal/tracing"
	"dmserver/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("dmserver %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
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
	}).Info("Starting dmserver")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configureLogLevel(logger, cfg.LogLevel, *verbose)

	watcher := config.NewConfigWatcher(*configPath, logger)
	if !*verbose {
		watcher.OnConfigChange(config.ApplyLogLevel(logger))
	}
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	tracingManager := tracing.NewTracingManager(cfg.Tracing, Version, logger)
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

	s3Store, err := blob.NewS3Store(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	breaker := circuitbreaker.New("blob", uint32(cfg.Blob.BreakerMaxFailures), time.Duration(cfg.Blob.BreakerTimeoutSec)*time.Second)
	blobs := blob.NewGuarded(s3Store, breaker, time.Duration(cfg.Blob.TimeoutSec)*time.Second)

	deps := service.Dependencies{
		Store:         db,
		Tombstones:    db,
		Audit:         db,
		Relationships: db,
		Blobs:         blobs,
		Policy:        policy.NewResolver(db, cfg.Policy),
	}

	if cfg.Media.CompressImages {
		deps.Compressor = blob.NewCompressor(cfg.Media)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := queue.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize transcription queue: %w", err)
		}
		defer producer.Close()
		deps.Queue = producer
	} else {
		logger.Info("No Kafka brokers configured, voice transcription disabled")
	}

	hubOpts := notify.HubOptions{AllowedOrigins: cfg.Server.AllowedWSOrigins}
	var reminderLease service.Lease
	var presence *notify.RedisPresence
	var bus *notify.RedisBus

	if cfg.Redis.Addr != "" {
		redisClient, err := notify.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()

		presence = notify.NewRedisPresence(redisClient, time.Duration(cfg.Redis.PresenceTTLSec)*time.Second)
		bus = notify.NewRedisBus(redisClient, cfg.Redis.EventsChannel, logger)
		hubOpts.Presence = presence
		hubOpts.Publisher = bus

		if cfg.Scheduler.LeaseEnabled {
			reminderLease = lease.New(redisClient, constants.DefaultReminderLeaseKey, time.Duration(cfg.Scheduler.LeaseTTLSec)*time.Second)
		}
	} else {
		logger.Warn("No Redis configured, presence and notifications are local to this instance")
	}

	var engine *service.Engine
	hubOpts.OnConnect = func(ctx context.Context, userID string) {
		if _, err := engine.DeliverPending(ctx, userID); err != nil {
			logger.WithError(err).Warn("Failed to deliver pending messages on connect")
		}
	}
	hub := notify.NewHub(logger, hubOpts)
	deps.Notifier = hub
	deps.Presence = hub

	engine = service.NewEngine(deps, service.EngineOptions{
		StoreTimeout:       time.Duration(cfg.Server.StoreTimeoutSec) * time.Second,
		MediaLimits:        cfg.Media.MaxSizeMB,
		TranscriptionRetry: retry.FromConfig(cfg.Retry),
	}, logger)

	if bus != nil {
		go func() {
			if err := bus.Run(ctx, hub); err != nil {
				logger.WithError(err).Error("Event relay stopped")
			}
		}()
		go notify.RefreshLoop(ctx, hub, presence, time.Duration(constants.DefaultPresenceRefreshSec)*time.Second, logger)
	}

	reminders := service.NewReminderScheduler(engine, time.Duration(cfg.Scheduler.ReminderIntervalSec)*time.Second, reminderLease, logger)
	go reminders.Start(ctx)

	sweeper := service.NewExpirySweeper(engine, time.Duration(cfg.Scheduler.ExpiryIntervalSec)*time.Second, logger)
	go sweeper.Start(ctx)

	monitor := service.NewDeliveryMonitor(db,
		time.Duration(cfg.Scheduler.StaleCheckIntervalSec)*time.Second,
		time.Duration(cfg.Scheduler.StaleThresholdSec)*time.Second,
		logger)
	go monitor.Start(ctx)

	limiter := middleware.NewUserRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)
	watcher.OnConfigChange(func(c *models.Config) {
		limiter.SetLimits(c.RateLimit.RequestsPerSecond, c.RateLimit.Burst)
	})

	server := NewServer(cfg.Server, maxRequestBody(cfg.Media.MaxSizeMB), ServerDeps{
		Engine:    engine,
		Settings:  db,
		Health:    db,
		Websocket: hub.Handler(middleware.UserID),
		Limiter:   limiter,
	}, logger)

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// configureLogLevel applies the configured level. -verbose forces debug.
func configureLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		if level != "" {
			logger.Warnf("Invalid log level %q, defaulting to info", level)
		}
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// openDatabase opens the store with exponential backoff, since the volume may
// not be mounted yet when the container starts.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
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

// maxRequestBody bounds JSON bodies by the largest media limit, base64
// encoded, plus room for the rest of the payload.
func maxRequestBody(limits models.MediaSizeLimits) int64 {
	largest := limits.Image
	for _, mb := range []int{limits.Video, limits.File, limits.Voice} {
		if mb > largest {
			largest = mb
		}
	}
	return int64(largest)*constants.BytesPerMegabyte*4/3 + 64*1024
}
