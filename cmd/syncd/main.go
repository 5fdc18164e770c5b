package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"salonsync/internal/api"
	"salonsync/internal/config"
	"salonsync/internal/connectivity"
	"salonsync/internal/database"
	"salonsync/internal/domain"
	"salonsync/internal/events"
	"salonsync/internal/export"
	"salonsync/internal/logging"
	"salonsync/internal/metrics"
	"salonsync/internal/notify"
	"salonsync/internal/outbox"
	"salonsync/internal/syncsvc"
	"salonsync/internal/transport"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	metrics.Register()

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, queue mirroring disabled")
			redisClient = nil
		}
	}

	remote := transport.NewClient(cfg.Remote, &logger)
	bus := events.NewBus()
	monitor := connectivity.NewMonitor(remote, bus, cfg.Remote.ProbeInterval, &logger)

	var notifier domain.Notifier
	if tn, err := notify.New(cfg.Telegram, &logger); err != nil {
		logger.Warn().Err(err).Msg("operator notifications disabled")
	} else if tn != nil {
		notifier = tn
	}

	manager := outbox.NewManager(db, remote, monitor, bus, redisClient, notifier, outbox.Config{
		MaxRetries:      cfg.Outbox.MaxRetries,
		Backoff:         outbox.Backoff(cfg.Outbox.RetryDelays),
		DispatchRPS:     cfg.Outbox.DispatchRPS,
		Burst:           cfg.Outbox.Burst,
		DispatchTimeout: cfg.Remote.DispatchTimeout,
		PollInterval:    cfg.Outbox.PollInterval,
	}, &logger)

	syncer := syncsvc.NewService(db, remote, monitor, bus, notifier, cfg.Sync.MaxRetries, outbox.Backoff(cfg.Outbox.RetryDelays), &logger)

	// The online transition reacts immediately; the poll loops below cover
	// steady-state, where a scheduled retry or an out-of-band pending record
	// would otherwise wait for the next connectivity bounce.
	bus.Subscribe(func(e events.Event) {
		if e.Type != events.EventOnline {
			return
		}
		go manager.Drain(ctx)
		go func() {
			if _, err := syncer.SyncAll(ctx); err != nil && !errors.Is(err, syncsvc.ErrSyncInProgress) {
				logger.Error().Err(err).Msg("entity sync pass failed")
			}
		}()
	})

	if cfg.API.Enabled {
		exporter := export.NewExporter(db, cfg.Exports.Path)
		opsServer := api.NewHTTPServer(cfg.API, db, manager, syncer, monitor, exporter, cfg.Monitoring.PrometheusEnabled, &logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("ops API server error")
			}
		}()
		defer func() {
			_ = opsServer.Shutdown(context.Background())
		}()
	}

	go monitor.Start(ctx)
	go manager.Run(ctx)
	go syncer.Run(ctx, cfg.Sync.Interval)

	logger.Info().Msg("salonsync daemon started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}
