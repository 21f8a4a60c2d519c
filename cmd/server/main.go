package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/alert-dispatch/internal/api"
	"github.com/t77yq/alert-dispatch/internal/config"
	"github.com/t77yq/alert-dispatch/internal/dispatcher"
	"github.com/t77yq/alert-dispatch/internal/escalation"
	"github.com/t77yq/alert-dispatch/internal/events"
	"github.com/t77yq/alert-dispatch/internal/monitor"
	"github.com/t77yq/alert-dispatch/internal/scheduler"
	"github.com/t77yq/alert-dispatch/internal/sender"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server shut down gracefully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	health := map[string]api.HealthCheck{"database": store.Ping}

	var publisher events.Publisher
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		jsPublisher, err := events.NewJetStreamPublisher(logger, js)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		publisher = jsPublisher
		health["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		}
	}

	registry := sender.NewDefaultRegistry(logger, sender.Options{
		ConnectTimeout:     cfg.Dispatch.ConnectTimeout,
		RequestTimeout:     cfg.Dispatch.RequestTimeout,
		PagerDutyEventsURL: cfg.PagerDuty.EventsURL,
	})
	d := dispatcher.New(logger, store, registry, dispatcher.Config{
		Workers:    cfg.Dispatch.Workers,
		RetryLimit: cfg.Dispatch.RetryLimit,
	})
	engine := escalation.NewEngine(logger, store, d, publisher, nil)
	manager := monitor.NewAlertManager(logger, store, d, engine, registry, publisher, monitor.Config{
		Retention: monitor.Retention{
			ResolvedAlerts:  cfg.Cleanup.ResolvedAlertRetention,
			ExpiredSilences: cfg.Cleanup.ExpiredSilenceRetention,
			History:         cfg.Cleanup.HistoryRetention,
		},
	})
	stats := monitor.NewStatsCollector(logger, manager, publisher)
	resources := monitor.NewResourceMonitor(logger, monitor.ResourceLimits{
		MaxCPU:    cfg.Resources.MaxCPUPercent,
		MaxMemory: cfg.Resources.MaxMemoryPercent,
	}, nil)
	health["resources"] = resources.Check

	jobs := scheduler.NewCronScheduler(logger)
	if err := registerJobs(jobs, cfg, engine, manager, stats, resources); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	// seed the gauges before the first scrape
	if err := stats.Collect(ctx); err != nil {
		logger.Warn("Initial stats collection failed", zap.Error(err))
	}
	if err := resources.Collect(ctx); err != nil {
		logger.Warn("Initial resource sample failed", zap.Error(err))
	}

	server := api.NewServer(logger, manager, jobs, health, api.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Release:         !cfg.Log.Development,
	})
	return server.Start(ctx)
}

func registerJobs(jobs *scheduler.CronScheduler, cfg *config.Config, engine *escalation.Engine,
	manager *monitor.AlertManager, stats *monitor.StatsCollector, resources *monitor.ResourceMonitor) error {
	if err := jobs.AddJob("escalation", cfg.Escalation.Schedule, time.Minute, func(ctx context.Context) error {
		_, err := engine.Reconcile(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("failed to schedule escalation job: %w", err)
	}

	if err := jobs.AddJob("cleanup", cfg.Cleanup.Schedule, 10*time.Minute, func(ctx context.Context) error {
		_, err := manager.Cleanup(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}

	if err := jobs.AddJob("stats", cfg.Stats.Schedule, 30*time.Second, stats.Collect); err != nil {
		return fmt.Errorf("failed to schedule stats job: %w", err)
	}

	if err := jobs.AddJob("resources", cfg.Resources.Schedule, 10*time.Second, resources.Collect); err != nil {
		return fmt.Errorf("failed to schedule resources job: %w", err)
	}
	return nil
}

// connectNATS dials with retry and the reconnect options of a long-lived publisher
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS connection error", fields...)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", maxRetries, err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
