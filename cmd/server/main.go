package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/api"
	"github.com/t77yq/listing-scheduler/internal/config"
	"github.com/t77yq/listing-scheduler/internal/handler"
	"github.com/t77yq/listing-scheduler/internal/monitor"
	"github.com/t77yq/listing-scheduler/internal/recurrence"
	"github.com/t77yq/listing-scheduler/internal/scheduler"
	"github.com/t77yq/listing-scheduler/internal/service"
	"github.com/t77yq/listing-scheduler/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db, err := storage.OpenSQLite(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	taskStore, err := storage.NewSQLiteTaskStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create task store", zap.Error(err))
	}
	abTests, err := storage.NewSQLiteABTestStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create ab test store", zap.Error(err))
	}

	shopify := handler.NewShopifyClient(logger, handler.ShopifyConfig{
		BaseURL:     cfg.Shopify.BaseURL,
		APIVersion:  cfg.Shopify.APIVersion,
		AccessToken: cfg.Shopify.AccessToken,
		Timeout:     cfg.Shopify.Timeout,
	})
	registry := handler.NewRegistry(
		handler.NewProductDescriptionHandler(logger, shopify),
		handler.NewABTestRotationHandler(logger, abTests, shopify),
	)

	engine := scheduler.NewEngine(taskStore, registry, recurrence.NewResolver(), scheduler.EngineConfig{
		HandlerTimeout: cfg.Scheduler.HandlerTimeout,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		InstanceID:     cfg.App.InstanceID,
	}, logger)

	var notifier scheduler.Notifier = service.NewLogNotifier(logger)
	if len(cfg.NATS.URLs) > 0 {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Drain()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}

		natsNotifier, err := service.NewNATSNotifier(js, logger)
		if err != nil {
			logger.Fatal("Failed to create notifier", zap.Error(err))
		}
		notifier = natsNotifier

		alerts := monitor.NewAlertManager(logger, js, cfg.Monitor.FailureAlertThreshold)
		if err := alerts.Start(ctx); err != nil {
			logger.Fatal("Failed to start alert manager", zap.Error(err))
		}
		defer alerts.Stop()

		metrics := monitor.NewMetricsCollector(js, cfg.Monitor.MetricsInterval, logger)
		if err := metrics.Start(ctx); err != nil {
			logger.Fatal("Failed to start metrics collector", zap.Error(err))
		}
		defer metrics.Stop()
	} else {
		logger.Warn("NATS not configured, task events are only logged")
	}

	trigger := scheduler.NewTrigger(engine, notifier, scheduler.TriggerConfig{
		RunDueSpec:      cfg.Scheduler.RunDueSpec,
		RecurringSpec:   cfg.Scheduler.RecurringSpec,
		StaleClaimAfter: cfg.Scheduler.StaleClaimAfter,
	}, logger)
	if err := trigger.Start(ctx); err != nil {
		logger.Fatal("Failed to start trigger", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(engine, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	// running tasks finish before the root context is cancelled
	trigger.Stop()
	cancel()

	logger.Info("Server shutting down gracefully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(strings.Join(cfg.NATS.URLs, ","), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}
