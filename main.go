package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"powerwatch/api"
	"powerwatch/config"
	"powerwatch/log"
	"powerwatch/services"
	"powerwatch/store"
	"powerwatch/websocket"

	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer db.Close()

	// saved dashboard settings win over the environment
	saved, err := db.ConnectionSettings(ctx)
	switch {
	case err == nil:
		if saved.HistoryLimit > 0 {
			cfg.HistoryLimit = saved.HistoryLimit
		}
		if config.ValidReconnectPolicy(saved.ReconnectPolicy) {
			envPolicy := cfg.ReconnectPolicy
			cfg.ReconnectPolicy = saved.ReconnectPolicy
			if err := cfg.Validate(); err != nil {
				logger.Warn("Ignoring saved reconnect policy", zap.String("policy", saved.ReconnectPolicy), zap.Error(err))
				cfg.ReconnectPolicy = envPolicy
			}
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		logger.Warn("Failed to load saved settings", zap.Error(err))
	}

	registry, err := services.NewDeviceRegistry(ctx, logger, db)
	if err != nil {
		logger.Fatal("Failed to load devices", zap.Error(err))
	}

	var provider services.BrokerConfigProvider
	if cfg.BrokerConfigURL != "" {
		provider = services.NewHTTPBrokerConfigProvider(logger, cfg.BrokerConfigURL, cfg.BrokerConfigToken)
		logger.Info("Using broker config endpoint", zap.String("url", cfg.BrokerConfigURL))
	} else {
		provider = services.NewSettingsBrokerConfigProvider(
			services.NewStaticBrokerConfigProvider(cfg), db.ConnectionSettings, logger)
	}

	topics := append(registry.Topics(), cfg.MQTTTopics...)
	if saved.Topic != "" {
		topics = append(topics, saved.Topic)
	}
	adapter := services.NewTelemetryAdapter(cfg, provider, logger, topics)

	// topics from the environment or saved settings outlive the devices using them
	registry.OnTopicsChanged(services.SyncSubscriptions(adapter, func() []string {
		pinned := append([]string(nil), cfg.MQTTTopics...)
		if s, err := db.ConnectionSettings(ctx); err == nil && s.Topic != "" {
			pinned = append(pinned, s.Topic)
		}
		return pinned
	}, logger))

	if cfg.RabbitMQURL != "" {
		forwarder, err := services.NewTelemetryForwarder(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ forwarder", zap.Error(err))
		}
		defer forwarder.Close()
		adapter.AddListener(forwarder.Listener())
		go forwarder.Run(ctx)
	}

	if cfg.TelegramEnabled() {
		alerter, err := services.NewConnectionAlerter(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram alerts", zap.Error(err))
		}
		adapter.AddListener(alerter.Listener())
		go alerter.Run(ctx)
	}

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	handler := api.NewHandler(cfg, logger, adapter, registry,
		services.NewMockGenerator(time.Now().UnixNano()), db, hub)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go adapter.Run(ctx)
	if cfg.MQTTAutoConnect {
		go func() {
			if err := adapter.Connect(ctx); err != nil {
				logger.Warn("Initial MQTT connect failed", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("Dashboard API listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	logger.Info("powerwatch started",
		zap.Int("devices", len(registry.List())),
		zap.Int("history_limit", cfg.HistoryLimit),
		zap.String("reconnect_policy", cfg.ReconnectPolicy),
		zap.Bool("auto_connect", cfg.MQTTAutoConnect))

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown timed out", zap.Error(err))
	}
	adapter.Disconnect()

	logger.Info("powerwatch stopped",
		zap.Int("history_entries", len(adapter.HistoryAll())),
		zap.Int("devices_reporting", len(adapter.LatestAll())))
}
