package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/orchestrix/jetrelay/internal/config"
	"github.com/orchestrix/jetrelay/internal/forward"
	"github.com/orchestrix/jetrelay/internal/relay"
	"github.com/orchestrix/jetrelay/internal/transform"
	"github.com/orchestrix/jetrelay/pkg/logger"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (optional)")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		OutputPath: cfg.Logger.OutputPath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting JetRelay Forwarder",
		logger.String("stream", cfg.Stream.Name),
		logger.Strings("subjects", cfg.Stream.Subjects),
		logger.String("downstream", cfg.Downstream.URL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load broker credentials from Vault when enabled
	vaultClient, err := config.NewVaultClient(&cfg.Vault)
	if err != nil {
		appLogger.Fatal("Failed to create Vault client", logger.Error(err))
	}
	if vaultClient != nil {
		appLogger.Info("Loading secrets from Vault")
		if err := config.ApplyVaultSecrets(ctx, cfg, vaultClient); err != nil {
			appLogger.Fatal("Failed to apply Vault secrets", logger.Error(err))
		}
	}

	registry := transform.ForStream(cfg.Stream.Name, transform.NopResolver{})
	handler := forward.New(cfg.Downstream.URL, cfg.Downstream.Timeout, registry, appLogger)

	forwarder := relay.NewForwarder(relay.ForwarderConfig{
		Session: relay.SessionConfig{
			URL:            cfg.NATS.URL,
			Name:           "jetrelay-forwarder",
			User:           cfg.NATS.User,
			Password:       cfg.NATS.Password,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			PingInterval:   cfg.NATS.PingInterval,
			MaxPingsOut:    cfg.NATS.MaxPingsOut,
		},
		Stream:             cfg.Stream.Name,
		Subjects:           cfg.Stream.Subjects,
		DurablePrefix:      cfg.Stream.DurablePrefix,
		MaxRedeliveries:    cfg.Forwarder.MaxRedeliveries,
		InitReconnectDelay: cfg.Forwarder.InitReconnectDelay,
		MaxReconnectDelay:  cfg.Forwarder.MaxReconnectDelay,
		MaxConcurrent:      cfg.Forwarder.MaxConcurrent,
		AckWait:            cfg.Forwarder.AckWait,
		MaxAckPending:      cfg.Forwarder.MaxAckPending,
		QueueCapacity:      cfg.Forwarder.QueueCapacity,
		ShutdownTimeout:    cfg.Forwarder.ShutdownTimeout,
	}, handler.Handle, appLogger)

	if err := forwarder.Run(ctx); err != nil && ctx.Err() == nil {
		appLogger.Fatal("Forwarder terminated", logger.Error(err))
	}
	appLogger.Info("Forwarder stopped")
}
