package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/orchestrix/jetrelay/internal/config"
	"github.com/orchestrix/jetrelay/internal/ingest"
	"github.com/orchestrix/jetrelay/internal/relay"
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

	appLogger.Info("Starting JetRelay Ingest Gateway",
		logger.String("stream", cfg.Stream.Name),
		logger.String("addr", cfg.Ingest.Addr),
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

	publisher := relay.NewPublisher(relay.PublisherConfig{
		Session: relay.SessionConfig{
			URL:            cfg.NATS.URL,
			Name:           "jetrelay-ingest",
			User:           cfg.NATS.User,
			Password:       cfg.NATS.Password,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			PingInterval:   cfg.NATS.PingInterval,
			MaxPingsOut:    cfg.NATS.MaxPingsOut,
		},
		Stream:             cfg.Stream.Name,
		Subjects:           cfg.Stream.Subjects,
		InitReconnectDelay: cfg.Publisher.InitReconnectDelay,
		MaxReconnectDelay:  cfg.Publisher.MaxReconnectDelay,
		PublishTimeout:     cfg.Publisher.PublishTimeout,
		QueueCapacity:      cfg.Publisher.QueueCapacity,
		EnsureStream:       cfg.Publisher.ShouldEnsureStream(),
	}, appLogger)

	server := ingest.New(publisher, appLogger)

	// The publisher runs on its own context: shutdown goes through Stop so
	// the queue gets its best-effort drain after the server stops accepting.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(context.Background()); err != nil {
			appLogger.Error("Publisher terminated", logger.Error(err))
		}
	}()

	if err := server.ListenAndServe(ctx, cfg.Ingest.Addr); err != nil {
		appLogger.Error("Ingest server failed", logger.Error(err))
	}

	// The server is down; drain whatever is still queued, then stop the
	// publisher's run loop.
	publisher.Stop()
	wg.Wait()
	appLogger.Info("Ingest gateway stopped")
}
