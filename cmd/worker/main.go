package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/neurongate/gateway/internal/chain"
	"github.com/neurongate/gateway/internal/config"
	"github.com/neurongate/gateway/internal/vault"
	"github.com/neurongate/gateway/internal/wallet"
	"github.com/neurongate/gateway/internal/worker"
	"github.com/neurongate/gateway/pkg/database"
	"github.com/neurongate/gateway/pkg/kafka"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.NewClients(cfg.Database.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Failed to initialize database clients", "error", err)
		os.Exit(1)
	}
	defer db.DB.Close()
	slog.Info("✅ Connected to databases")

	consumer, err := kafka.NewConsumer(cfg.Kafka.Broker, cfg.Kafka.Group)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	slog.Info("✅ Connected to Kafka")

	ctx := context.Background()
	kms, err := vault.NewKMSKeyService(ctx, cfg.Vault.KMSRegion, cfg.Vault.KMSKeyID)
	if err != nil {
		slog.Error("Failed to initialize KMS", "error", err)
		os.Exit(1)
	}
	seedVault := vault.New(kms)

	chainClient := chain.NewClient(cfg.Chain.NodeURL)
	custody := wallet.NewCustody(seedVault, chainClient, cfg.Chain.AddressPrefix, cfg.Chain.Denom)

	w := worker.NewWorker(cfg, db, consumer, custody)
	if err := w.Start(ctx); err != nil {
		slog.Error("Worker error", "error", err)
		os.Exit(1)
	}
}
