package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/neurongate/gateway/internal/api"
	"github.com/neurongate/gateway/internal/chain"
	"github.com/neurongate/gateway/internal/config"
	"github.com/neurongate/gateway/internal/inference"
	"github.com/neurongate/gateway/internal/pkg/identity"
	"github.com/neurongate/gateway/internal/vault"
	"github.com/neurongate/gateway/internal/wallet"
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

	if err := db.CreateTables(); err != nil {
		slog.Error("Failed to bootstrap schema", "error", err)
		os.Exit(1)
	}

	producer, err := kafka.NewProducer(cfg.Kafka.Broker, cfg.Kafka.RetryMax, cfg.Kafka.RetryBackoff)
	if err != nil {
		slog.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
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

	infClient := inference.NewClient(cfg.Inference.Nodes, api.NewInfoCache(db, cfg))

	idClient, err := identity.NewClient(cfg.Identity.ProjectRef, cfg.Identity.APIKey)
	if err != nil {
		slog.Error("Failed to connect to identity provider", "error", err)
		os.Exit(1)
	}

	server, err := api.NewServer(cfg, db, producer, custody, infClient, idClient)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
}
