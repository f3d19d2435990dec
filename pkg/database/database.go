package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type Clients struct {
	DB    *sqlx.DB
	Redis *redis.Client
}

func NewClients(dbURL, redisAddr, redisPassword string, redisDB int) (*Clients, error) {
	// Connect to PostgreSQL
	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Clients{
		DB:    db,
		Redis: redisClient,
	}, nil
}

// CreateTables bootstraps the schema. The CHECK on users.balance and the
// unique indexes on transactions are load-bearing: the ledger relies on
// them for atomic debits and idempotent settlement/crediting.
func (c *Clients) CreateTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		balance NUMERIC(20, 10) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		chain_address TEXT UNIQUE,
		encrypted_seed TEXT,
		inference_registered BOOLEAN NOT NULL DEFAULT FALSE,
		registered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		provider_sub_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		tokens_allocated BIGINT NOT NULL DEFAULT 0,
		tokens_used BIGINT NOT NULL DEFAULT 0,
		period_start TIMESTAMPTZ,
		period_end TIMESTAMPTZ,
		canceled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_live_per_user
		ON subscriptions(user_id) WHERE status <> 'canceled';

	CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'settled',
		amount NUMERIC(20, 10) NOT NULL,
		reserved NUMERIC(20, 10) NOT NULL DEFAULT 0,
		balance_after NUMERIC(20, 10) NOT NULL DEFAULT 0,
		request_id TEXT UNIQUE,
		provider_payment_id TEXT UNIQUE,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		settled_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		api_key_id BIGINT REFERENCES api_keys(id),
		request_id TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		cost NUMERIC(20, 10) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS usage_logs_user_created
		ON usage_logs(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS token_transfers (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		to_address TEXT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		tx_hash TEXT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`

	if _, err := c.DB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	slog.Info("✅ Database schema is ready!")
	return nil
}
