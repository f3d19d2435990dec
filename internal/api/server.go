package api

import (
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	jwtware "github.com/gofiber/jwt/v3"
	"github.com/stripe/stripe-go/v79"

	"github.com/neurongate/gateway/internal/billing"
	"github.com/neurongate/gateway/internal/cache"
	"github.com/neurongate/gateway/internal/config"
	"github.com/neurongate/gateway/internal/inference"
	"github.com/neurongate/gateway/internal/pkg/identity"
	"github.com/neurongate/gateway/internal/ratelimit"
	"github.com/neurongate/gateway/internal/wallet"
	"github.com/neurongate/gateway/pkg/database"
)

type Server struct {
	app       *fiber.App
	cfg       *config.Config
	db        *database.Clients
	producer  sarama.SyncProducer
	custody   *wallet.Custody
	inference *inference.Client
	identity  *identity.Client
	ledger    *billing.Ledger
	quota     *billing.Quota
	transfers *billing.Transfers
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

func NewServer(cfg *config.Config, db *database.Clients, producer sarama.SyncProducer,
	custody *wallet.Custody, infClient *inference.Client, idClient *identity.Client) (*Server, error) {

	// The stripe-go client reads its credential from this package-level var.
	stripe.Key = cfg.Stripe.SecretKey

	app := fiber.New(fiber.Config{
		DisableStartupMessage: cfg.Server.Environment == "production",
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${ip} ${method} ${path} ${status}\n",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.Server.MaxRequests,
		Expiration: cfg.Server.RequestTimeout,
		Next: func(c *fiber.Ctx) bool {
			// The inference path has its own per-key limiter in redis.
			return c.Path() == "/v1/chat/completions"
		},
	}))

	server := &Server{
		app:       app,
		cfg:       cfg,
		db:        db,
		producer:  producer,
		custody:   custody,
		inference: infClient,
		identity:  idClient,
		ledger:    billing.NewLedger(db.DB),
		quota:     billing.NewQuota(db.DB),
		transfers: billing.NewTransfers(db.DB),
		limiter:   ratelimit.New(db.Redis, int64(cfg.Billing.RateLimitPerMinute), cfg.Billing.RateLimitWindow),
		logger:    slog.Default(),
	}

	// Routes
	server.setupRoutes()

	return server, nil
}

func (s *Server) setupRoutes() {
	// The metered surface: API-key auth, dollar ledger.
	v1 := s.app.Group("/v1", s.requireAPIKey)
	v1.Post("/chat/completions", s.handleChatCompletions)

	api := s.app.Group("/api")

	// Public routes
	api.Post("/login", s.handleLogin)
	api.Post("/webhooks/stripe", s.handleStripeWebhook)

	// Protected routes
	protected := api.Use(jwtware.New(jwtware.Config{
		SigningKey: []byte(s.cfg.JWT.Secret),
	}))
	protected.Post("/chat", s.handleSubscriberChat)
	protected.Post("/checkout", s.handleCreateCheckout)
	protected.Post("/keys", s.handleCreateKey)
	protected.Get("/keys", s.handleListKeys)
	protected.Delete("/keys/:id", s.handleRevokeKey)
	protected.Get("/usage", s.handleUsage)
	protected.Get("/wallet", s.handleWallet)
	protected.Get("/balance", s.handleBalance)
}

func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// NewInfoCache builds the node-info cache the inference client shares with
// the server's redis connection.
func NewInfoCache(db *database.Clients, cfg *config.Config) *cache.Cache {
	return cache.New(db.Redis, "nodeinfo", cfg.Inference.InfoCacheTTL)
}
