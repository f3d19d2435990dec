package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurongate/gateway/internal/chain"
	"github.com/neurongate/gateway/internal/config"
	"github.com/neurongate/gateway/internal/inference"
	"github.com/neurongate/gateway/internal/models"
	"github.com/neurongate/gateway/internal/vault"
	"github.com/neurongate/gateway/internal/wallet"
	"github.com/neurongate/gateway/pkg/database"
)

const testUserID = "user-1"

// MockProducer simulates the Kafka producer for testing.
type MockProducer struct {
	sarama.SyncProducer
	messages []*sarama.ProducerMessage
}

func (m *MockProducer) SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error) {
	m.messages = append(m.messages, msg)
	return 0, 0, nil
}

func (m *MockProducer) Close() error { return nil }

// fakeKeys stands in for the managed key service: wrapping is XOR with a
// fixed byte, which keeps envelopes decryptable without any external call.
type fakeKeys struct{}

func xor5a(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ 0x5a
	}
	return out
}

func (fakeKeys) GenerateDataKey(_ context.Context) ([]byte, []byte, error) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key, xor5a(key), nil
}

func (fakeKeys) DecryptDataKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return xor5a(wrapped), nil
}

type testEnv struct {
	server   *Server
	mock     sqlmock.Sqlmock
	redis    *miniredis.Miniredis
	producer *MockProducer
	vault    *vault.Vault
}

// setupTestServer wires a server against sqlmock, miniredis and (optionally)
// httptest chain/inference nodes, with the JWT middleware replaced by a
// fixed identity.
func setupTestServer(t *testing.T, chainURL string, nodes []string) *testEnv {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")

	miniRedis, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(miniRedis.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: miniRedis.Addr()})

	producer := &MockProducer{}

	cfg := &config.Config{
		Server: config.ServerConfig{Port: ":8080", Environment: "development"},
		JWT:    config.JWTConfig{Secret: "test-secret", Expiration: 24 * time.Hour},
		Kafka: config.KafkaConfig{
			TransferTopic: "transfer-retries",
			UsageTopic:    "usage-events",
		},
		Chain: config.ChainConfig{
			AddressPrefix:         "ng",
			Denom:                 "ungt",
			Exponent:              9,
			TreasuryAddress:       "ng1treasury",
			TreasuryEncryptedSeed: "unused",
			GrantAmount:           1000,
		},
		Stripe: config.StripeConfig{
			SecretKey:          "sk_test_gateway",
			WebhookSecret:      "whsec_test",
			SubscriptionTokens: 5_000_000,
		},
		Billing: config.BillingConfig{RateLimitPerMinute: 100, RateLimitWindow: time.Minute},
	}

	clients := &database.Clients{DB: db, Redis: redisClient}

	seedVault := vault.New(fakeKeys{})
	custody := wallet.NewCustody(seedVault, chain.NewClient(chainURL), "ng", "ungt")
	infClient := inference.NewClient(nodes, nil)
	if len(nodes) > 0 {
		infClient = infClient.WithSelector(func(int) int { return 0 })
	}

	server, err := NewServer(cfg, clients, producer, custody, infClient, nil)
	require.NoError(t, err)

	// Swap the JWT middleware for a fixed identity so handlers can be hit
	// directly.
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", jwtv4.NewWithClaims(jwtv4.SigningMethodHS256, jwtv4.MapClaims{
			"sub": testUserID,
		}))
		return c.Next()
	})
	server.app = app

	app.Post("/v1/chat/completions", server.requireAPIKey, server.handleChatCompletions)
	app.Post("/api/chat", server.handleSubscriberChat)
	app.Post("/api/webhooks/stripe", server.handleStripeWebhook)
	app.Post("/api/checkout", server.handleCreateCheckout)
	app.Post("/api/keys", server.handleCreateKey)
	app.Get("/api/keys", server.handleListKeys)
	app.Delete("/api/keys/:id", server.handleRevokeKey)
	app.Get("/api/usage", server.handleUsage)

	return &testEnv{server: server, mock: mock, redis: miniRedis, producer: producer, vault: seedVault}
}

func apiKeyColumns() []string {
	return []string{"id", "user_id", "name", "key_hash", "key_prefix", "created_at", "last_used_at", "revoked_at"}
}

func TestCreateKeyReturnsPlaintextOnce(t *testing.T) {
	env := setupTestServer(t, "", nil)

	env.mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO api_keys")).
		WithArgs(testUserID, "ci", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns()).
			AddRow(int64(1), testUserID, "ci", "hash", models.KeyPrefix+"abcd1234", time.Now(), nil, nil))

	body, _ := json.Marshal(map[string]string{"name": "ci"})
	req := httptest.NewRequest("POST", "/api/keys", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result struct {
		Key    string         `json:"key"`
		APIKey models.APIKey  `json:"api_key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Contains(t, result.Key, models.KeyPrefix)
	assert.Len(t, result.Key, len(models.KeyPrefix)+64)
	assert.Empty(t, result.APIKey.KeyHash, "hash is never serialized")
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRevokeKeyNotFound(t *testing.T) {
	env := setupTestServer(t, "", nil)

	env.mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET revoked_at = now()")).
		WithArgs(42, testUserID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest("DELETE", "/api/keys/42", nil)
	resp, err := env.server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestRequireAPIKeyRejectsMissingHeader(t *testing.T) {
	env := setupTestServer(t, "", nil)

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte("{}")))
	resp, err := env.server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequireAPIKeyRejectsRevokedKey(t *testing.T) {
	env := setupTestServer(t, "", nil)
	raw := models.KeyPrefix + "deadbeef"
	revoked := time.Now()

	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM api_keys WHERE key_hash = $1")).
		WithArgs(HashKey(raw)).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns()).
			AddRow(int64(1), testUserID, "old", HashKey(raw), raw[:14], time.Now(), nil, revoked))

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte("{}")))
	req.Header.Set("Authorization", "Bearer "+raw)
	resp, err := env.server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "key_revoked", out.Error.Code, "revocation is distinguishable from a typo")
}

func TestRequireAPIKeyRejectsUnknownKey(t *testing.T) {
	env := setupTestServer(t, "", nil)
	raw := models.KeyPrefix + "unknown"

	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM api_keys WHERE key_hash = $1")).
		WithArgs(HashKey(raw)).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns()))

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte("{}")))
	req.Header.Set("Authorization", "Bearer "+raw)
	resp, err := env.server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
