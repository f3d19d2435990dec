package api

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

func TestNewServerConfiguresStripeCredential(t *testing.T) {
	stripe.Key = ""
	setupTestServer(t, "", nil)
	assert.Equal(t, "sk_test_gateway", stripe.Key,
		"session.New authenticates through the package-level key")
}

func TestCheckoutRejectsUnknownMode(t *testing.T) {
	env := setupTestServer(t, "", nil)

	req := httptest.NewRequest("POST", "/api/checkout", bytes.NewReader([]byte(`{"mode":"barter"}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCheckoutEnforcesMinimumTopUp(t *testing.T) {
	env := setupTestServer(t, "", nil)

	req := httptest.NewRequest("POST", "/api/checkout", bytes.NewReader([]byte(`{"mode":"payment","amount_cents":100}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "below the $5 floor, no session is created")
}
