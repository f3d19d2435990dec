package api

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gofiber/fiber/v2"

	"github.com/neurongate/gateway/internal/models"
)

// NewKey mints a fresh credential: prefix + 32 bytes of CSPRNG entropy.
func NewKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return models.KeyPrefix + hex.EncodeToString(buf), nil
}

func (s *Server) handleCreateKey(c *fiber.Ctx) error {
	userID := s.currentUserID(c)

	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Name == "" {
		req.Name = "default"
	}

	raw, err := NewKey()
	if err != nil {
		return s.renderError(c, err)
	}

	var key models.APIKey
	err = s.db.DB.GetContext(c.Context(), &key,
		`INSERT INTO api_keys (user_id, name, key_hash, key_prefix)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, user_id, name, key_hash, key_prefix, created_at, last_used_at, revoked_at`,
		userID, req.Name, HashKey(raw), raw[:len(models.KeyPrefix)+8],
	)
	if err != nil {
		return s.renderError(c, err)
	}

	// The plaintext key appears in exactly this response and nowhere else.
	return c.JSON(fiber.Map{
		"key":     raw,
		"api_key": key,
	})
}

func (s *Server) handleListKeys(c *fiber.Ctx) error {
	userID := s.currentUserID(c)

	keys := []models.APIKey{}
	err := s.db.DB.SelectContext(c.Context(), &keys,
		`SELECT * FROM api_keys WHERE user_id = $1 AND revoked_at IS NULL ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(fiber.Map{"api_keys": keys})
}

func (s *Server) handleRevokeKey(c *fiber.Ctx) error {
	userID := s.currentUserID(c)
	keyID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid key ID",
		})
	}

	res, err := s.db.DB.ExecContext(c.Context(),
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		keyID, userID,
	)
	if err != nil {
		return s.renderError(c, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Key not found",
		})
	}
	return c.JSON(fiber.Map{"revoked": true})
}
