package api

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/neurongate/gateway/internal/apperr"
	"github.com/neurongate/gateway/internal/models"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"type"`
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Email == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Email and password are required",
		})
	}

	s.logger.Info("Authentication attempt", "email", req.Email)

	ident, err := s.identity.SignIn(req.Email, req.Password)
	if err != nil {
		return s.renderError(c, err)
	}

	// First sign-in provisions the user row; the identity provider's id is
	// the primary key everywhere else.
	if _, err := s.db.DB.ExecContext(c.Context(),
		`INSERT INTO users (id, email) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		ident.UserID, ident.Email,
	); err != nil {
		return s.renderError(c, err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   ident.UserID,
		"email": ident.Email,
		"exp":   time.Now().Add(s.cfg.JWT.Expiration).Unix(),
		"iat":   time.Now().Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate token",
		})
	}

	s.logger.Info("User successfully authenticated", "email", req.Email)

	return c.JSON(LoginResponse{
		Token:     tokenString,
		TokenType: "Bearer",
	})
}

// currentUserID reads the subject claim the jwt middleware validated. The
// middleware hands back a v4 token, hence the separate import.
func (s *Server) currentUserID(c *fiber.Ctx) string {
	token, ok := c.Locals("user").(*jwtv4.Token)
	if !ok {
		return ""
	}
	claims, ok := token.Claims.(jwtv4.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// HashKey is the only form in which a credential touches the database.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// requireAPIKey authenticates the metered surface. Only the SHA-256 hash is
// compared; a revoked key fails identically to an unknown one except for
// the code, so callers can tell "rotate me" from "typo".
func (s *Server) requireAPIKey(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header || !strings.HasPrefix(raw, models.KeyPrefix) {
		return s.renderError(c, apperr.ErrUnauthenticated)
	}

	var key models.APIKey
	err := s.db.DB.GetContext(c.Context(), &key,
		`SELECT * FROM api_keys WHERE key_hash = $1`, HashKey(raw))
	if errors.Is(err, sql.ErrNoRows) {
		return s.renderError(c, apperr.ErrUnauthenticated)
	}
	if err != nil {
		return s.renderError(c, err)
	}
	if key.RevokedAt != nil {
		return s.renderError(c, apperr.ErrKeyRevoked)
	}

	if _, err := s.db.DB.ExecContext(c.Context(),
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, key.ID); err != nil {
		s.logger.Warn("failed to stamp key usage", "key_id", key.ID, "error", err)
	}

	c.Locals("apiKey", &key)
	return c.Next()
}

func (s *Server) currentAPIKey(c *fiber.Ctx) *models.APIKey {
	key, _ := c.Locals("apiKey").(*models.APIKey)
	return key
}
