package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/neurongate/gateway/internal/apperr"
)

// renderError maps the error taxonomy onto HTTP statuses and the
// {error: {message, type, code}} wire shape. Untyped errors become an
// opaque 500; their detail is logged, never sent.
func (s *Server) renderError(c *fiber.Ctx, err error) error {
	var e *apperr.Error
	if !errors.As(err, &e) {
		s.logger.Error("unhandled internal error", "path", c.Path(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fiber.Map{"message": "internal error", "type": "internal_error", "code": "internal"},
		})
	}

	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrInsufficientBalance) || errors.Is(err, apperr.ErrInsufficientQuota):
		status = fiber.StatusPaymentRequired
	case errors.Is(err, apperr.ErrUnknownModel):
		status = fiber.StatusBadRequest
	case e.Type == apperr.TypeBilling:
		status = fiber.StatusPaymentRequired
	case e.Type == apperr.TypeAuth:
		status = fiber.StatusUnauthorized
	case e.Type == apperr.TypeRateLimited:
		status = fiber.StatusTooManyRequests
	case e.Type == apperr.TypeUpstream:
		status = fiber.StatusBadGateway
	}

	if status == fiber.StatusInternalServerError || status == fiber.StatusBadGateway {
		s.logger.Error("request failed", "path", c.Path(), "type", e.Type, "code", e.Code, "error", err)
	}

	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"message": e.Message, "type": e.Type, "code": e.Code},
	})
}
