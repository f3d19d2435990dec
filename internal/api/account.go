package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/neurongate/gateway/internal/models"
	"github.com/neurongate/gateway/internal/wallet"
)

func (s *Server) handleUsage(c *fiber.Ctx) error {
	userID := s.currentUserID(c)

	logs := []models.UsageLog{}
	err := s.db.DB.SelectContext(c.Context(), &logs,
		`SELECT * FROM usage_logs WHERE user_id = $1 ORDER BY created_at DESC LIMIT 100`,
		userID,
	)
	if err != nil {
		return s.renderError(c, err)
	}

	var totalTokens int64
	totalCost := decimal.Zero
	for _, l := range logs {
		totalTokens += l.PromptTokens + l.CompletionTokens
		totalCost = totalCost.Add(l.Cost)
	}

	return c.JSON(fiber.Map{
		"usage":        logs,
		"total_tokens": totalTokens,
		"total_cost":   totalCost,
	})
}

func (s *Server) handleBalance(c *fiber.Ctx) error {
	userID := s.currentUserID(c)

	var user models.User
	if err := s.db.DB.GetContext(c.Context(), &user, `SELECT * FROM users WHERE id = $1`, userID); err != nil {
		return s.renderError(c, err)
	}

	resp := fiber.Map{"balance": user.Balance}
	sub, err := s.quota.Active(c.Context(), userID)
	if err != nil {
		return s.renderError(c, err)
	}
	if sub != nil {
		resp["subscription"] = fiber.Map{
			"status":           sub.Status,
			"tokens_remaining": sub.Remaining(),
			"period_end":       sub.PeriodEnd,
		}
	}
	return c.JSON(resp)
}

// handleWallet reports the custodial wallet's address and on-chain balance.
// The seed itself never leaves custody; there is deliberately no export
// endpoint.
func (s *Server) handleWallet(c *fiber.Ctx) error {
	userID := s.currentUserID(c)

	var user models.User
	if err := s.db.DB.GetContext(c.Context(), &user, `SELECT * FROM users WHERE id = $1`, userID); err != nil {
		return s.renderError(c, err)
	}
	if user.ChainAddress == nil {
		return c.JSON(fiber.Map{"provisioned": false})
	}

	atomic, err := s.custody.Balance(c.Context(), *user.ChainAddress)
	if err != nil {
		return s.renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"provisioned": true,
		"address":     *user.ChainAddress,
		"registered":  user.InferenceRegistered,
		"balance":     wallet.FormatAmount(atomic, s.cfg.Chain.Exponent),
		"denom":       s.cfg.Chain.Denom,
	})
}
