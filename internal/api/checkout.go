package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
)

type CheckoutRequest struct {
	// "payment" buys balance credit, "subscription" starts the token plan.
	Mode        string `json:"mode"`
	AmountCents int64  `json:"amount_cents,omitempty"`
}

// handleCreateCheckout creates a hosted payment session. The user id rides
// along (client reference for one-time payments, subscription metadata for
// plans) so the webhook can attribute the money without a lookup table.
func (s *Server) handleCreateCheckout(c *fiber.Ctx) error {
	userID := s.currentUserID(c)

	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(userID),
		SuccessURL:        stripe.String(s.cfg.Stripe.SuccessURL),
		CancelURL:         stripe.String(s.cfg.Stripe.CancelURL),
	}

	switch req.Mode {
	case "payment":
		if req.AmountCents < 500 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Minimum top-up is $5",
			})
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("usd"),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Inference credit"),
				},
			},
			Quantity: stripe.Int64(1),
		}}
	case "subscription":
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(s.cfg.Stripe.PriceID),
			Quantity: stripe.Int64(1),
		}}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userID},
		}
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "mode must be payment or subscription",
		})
	}

	sess, err := session.New(params)
	if err != nil {
		s.logger.Error("failed to create checkout session", "user_id", userID, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Payment provider unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}
