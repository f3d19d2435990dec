package api

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/neurongate/gateway/internal/models"
	"github.com/neurongate/gateway/internal/worker"
)

// handleStripeWebhook ingests payment-provider events. Signature
// verification is the only gate that returns a non-2xx; once an event is
// authentic the handler always acknowledges it, because the provider
// retries on failure and every mutation here is idempotent anyway
// (payment-id dedup, provider-sub-id upsert).
func (s *Server) handleStripeWebhook(c *fiber.Ctx) error {
	// The endpoint's API version is pinned in the Stripe dashboard, not in
	// this binary; a version newer or older than the SDK's pin must not
	// bounce an authentic event back into the provider's retry loop.
	event, err := webhook.ConstructEventWithOptions(c.Body(), c.Get("Stripe-Signature"), s.cfg.Stripe.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.Warn("webhook signature verification failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid signature",
		})
	}

	ctx := c.Context()
	switch event.Type {
	case "checkout.session.completed":
		err = s.onCheckoutCompleted(ctx, event.Data.Raw)
	case "customer.subscription.created":
		err = s.onSubscriptionCreated(ctx, event.Data.Raw)
	case "invoice.paid":
		err = s.onInvoicePaid(ctx, event.Data.Raw)
	case "customer.subscription.updated":
		err = s.onSubscriptionUpdated(ctx, event.Data.Raw)
	case "customer.subscription.deleted":
		err = s.onSubscriptionDeleted(ctx, event.Data.Raw)
	default:
		s.logger.Info("ignoring webhook event", "type", event.Type)
	}
	if err != nil {
		s.logger.Error("webhook event processing failed", "type", event.Type, "event_id", event.ID, "error", err)
	}

	return c.JSON(fiber.Map{"received": true})
}

// onCheckoutCompleted credits a one-time balance purchase exactly once,
// keyed by the payment intent.
func (s *Server) onCheckoutCompleted(ctx context.Context, raw json.RawMessage) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return err
	}
	if session.Mode != stripe.CheckoutSessionModePayment {
		// Subscription checkouts are handled by the subscription events.
		return nil
	}
	userID := session.ClientReferenceID
	if userID == "" {
		s.logger.Warn("checkout session without client reference", "session_id", session.ID)
		return nil
	}

	paymentID := session.ID
	if session.PaymentIntent != nil {
		paymentID = session.PaymentIntent.ID
	}
	amount := decimal.NewFromInt(session.AmountTotal).Div(decimal.NewFromInt(100))
	return s.ledger.Credit(ctx, userID, amount, paymentID)
}

// onSubscriptionCreated provisions everything a new subscriber needs:
// wallet, network registration, treasury token grant and token quota. The
// grant is best-effort; a chain hiccup is queued for the retry worker and
// never blocks activation.
func (s *Server) onSubscriptionCreated(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	userID := sub.Metadata["user_id"]
	if userID == "" {
		s.logger.Warn("subscription without user metadata", "subscription_id", sub.ID)
		return nil
	}

	user, err := s.ensureWallet(ctx, userID)
	if err != nil {
		return err
	}

	if !user.InferenceRegistered {
		if err := s.custody.Register(ctx, *user.EncryptedSeed, *user.ChainAddress); err != nil {
			s.logger.Warn("participant registration deferred", "user_id", userID, "error", err)
		} else if _, err := s.db.DB.ExecContext(ctx,
			`UPDATE users SET inference_registered = TRUE, registered_at = now() WHERE id = $1`, userID); err != nil {
			return err
		}
	}

	s.grantTokens(ctx, user)

	return s.quota.Upsert(ctx, userID, sub.ID, subscriptionTier(sub.Status), s.cfg.Stripe.SubscriptionTokens,
		time.Unix(sub.CurrentPeriodStart, 0), time.Unix(sub.CurrentPeriodEnd, 0))
}

// subscriptionTier maps the provider's status onto the local tier: a trial
// is the free tier, everything else that reaches us is a paid plan.
func subscriptionTier(status stripe.SubscriptionStatus) string {
	if status == stripe.SubscriptionStatusTrialing {
		return models.SubscriptionFree
	}
	return models.SubscriptionActive
}

// onInvoicePaid tops up the quota for a renewal. The invoice that created
// the subscription is skipped: its allocation already happened in
// onSubscriptionCreated, and double-counting a creation would hand out a
// free period.
func (s *Server) onInvoicePaid(ctx context.Context, raw json.RawMessage) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	if inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		return nil
	}
	if inv.Subscription == nil {
		return nil
	}
	return s.quota.TopUp(ctx, inv.Subscription.ID, s.cfg.Stripe.SubscriptionTokens,
		time.Unix(inv.PeriodStart, 0), time.Unix(inv.PeriodEnd, 0))
}

// onSubscriptionUpdated keeps the local row aligned with the provider's
// view: a cancellation (including one scheduled at period end and now past
// it) closes the subscription, anything else just moves the period window.
func (s *Server) onSubscriptionUpdated(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	if sub.Status == stripe.SubscriptionStatusCanceled {
		return s.quota.Cancel(ctx, sub.ID)
	}
	return s.quota.SyncPeriod(ctx, sub.ID,
		time.Unix(sub.CurrentPeriodStart, 0), time.Unix(sub.CurrentPeriodEnd, 0))
}

func (s *Server) onSubscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	return s.quota.Cancel(ctx, sub.ID)
}

// ensureWallet returns the user with a custodial wallet provisioned,
// generating one if this is their first subscription.
func (s *Server) ensureWallet(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.db.DB.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, userID); err != nil {
		return nil, err
	}
	if user.ChainAddress != nil && user.EncryptedSeed != nil {
		return &user, nil
	}

	gen, err := s.custody.GenerateWallet(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.DB.ExecContext(ctx,
		`UPDATE users SET chain_address = $2, encrypted_seed = $3 WHERE id = $1`,
		userID, gen.Address, gen.EncryptedSeed,
	); err != nil {
		return nil, err
	}
	user.ChainAddress = &gen.Address
	user.EncryptedSeed = &gen.EncryptedSeed
	s.logger.Info("provisioned custodial wallet", "user_id", userID, "address", gen.Address)
	return &user, nil
}

// grantTokens records and attempts the treasury transfer. On failure the
// transfer row is marked failed and a retry job is queued; activation
// proceeds regardless.
func (s *Server) grantTokens(ctx context.Context, user *models.User) {
	amount := s.cfg.Chain.GrantAmount
	transferID, err := s.transfers.Create(ctx, user.ID, *user.ChainAddress, amount)
	if err != nil {
		s.logger.Error("failed to record token transfer", "user_id", user.ID, "error", err)
		return
	}

	txHash, err := s.custody.SendTokens(ctx,
		s.cfg.Chain.TreasuryEncryptedSeed, s.cfg.Chain.TreasuryAddress,
		*user.ChainAddress, big.NewInt(amount))
	if err == nil {
		if err := s.transfers.MarkSuccess(ctx, transferID, txHash); err != nil {
			s.logger.Error("failed to mark transfer success", "transfer_id", transferID, "error", err)
		}
		return
	}

	s.logger.Warn("treasury transfer failed, queueing retry", "transfer_id", transferID, "error", err)
	if mErr := s.transfers.MarkFailed(ctx, transferID, err.Error()); mErr != nil {
		s.logger.Error("failed to mark transfer failed", "transfer_id", transferID, "error", mErr)
	}
	s.enqueueTransferRetry(transferID)
}

func (s *Server) enqueueTransferRetry(transferID int64) {
	if s.producer == nil {
		return
	}
	payload, err := json.Marshal(worker.TransferRetryJob{TransferID: transferID})
	if err != nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.cfg.Kafka.TransferTopic,
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		s.logger.Error("failed to queue transfer retry", "transfer_id", transferID, "error", err)
	}
}
