package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neurongate/gateway/internal/apperr"
	"github.com/neurongate/gateway/internal/billing"
	"github.com/neurongate/gateway/internal/inference"
	"github.com/neurongate/gateway/internal/models"
)

// settleTimeout bounds the post-stream accounting work; by then the client
// connection is gone and no context remains to inherit from.
const settleTimeout = 15 * time.Second

// handleChatCompletions is the metered path: estimate an upper bound,
// reserve it, relay the signed request, settle to the exact cost. Any
// failure before the upstream call releases the reservation; money is never
// held on an error path.
func (s *Server) handleChatCompletions(c *fiber.Ctx) error {
	key := s.currentAPIKey(c)

	allowed, remaining, err := s.limiter.Allow(c.Context(), key.UserID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, failing open", "error", err)
	}
	c.Set("x-ratelimit-remaining", strconv.FormatInt(remaining, 10))
	if !allowed {
		return s.renderError(c, apperr.ErrRateLimited)
	}

	body := append([]byte(nil), c.Body()...)
	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	price, err := billing.Lookup(req.Model)
	if err != nil {
		return s.renderError(c, err)
	}
	estimate := billing.Estimate(&req, price)
	estPrompt, estCompletion := billing.EstimateTokens(&req)

	requestID := uuid.NewString()
	if err := s.ledger.Reserve(c.Context(), key.UserID, requestID, estimate); err != nil {
		return s.renderError(c, err)
	}

	resp, err := s.relay(c.Context(), key.UserID, body, req.Stream)
	if err != nil {
		if relErr := s.ledger.Release(c.Context(), requestID); relErr != nil {
			s.logger.Error("failed to release reservation", "request_id", requestID, "error", relErr)
		}
		return s.renderError(c, err)
	}

	acct := accounting{
		userID:    key.UserID,
		apiKeyID:  &key.ID,
		requestID: requestID,
		model:     req.Model,
		price:     price,
		estimate:  estimate,
		estPrompt: estPrompt, estCompletion: estCompletion,
	}

	c.Set("x-request-id", requestID)

	if resp.Stream {
		return s.streamResponse(c, resp.Body, func(ctx context.Context, usage *models.Usage) {
			s.settleUsage(ctx, acct, usage)
		})
	}

	actual := s.settleUsage(c.Context(), acct, resp.Usage)
	c.Set("x-request-cost", actual.String())
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(resp.Raw)
}

// handleSubscriberChat is the quota path: admission requires remaining
// quota, consumption happens after the fact from observed usage. A request
// admitted with one token left may consume more; the overshoot is absorbed
// and remaining clamps at zero.
func (s *Server) handleSubscriberChat(c *fiber.Ctx) error {
	userID := s.currentUserID(c)

	sub, err := s.quota.Active(c.Context(), userID)
	if err != nil {
		return s.renderError(c, err)
	}
	if sub == nil {
		return s.renderError(c, apperr.New(apperr.TypeBilling, "no_subscription", "no active subscription"))
	}
	if sub.Remaining() <= 0 {
		return s.renderError(c, apperr.ErrInsufficientQuota)
	}

	body := append([]byte(nil), c.Body()...)
	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if _, err := billing.Lookup(req.Model); err != nil {
		return s.renderError(c, err)
	}
	estPrompt, estCompletion := billing.EstimateTokens(&req)

	resp, err := s.relay(c.Context(), userID, body, req.Stream)
	if err != nil {
		return s.renderError(c, err)
	}

	requestID := uuid.NewString()
	consume := func(ctx context.Context, usage *models.Usage) int64 {
		tokens := estPrompt + estCompletion
		prompt, completion := estPrompt, estCompletion
		if usage != nil {
			tokens = usage.TotalTokens
			if tokens == 0 {
				tokens = usage.PromptTokens + usage.CompletionTokens
			}
			prompt, completion = usage.PromptTokens, usage.CompletionTokens
		}
		if err := s.quota.Consume(ctx, sub.ID, tokens); err != nil {
			s.logger.Error("failed to consume quota", "subscription_id", sub.ID, "error", err)
		}
		s.recordUsage(ctx, &models.UsageLog{
			UserID: userID, RequestID: requestID, Model: req.Model,
			PromptTokens: prompt, CompletionTokens: completion,
			Cost: decimal.Zero,
		})
		return tokens
	}

	c.Set("x-request-id", requestID)

	if resp.Stream {
		return s.streamResponse(c, resp.Body, func(ctx context.Context, usage *models.Usage) {
			consume(ctx, usage)
		})
	}

	// The header reflects the quota after this request's tokens are counted,
	// not the admission-time snapshot.
	remaining := sub.Remaining() - consume(c.Context(), resp.Usage)
	if remaining < 0 {
		remaining = 0
	}
	c.Set("x-quota-remaining", strconv.FormatInt(remaining, 10))
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(resp.Raw)
}

// relay loads the caller's wallet, signs with the scoped key and forwards to
// an inference node, registering the wallet on demand.
func (s *Server) relay(ctx context.Context, userID string, body []byte, stream bool) (*inference.Response, error) {
	var user models.User
	if err := s.db.DB.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, userID); err != nil {
		return nil, err
	}
	if user.ChainAddress == nil || user.EncryptedSeed == nil {
		return nil, apperr.New(apperr.TypeBilling, "no_wallet", "account has no provisioned wallet")
	}
	address, seed := *user.ChainAddress, *user.EncryptedSeed

	register := func(ctx context.Context) error {
		if err := s.custody.Register(ctx, seed, address); err != nil {
			return err
		}
		_, err := s.db.DB.ExecContext(ctx,
			`UPDATE users SET inference_registered = TRUE, registered_at = now() WHERE id = $1`, userID)
		return err
	}

	var resp *inference.Response
	err := s.custody.WithSigningKey(ctx, seed, address, func(priv *secp256k1.PrivateKey) error {
		r, err := s.inference.ChatCompletion(ctx, &inference.Request{
			Body:     body,
			Stream:   stream,
			Key:      priv,
			Address:  address,
			Register: register,
		})
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// streamResponse hands the open upstream body to fasthttp's stream writer.
// The writer runs after this handler returns, so it must not touch the
// fiber context; accounting runs once the stream is fully drained, on a
// fresh background context.
func (s *Server) streamResponse(c *fiber.Ctx, upstream io.ReadCloser, account func(context.Context, *models.Usage)) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")

	logger := s.logger
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer upstream.Close()

		tee := inference.NewUsageTee(upstream)
		buf := make([]byte, 4096)
		for {
			n, err := tee.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					// Client went away; keep draining so usage still arrives.
					_, _ = io.Copy(io.Discard, tee)
					break
				}
				if werr := w.Flush(); werr != nil {
					_, _ = io.Copy(io.Discard, tee)
					break
				}
			}
			if err != nil {
				if err != io.EOF {
					logger.Warn("upstream stream ended abnormally", "error", err)
				}
				break
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		account(ctx, tee.Usage())
	})
	return nil
}

type accounting struct {
	userID    string
	apiKeyID  *int64
	requestID string
	model     string
	price     billing.Price
	estimate  decimal.Decimal
	estPrompt, estCompletion int64
}

// settleUsage resolves the reservation to the exact cost. A stream that
// never reported usage settles at the full reservation: the estimate is the
// contract, and silence from the node is not a discount.
func (s *Server) settleUsage(ctx context.Context, a accounting, usage *models.Usage) decimal.Decimal {
	actual := a.estimate
	prompt, completion := a.estPrompt, a.estCompletion
	if usage != nil {
		actual = a.price.Cost(usage.PromptTokens, usage.CompletionTokens)
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	}

	if _, err := s.ledger.Settle(ctx, a.requestID, actual); err != nil {
		s.logger.Error("failed to settle reservation", "request_id", a.requestID, "error", err)
	}
	s.recordUsage(ctx, &models.UsageLog{
		UserID: a.userID, APIKeyID: a.apiKeyID, RequestID: a.requestID, Model: a.model,
		PromptTokens: prompt, CompletionTokens: completion, Cost: actual,
	})
	return actual
}

// recordUsage appends the usage row and fans the event out to Kafka.
// Both are best-effort relative to the response already sent.
func (s *Server) recordUsage(ctx context.Context, log *models.UsageLog) {
	if err := s.ledger.RecordUsage(ctx, log); err != nil {
		s.logger.Error("failed to record usage", "request_id", log.RequestID, "error", err)
	}
	if s.producer == nil {
		return
	}
	payload, err := json.Marshal(log)
	if err != nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.cfg.Kafka.UsageTopic,
		Key:   sarama.StringEncoder(log.UserID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		s.logger.Warn("failed to publish usage event", "request_id", log.RequestID, "error", err)
	}
}
