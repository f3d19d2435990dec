package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/neurongate/gateway/internal/models"
)

// Quota is the subscription token-quota strategy. Canceled subscriptions
// never grant access; a partial unique index in the schema guarantees at
// most one non-canceled subscription per user.
type Quota struct {
	db *sqlx.DB
}

func NewQuota(db *sqlx.DB) *Quota {
	return &Quota{db: db}
}

// Active returns the user's non-canceled subscription, or nil if none.
func (q *Quota) Active(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := q.db.GetContext(ctx, &sub,
		`SELECT * FROM subscriptions WHERE user_id = $1 AND status <> $2`,
		userID, models.SubscriptionCanceled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return &sub, nil
}

// Consume atomically increments tokens_used by the observed count. A single
// UPDATE at the storage layer, never read-modify-write, so concurrent
// requests from the same user cannot lose updates. Usage may push
// tokens_used past tokens_allocated; remaining is clamped on read.
func (q *Quota) Consume(ctx context.Context, subscriptionID, tokens int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE subscriptions SET tokens_used = tokens_used + $1 WHERE id = $2`,
		tokens, subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("consume quota: %w", err)
	}
	return nil
}

// Upsert creates or tops up the subscription for a provider subscription
// id, at the given tier (free for trials, active for paid plans). A second
// creation event for the same id sums the allocation instead of overwriting
// it.
func (q *Quota) Upsert(ctx context.Context, userID, providerSubID, status string, tokens int64, periodStart, periodEnd time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, provider_sub_id, status, tokens_allocated, tokens_used, period_start, period_end)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)
		 ON CONFLICT (provider_sub_id) DO UPDATE SET
		   tokens_allocated = subscriptions.tokens_allocated + EXCLUDED.tokens_allocated,
		   status = EXCLUDED.status,
		   period_start = EXCLUDED.period_start,
		   period_end = EXCLUDED.period_end`,
		userID, providerSubID, status, tokens, periodStart, periodEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// TopUp adds the renewal allocation for an existing subscription.
func (q *Quota) TopUp(ctx context.Context, providerSubID string, tokens int64, periodStart, periodEnd time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET tokens_allocated = tokens_allocated + $2, period_start = $3, period_end = $4
		 WHERE provider_sub_id = $1 AND status <> $5`,
		providerSubID, tokens, periodStart, periodEnd, models.SubscriptionCanceled,
	)
	if err != nil {
		return fmt.Errorf("top up subscription: %w", err)
	}
	return nil
}

// SyncPeriod moves the billing window without touching the allocation.
// Renewal grants come through TopUp; this only keeps the dates honest when
// the provider reports a plan change.
func (q *Quota) SyncPeriod(ctx context.Context, providerSubID string, periodStart, periodEnd time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE subscriptions SET period_start = $2, period_end = $3
		 WHERE provider_sub_id = $1 AND status <> $4`,
		providerSubID, periodStart, periodEnd, models.SubscriptionCanceled,
	)
	if err != nil {
		return fmt.Errorf("sync subscription period: %w", err)
	}
	return nil
}

// Cancel marks the subscription canceled and stamps the time. Canceled rows
// are excluded from Active and therefore from the access check.
func (q *Quota) Cancel(ctx context.Context, providerSubID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = $2, canceled_at = now() WHERE provider_sub_id = $1`,
		providerSubID, models.SubscriptionCanceled,
	)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}
