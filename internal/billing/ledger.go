// Package billing holds the two coexisting accounting strategies: the
// dollar-balance ledger used by API-key traffic (reserve upper bound, settle
// to exact cost) and the token-quota ledger used by subscription traffic.
// All money movement is single-statement conditional UPDATEs at the storage
// layer; there is no application-level read-modify-write and no in-process
// lock, because multiple gateway instances run against the same rows.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/neurongate/gateway/internal/apperr"
	"github.com/neurongate/gateway/internal/models"
)

type Ledger struct {
	db *sqlx.DB
}

func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

// Reserve debits the estimated upper bound and appends a pending usage
// entry keyed by requestID. The "balance >= amount" predicate in the UPDATE
// is the entire double-spend defense: zero rows affected means insufficient
// funds, and a concurrent burst can never reserve more than the balance
// holds.
func (l *Ledger) Reserve(ctx context.Context, userID, requestID string, amount decimal.Decimal) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	var balanceAfter decimal.Decimal
	err = tx.QueryRowxContext(ctx,
		`UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1 RETURNING balance`,
		amount, userID,
	).Scan(&balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrInsufficientBalance
	}
	if err != nil {
		return fmt.Errorf("reserve balance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, type, status, amount, reserved, balance_after, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		userID, models.TxTypeUsage, models.TxStatusPending, amount.Neg(), amount, balanceAfter, requestID,
	)
	if err != nil {
		return fmt.Errorf("append pending transaction: %w", err)
	}
	return tx.Commit()
}

// Settle resolves the pending entry for requestID to the exact cost and
// refunds reserved minus actual. The status='pending' predicate makes this
// idempotent: replays and crash-recovery retries find zero rows and do
// nothing. Actual cost beyond the reservation is clamped to the reserved
// amount; the estimate is the contract with the caller.
func (l *Ledger) Settle(ctx context.Context, requestID string, actual decimal.Decimal) (decimal.Decimal, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin settle tx: %w", err)
	}
	defer tx.Rollback()

	var (
		userID   string
		reserved decimal.Decimal
	)
	err = tx.QueryRowxContext(ctx,
		`UPDATE transactions
		 SET status = $2, amount = $3, settled_at = now()
		 WHERE request_id = $1 AND status = $4
		 RETURNING user_id, reserved`,
		requestID, models.TxStatusSettled, actual.Neg(), models.TxStatusPending,
	).Scan(&userID, &reserved)
	if errors.Is(err, sql.ErrNoRows) {
		// Already settled (or never reserved): nothing to do.
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("settle transaction: %w", err)
	}

	if actual.Cmp(reserved) > 0 {
		slog.Warn("actual cost exceeded reservation, clamping",
			"request_id", requestID, "reserved", reserved.String(), "actual", actual.String())
		actual = reserved
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET amount = $2 WHERE request_id = $1`, requestID, actual.Neg()); err != nil {
			return decimal.Zero, fmt.Errorf("clamp settled amount: %w", err)
		}
	}

	refund := reserved.Sub(actual)
	if refund.Sign() > 0 {
		var balanceAfter decimal.Decimal
		err = tx.QueryRowxContext(ctx,
			`UPDATE users SET balance = balance + $1 WHERE id = $2 RETURNING balance`,
			refund, userID,
		).Scan(&balanceAfter)
		if err != nil {
			return decimal.Zero, fmt.Errorf("refund reservation remainder: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET balance_after = $2 WHERE request_id = $1`,
			requestID, balanceAfter,
		); err != nil {
			return decimal.Zero, fmt.Errorf("update settled snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return refund, nil
}

// Release cancels a reservation entirely: the upstream call never happened,
// so the entry is retyped to a refund and the full hold is returned. Money
// is never held on a failure path. Same pending-predicate idempotency as
// Settle.
func (l *Ledger) Release(ctx context.Context, requestID string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	var (
		userID   string
		reserved decimal.Decimal
	)
	err = tx.QueryRowxContext(ctx,
		`UPDATE transactions
		 SET status = $2, type = $3, amount = 0, settled_at = now()
		 WHERE request_id = $1 AND status = $4
		 RETURNING user_id, reserved`,
		requestID, models.TxStatusSettled, models.TxTypeRefund, models.TxStatusPending,
	).Scan(&userID, &reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release transaction: %w", err)
	}

	var balanceAfter decimal.Decimal
	err = tx.QueryRowxContext(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id = $2 RETURNING balance`,
		reserved, userID,
	).Scan(&balanceAfter)
	if err != nil {
		return fmt.Errorf("return reservation hold: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET balance_after = $2 WHERE request_id = $1`,
		requestID, balanceAfter,
	); err != nil {
		return fmt.Errorf("update released snapshot: %w", err)
	}
	return tx.Commit()
}

// Credit applies a one-time purchase exactly once: if a transaction already
// exists for the provider's payment id, the replay is a no-op.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, providerPaymentID string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE provider_payment_id = $1)`,
		providerPaymentID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check payment dedup: %w", err)
	}
	if exists {
		return nil
	}

	var balanceAfter decimal.Decimal
	err = tx.QueryRowxContext(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id = $2 RETURNING balance`,
		amount, userID,
	).Scan(&balanceAfter)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, type, status, amount, reserved, balance_after, provider_payment_id)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		userID, models.TxTypePurchase, models.TxStatusSettled, amount, balanceAfter, providerPaymentID,
	)
	if err != nil {
		return fmt.Errorf("append purchase transaction: %w", err)
	}
	return tx.Commit()
}

// RecordUsage appends the immutable usage log row for a completed call.
func (l *Ledger) RecordUsage(ctx context.Context, log *models.UsageLog) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_logs (user_id, api_key_id, request_id, model, prompt_tokens, completion_tokens, cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.UserID, log.APIKeyID, log.RequestID, log.Model, log.PromptTokens, log.CompletionTokens, log.Cost,
	)
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}
