package billing

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/neurongate/gateway/internal/models"
)

// Transfers tracks treasury → user on-chain sends. A failed send never
// blocks subscription activation; the row stays `failed` until the worker
// retries it.
type Transfers struct {
	db *sqlx.DB
}

func NewTransfers(db *sqlx.DB) *Transfers {
	return &Transfers{db: db}
}

func (t *Transfers) Create(ctx context.Context, userID, toAddress string, amount int64) (int64, error) {
	var id int64
	err := t.db.QueryRowxContext(ctx,
		`INSERT INTO token_transfers (user_id, to_address, amount, status)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		userID, toAddress, amount, models.TransferPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create token transfer: %w", err)
	}
	return id, nil
}

func (t *Transfers) MarkSuccess(ctx context.Context, id int64, txHash string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE token_transfers SET status = $2, tx_hash = $3, error = NULL, updated_at = now() WHERE id = $1`,
		id, models.TransferSuccess, txHash,
	)
	if err != nil {
		return fmt.Errorf("mark transfer success: %w", err)
	}
	return nil
}

func (t *Transfers) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE token_transfers SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, models.TransferFailed, cause,
	)
	if err != nil {
		return fmt.Errorf("mark transfer failed: %w", err)
	}
	return nil
}

func (t *Transfers) Get(ctx context.Context, id int64) (*models.TokenTransfer, error) {
	var tr models.TokenTransfer
	if err := t.db.GetContext(ctx, &tr, `SELECT * FROM token_transfers WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("load token transfer: %w", err)
	}
	return &tr, nil
}
