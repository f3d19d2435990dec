package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TxTypePurchase = "purchase"
	TxTypeUsage    = "usage"
	TxTypeRefund   = "refund"

	TxStatusPending = "pending"
	TxStatusSettled = "settled"
)

// Transaction is an immutable, append-only dollar ledger entry. Amount is
// signed (credits positive, debits negative) and BalanceAfter snapshots the
// balance after the entry was applied. Usage entries start out pending with
// the reserved upper bound and are settled once to the exact cost, keyed by
// RequestID.
type Transaction struct {
	ID                int64           `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Type              string          `json:"type" db:"type"`
	Status            string          `json:"status" db:"status"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Reserved          decimal.Decimal `json:"reserved" db:"reserved"`
	BalanceAfter      decimal.Decimal `json:"balance_after" db:"balance_after"`
	RequestID         *string         `json:"request_id,omitempty" db:"request_id"`
	ProviderPaymentID *string         `json:"provider_payment_id,omitempty" db:"provider_payment_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	SettledAt         *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// UsageLog records one completed (or stream-terminated) inference call.
// Rows are append-only; only the retention sweep removes them.
type UsageLog struct {
	ID               int64           `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	APIKeyID         *int64          `json:"api_key_id,omitempty" db:"api_key_id"`
	RequestID        string          `json:"request_id" db:"request_id"`
	Model            string          `json:"model" db:"model"`
	PromptTokens     int64           `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens" db:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost" db:"cost"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

const (
	TransferPending = "pending"
	TransferSuccess = "success"
	TransferFailed  = "failed"
)

// TokenTransfer records an on-chain send from the treasury wallet to a user
// wallet. Failed transfers are retried by the worker.
type TokenTransfer struct {
	ID        int64     `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	ToAddress string    `json:"to_address" db:"to_address"`
	Amount    int64     `json:"amount" db:"amount"`
	Status    string    `json:"status" db:"status"`
	TxHash    *string   `json:"tx_hash,omitempty" db:"tx_hash"`
	Error     *string   `json:"error,omitempty" db:"error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
