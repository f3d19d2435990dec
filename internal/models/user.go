package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is created on first sign-in with the identity provider's stable id as
// the primary key. Balance and wallet columns are only ever touched by the
// billing ledger and wallet custody.
type User struct {
	ID                string          `json:"id" db:"id"`
	Email             string          `json:"email" db:"email"`
	Balance           decimal.Decimal `json:"balance" db:"balance"`
	ChainAddress      *string         `json:"chain_address,omitempty" db:"chain_address"`
	EncryptedSeed     *string         `json:"-" db:"encrypted_seed"`
	InferenceRegistered bool          `json:"inference_registered" db:"inference_registered"`
	RegisteredAt      *time.Time      `json:"registered_at,omitempty" db:"registered_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}
