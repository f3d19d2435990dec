package models

import "time"

// KeyPrefix is prepended to every issued credential so it can't be confused
// with identity-provider JWTs or payment-provider secrets.
const KeyPrefix = "sk-ng-"

// APIKey stores only a SHA-256 hash of the credential plus a short display
// prefix. The raw key is shown once at creation and never persisted.
// RevokedAt is a soft delete: once set the key is permanently unusable.
type APIKey struct {
	ID         int64      `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}
