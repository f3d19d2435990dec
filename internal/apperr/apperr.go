// Package apperr defines the error taxonomy shared across the gateway.
// Handlers map these onto the {message, type, code} wire shape; everything
// below the HTTP layer wraps causes with %w so errors.Is/As keep working.
package apperr

import (
	"errors"
	"fmt"
)

type Type string

const (
	TypeAuth        Type = "auth_error"
	TypeVault       Type = "vault_error"
	TypeWallet      Type = "wallet_error"
	TypeSigning     Type = "signing_error"
	TypeUpstream    Type = "upstream_error"
	TypeRateLimited Type = "rate_limited"
	TypeBilling     Type = "billing_error"
	TypeConfig      Type = "config_error"
)

// Error is the canonical application error. Message must never contain
// secret material; anything sensitive belongs in the wrapped cause, which
// stays server-side.
type Error struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets sentinel comparisons match on type+code, ignoring the cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

func New(t Type, code, msg string) *Error {
	return &Error{Type: t, Code: code, Message: msg}
}

func Wrap(t Type, code, msg string, cause error) *Error {
	return &Error{Type: t, Code: code, Message: msg, cause: cause}
}

// Sentinels used across packages. Compare with errors.Is.
var (
	ErrUnauthenticated     = New(TypeAuth, "unauthenticated", "missing or invalid credential")
	ErrKeyRevoked          = New(TypeAuth, "key_revoked", "API key has been revoked")
	ErrInsufficientBalance = New(TypeBilling, "insufficient_balance", "balance too low for this request")
	ErrInsufficientQuota   = New(TypeBilling, "insufficient_quota", "subscription token quota exhausted")
	ErrUnknownModel        = New(TypeBilling, "unknown_model", "model is not in the price table")
	ErrRateLimited         = New(TypeRateLimited, "rate_limited", "too many requests")
	ErrVaultTampered       = New(TypeVault, "auth_tag_mismatch", "envelope failed authentication")
	ErrAddressMismatch     = New(TypeWallet, "address_mismatch", "derived address does not match stored address")
	ErrUpstream            = New(TypeUpstream, "upstream_failed", "inference node returned an error")
	ErrNotRegistered       = New(TypeUpstream, "not_registered", "wallet is not registered with the inference network")
)

// TypeOf reports the taxonomy type of err, or "" for untyped errors.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}
