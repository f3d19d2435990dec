// Package signing implements the request-signing protocol verified
// independently by inference nodes. Every step here is exact, not
// "equivalent": the verifier recomputes the same canonical bytes and will
// reject anything that differs by a single byte.
package signing

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/neurongate/gateway/internal/apperr"
)

// SignatureSize is the raw r‖s length before base64.
const SignatureSize = 64

// Canonical builds the message the verifier expects:
// hex(SHA-256(payload)) ++ decimal nanosecond timestamp ++ counterparty
// address, concatenated with no separators.
func Canonical(payload []byte, timestampNanos int64, counterparty string) []byte {
	digest := sha256.Sum256(payload)
	msg := hex.EncodeToString(digest[:]) + strconv.FormatInt(timestampNanos, 10) + counterparty
	return []byte(msg)
}

// Sign produces the base64 signature over the canonical message. The
// signature is deterministic (RFC 6979 nonces) and low-S normalized, so the
// same key, payload, timestamp and address always yield identical bytes.
// The timestamp passed here must be the one transmitted with the request;
// regenerating it after signing breaks verification.
func Sign(priv *secp256k1.PrivateKey, payload []byte, timestampNanos int64, counterparty string) (string, error) {
	if priv == nil {
		return "", apperr.New(apperr.TypeSigning, "no_key", "missing signing key")
	}
	msgHash := sha256.Sum256(Canonical(payload, timestampNanos, counterparty))

	// SignCompact is deterministic and already clamps S to the lower half
	// of the curve order. Layout is [recovery‖r‖s]; the verifier wants raw
	// r‖s, 32 bytes each, left-zero-padded.
	compact := ecdsa.SignCompact(priv, msgHash[:], true)
	if len(compact) != SignatureSize+1 {
		return "", apperr.New(apperr.TypeSigning, "bad_signature", "unexpected compact signature length")
	}
	return base64.StdEncoding.EncodeToString(compact[1:]), nil
}
