// Package vault envelope-encrypts short secrets (wallet seed phrases) with
// AES-256-GCM under per-envelope data keys from a remote key-management
// service. Plaintext secrets and unwrapped data keys are zeroed before any
// function here returns, on error paths included.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/neurongate/gateway/internal/apperr"
)

const (
	envelopeVersion = 1
	envelopeAlg     = "AES-256-GCM"
	nonceSize       = 12
)

// envelope is the only on-disk representation of a secret. All binary
// fields are base64 inside the JSON, and the whole envelope is base64-wrapped
// again so it stores as an opaque text column.
type envelope struct {
	Version    int    `json:"v"`
	Algorithm  string `json:"alg"`
	WrappedKey string `json:"edk"`
	Nonce      string `json:"iv"`
	Ciphertext string `json:"ct"`
	Tag        string `json:"tag"`
}

type Vault struct {
	keys KeyService
}

func New(keys KeyService) *Vault {
	return &Vault{keys: keys}
}

// Encrypt seals plaintext into an opaque envelope string. The input Secret
// is zeroed before return regardless of outcome.
func (v *Vault) Encrypt(ctx context.Context, plaintext *Secret) (string, error) {
	defer plaintext.Zero()

	dataKey, wrapped, err := v.keys.GenerateDataKey(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeVault, "kms_failed", "key service unavailable", err)
	}
	key := NewSecret(dataKey)
	defer key.Zero()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return "", apperr.Wrap(apperr.TypeVault, "cipher_init", "cipher initialization failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeVault, "cipher_init", "cipher initialization failed", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Wrap(apperr.TypeVault, "nonce", "nonce generation failed", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext.Bytes(), nil)
	ct, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	env := envelope{
		Version:    envelopeVersion,
		Algorithm:  envelopeAlg,
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeVault, "encode", "envelope encoding failed", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens an envelope produced by Encrypt. The returned Secret is
// owned by the caller, who must Zero it. A GCM tag mismatch means tampering
// or the wrong master key and is surfaced as ErrVaultTampered, never as
// corrupted plaintext.
func (v *Vault) Decrypt(ctx context.Context, opaque string) (*Secret, error) {
	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "decode", "envelope is not valid base64", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "decode", "envelope is not valid JSON", err)
	}
	if env.Version != envelopeVersion || env.Algorithm != envelopeAlg {
		return nil, apperr.New(apperr.TypeVault, "unsupported_envelope", "unrecognized envelope version or algorithm")
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "decode", "wrapped key is not valid base64", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "decode", "nonce is not valid base64", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "decode", "ciphertext is not valid base64", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "decode", "tag is not valid base64", err)
	}

	dataKey, err := v.keys.DecryptDataKey(ctx, wrapped)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "kms_failed", "key service unavailable", err)
	}
	key := NewSecret(dataKey)
	defer key.Zero()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "cipher_init", "cipher initialization failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "cipher_init", "cipher initialization failed", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeVault, "auth_tag_mismatch", "envelope failed authentication", err)
	}
	return NewSecret(plaintext), nil
}
