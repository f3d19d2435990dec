package wallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/neurongate/gateway/internal/apperr"
	"github.com/neurongate/gateway/internal/chain"
	"github.com/neurongate/gateway/internal/signing"
	"github.com/neurongate/gateway/internal/vault"
)

// Custody owns wallet lifecycle: generation, registration, balance and
// treasury transfers. It is the only component allowed to decrypt seeds.
type Custody struct {
	vault  *vault.Vault
	chain  *chain.Client
	prefix string
	denom  string
}

func NewCustody(v *vault.Vault, c *chain.Client, addressPrefix, denom string) *Custody {
	return &Custody{vault: v, chain: c, prefix: addressPrefix, denom: denom}
}

// Generated is what leaves GenerateWallet: the address and the opaque
// envelope. The plaintext mnemonic does not outlive the call.
type Generated struct {
	Address       string
	EncryptedSeed string
}

func (c *Custody) GenerateWallet(ctx context.Context) (*Generated, error) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, err
	}
	address, err := DeriveAddress(mnemonic, c.prefix)
	if err != nil {
		return nil, err
	}
	sealed, err := c.vault.Encrypt(ctx, vault.NewSecret([]byte(mnemonic)))
	if err != nil {
		return nil, err
	}
	return &Generated{Address: address, EncryptedSeed: sealed}, nil
}

// withMnemonic decrypts the envelope, verifies the derived address against
// the stored one when provided (mismatch means vault corruption or
// tampering, a hard failure), runs fn, and wipes the plaintext on every
// path.
func (c *Custody) withMnemonic(ctx context.Context, encryptedSeed, expectAddress string, fn func(mnemonic string) error) error {
	secret, err := c.vault.Decrypt(ctx, encryptedSeed)
	if err != nil {
		return err
	}
	defer secret.Zero()

	mnemonic := string(secret.Bytes())
	if expectAddress != "" {
		derived, err := DeriveAddress(mnemonic, c.prefix)
		if err != nil {
			return err
		}
		if derived != expectAddress {
			return apperr.ErrAddressMismatch
		}
	}
	return fn(mnemonic)
}

// WithSigningKey decrypts the seed, derives the signing key and runs fn
// with it. The key is zeroed when fn returns, success or not; fn must not
// retain it.
func (c *Custody) WithSigningKey(ctx context.Context, encryptedSeed, address string, fn func(priv *secp256k1.PrivateKey) error) error {
	return c.withMnemonic(ctx, encryptedSeed, address, func(mnemonic string) error {
		priv, err := DeriveKey(mnemonic, SigningIndex)
		if err != nil {
			return err
		}
		defer priv.Zero()
		return fn(priv)
	})
}

// Balance queries the chain for the address's holdings in the smallest
// denomination. Errors are typed and distinguishable from a zero balance.
func (c *Custody) Balance(ctx context.Context, address string) (*big.Int, error) {
	return c.chain.Balance(ctx, address, c.denom)
}

// Register presents the wallet's registration identity to the inference
// network. Tolerant of "already registered".
func (c *Custody) Register(ctx context.Context, encryptedSeed, address string) error {
	return c.withMnemonic(ctx, encryptedSeed, address, func(mnemonic string) error {
		priv, err := DeriveKey(mnemonic, RegistrationIndex)
		if err != nil {
			return err
		}
		defer priv.Zero()
		pub := base64.StdEncoding.EncodeToString(priv.PubKey().SerializeCompressed())
		return c.chain.RegisterParticipant(ctx, pub, address)
	})
}

// SendTokens builds, signs and broadcasts a single bank transfer. The
// decrypted seed and derived key are zeroed whether the broadcast succeeds
// or not. A non-zero chain result code surfaces as an error, never a hash.
func (c *Custody) SendTokens(ctx context.Context, encryptedSeed, fromAddress, toAddress string, atomicAmount *big.Int) (string, error) {
	if atomicAmount == nil || atomicAmount.Sign() <= 0 {
		return "", apperr.New(apperr.TypeWallet, "bad_amount", "transfer amount must be positive")
	}

	balance, err := c.chain.Balance(ctx, fromAddress, c.denom)
	if err != nil {
		return "", err
	}
	if balance.Cmp(atomicAmount) < 0 {
		return "", apperr.New(apperr.TypeWallet, "insufficient_funds", "on-chain balance too low for transfer")
	}

	var txHash string
	err = c.withMnemonic(ctx, encryptedSeed, fromAddress, func(mnemonic string) error {
		priv, err := DeriveKey(mnemonic, SigningIndex)
		if err != nil {
			return err
		}
		defer priv.Zero()

		body, err := json.Marshal(map[string]string{
			"from_address": fromAddress,
			"to_address":   toAddress,
			"amount":       atomicAmount.String(),
			"denom":        c.denom,
		})
		if err != nil {
			return apperr.Wrap(apperr.TypeWallet, "broadcast", "failed to encode transfer body", err)
		}

		ts := time.Now().UnixNano()
		sig, err := signing.Sign(priv, body, ts, toAddress)
		if err != nil {
			return err
		}

		txHash, err = c.chain.BroadcastTransfer(ctx, chain.TransferTx{
			FromAddress: fromAddress,
			ToAddress:   toAddress,
			Amount:      atomicAmount.String(),
			Denom:       c.denom,
			PubKey:      base64.StdEncoding.EncodeToString(priv.PubKey().SerializeCompressed()),
			Timestamp:   ts,
			Signature:   sig,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return txHash, nil
}
