// Package wallet derives and custodies per-user chain wallets. Seed phrases
// exist in plaintext only inside the narrowest scope that needs them; every
// intermediate buffer is zeroed on all exit paths.
package wallet

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160"

	"github.com/neurongate/gateway/internal/apperr"
)

// The network uses the Cosmos coin type. Signing and registration are two
// deliberately distinct identities at neighboring leaves; do not unify them
// without coordinating with the verifier side.
const (
	coinType = 118

	// SigningIndex derives m/44'/118'/0'/0/0, the key inference requests
	// are signed with.
	SigningIndex uint32 = 0
	// RegistrationIndex derives m/44'/118'/0'/0/1, the identity presented
	// at participant registration.
	RegistrationIndex uint32 = 1
)

// NewMnemonic generates a fresh 24-word seed phrase from 256 bits of CSPRNG
// entropy.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "entropy", "entropy generation failed", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "mnemonic", "mnemonic generation failed", err)
	}
	return mnemonic, nil
}

// DeriveKey converts mnemonic → BIP-39 seed → HD child key at
// m/44'/118'/0'/0/<index>. The caller owns the returned key and must call
// Zero() on it. The intermediate seed is wiped before return.
func DeriveKey(mnemonic string, index uint32) (*secp256k1.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeWallet, "bad_mnemonic", "mnemonic failed checksum validation", err)
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeWallet, "derivation", "master key derivation failed", err)
	}
	defer master.Zero()

	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}
	key := master
	for _, step := range path {
		next, err := key.Derive(step)
		if err != nil {
			return nil, apperr.Wrap(apperr.TypeWallet, "derivation", "child key derivation failed", err)
		}
		if key != master {
			key.Zero()
		}
		key = next
	}
	defer func() {
		if key != master {
			key.Zero()
		}
	}()

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeWallet, "derivation", "private key extraction failed", err)
	}
	return priv, nil
}

// DeriveAddress is pure and deterministic: compressed signing pubkey →
// SHA-256 → RIPEMD-160 → bech32 with the chain's address prefix. It is used
// both to create wallets and to detect vault corruption (stored address vs
// recomputed address).
func DeriveAddress(mnemonic, prefix string) (string, error) {
	priv, err := DeriveKey(mnemonic, SigningIndex)
	if err != nil {
		return "", err
	}
	defer priv.Zero()
	return AddressFromPubKey(priv.PubKey().SerializeCompressed(), prefix)
}

// AddressFromPubKey encodes a compressed secp256k1 public key as a bech32
// account address.
func AddressFromPubKey(compressed []byte, prefix string) (string, error) {
	sha := sha256.Sum256(compressed)
	h := ripemd160.New()
	h.Write(sha[:])
	converted, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "address_encode", "bech32 conversion failed", err)
	}
	addr, err := bech32.Encode(prefix, converted)
	if err != nil {
		return "", apperr.Wrap(apperr.TypeWallet, "address_encode", "bech32 encoding failed", err)
	}
	return addr, nil
}

// FormatAmount renders an atomic amount as a decimal with a fixed exponent,
// truncating (never rounding) the fractional part.
func FormatAmount(atomic *big.Int, exponent int) string {
	if exponent <= 0 {
		return atomic.String()
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exponent)), nil)
	whole, frac := new(big.Int).QuoRem(atomic, div, new(big.Int))
	fracStr := strings.TrimRight(fmt.Sprintf("%0*s", exponent, frac.Abs(frac).String()), "0")
	if fracStr == "" {
		return whole.String()
	}
	return whole.String() + "." + fracStr
}
