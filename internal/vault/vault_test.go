package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurongate/gateway/internal/apperr"
)

// fakeKeyService wraps data keys by XOR with a fixed master byte so that
// round-trips work without any network dependency.
type fakeKeyService struct {
	generateErr error
	decryptErr  error
}

func (f *fakeKeyService) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	if f.generateErr != nil {
		return nil, nil, f.generateErr
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	wrapped := make([]byte, len(key))
	for i, b := range key {
		wrapped[i] = b ^ 0x5a
	}
	return key, wrapped, nil
}

func (f *fakeKeyService) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	key := make([]byte, len(wrapped))
	for i, b := range wrapped {
		key[i] = b ^ 0x5a
	}
	return key, nil
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New(&fakeKeyService{})
	ctx := context.Background()

	cases := []string{
		"",
		"abandon ability able about above absent absorb abstract absurd abuse access accident",
		strings.Repeat("multi-kilobyte plaintext ", 200),
	}
	for _, plaintext := range cases {
		opaque, err := v.Encrypt(ctx, NewSecret([]byte(plaintext)))
		require.NoError(t, err)

		got, err := v.Decrypt(ctx, opaque)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(got.Bytes()))
		got.Zero()
	}
}

func TestEncryptZeroesInput(t *testing.T) {
	v := New(&fakeKeyService{})
	buf := []byte("super secret seed phrase")
	_, err := v.Encrypt(context.Background(), NewSecret(buf))
	require.NoError(t, err)

	for _, b := range buf {
		assert.Zero(t, b, "plaintext buffer must be wiped after Encrypt")
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	v := New(&fakeKeyService{})
	ctx := context.Background()

	opaque, err := v.Encrypt(ctx, NewSecret([]byte("tamper target")))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(opaque)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	tamper := func(mutate func(e *envelope)) error {
		e := env
		mutate(&e)
		b, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = v.Decrypt(ctx, base64.StdEncoding.EncodeToString(b))
		return err
	}

	flip := func(t *testing.T, b64 string) string {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		require.NoError(t, err)
		require.NotEmpty(t, decoded)
		decoded[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(decoded)
	}

	err = tamper(func(e *envelope) { e.Ciphertext = flip(t, e.Ciphertext) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrVaultTampered))

	err = tamper(func(e *envelope) { e.Tag = flip(t, e.Tag) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrVaultTampered))
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	v := New(&fakeKeyService{})
	env := `{"v":2,"alg":"AES-256-GCM","edk":"","iv":"","ct":"","tag":""}`
	_, err := v.Decrypt(context.Background(), base64.StdEncoding.EncodeToString([]byte(env)))
	require.Error(t, err)
	assert.Equal(t, apperr.TypeVault, apperr.TypeOf(err))
}

func TestDecryptSurfacesKeyServiceFailure(t *testing.T) {
	ctx := context.Background()
	v := New(&fakeKeyService{})
	opaque, err := v.Encrypt(ctx, NewSecret([]byte("payload")))
	require.NoError(t, err)

	broken := New(&fakeKeyService{decryptErr: errors.New("kms down")})
	_, err = broken.Decrypt(ctx, opaque)
	require.Error(t, err)
	assert.Equal(t, apperr.TypeVault, apperr.TypeOf(err))
}
