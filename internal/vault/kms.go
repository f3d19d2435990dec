package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KeyService is the root of trust for envelope encryption. The managed
// master key never leaves the service; we only ever see per-envelope data
// keys and their wrapped form.
type KeyService interface {
	// GenerateDataKey returns a fresh 256-bit plaintext data key and the
	// same key wrapped under the managed master key.
	GenerateDataKey(ctx context.Context) (plaintext, wrapped []byte, err error)
	// DecryptDataKey unwraps a previously wrapped data key.
	DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

const kmsCallTimeout = 10 * time.Second

// KMSKeyService implements KeyService against AWS KMS.
type KMSKeyService struct {
	client *kms.Client
	keyID  string
}

func NewKMSKeyService(ctx context.Context, region, keyID string) (*KMSKeyService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &KMSKeyService{client: kms.NewFromConfig(cfg), keyID: keyID}, nil
}

func (s *KMSKeyService) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, kmsCallTimeout)
	defer cancel()

	out, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.keyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("kms GenerateDataKey: %w", err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (s *KMSKeyService) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, kmsCallTimeout)
	defer cancel()

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(s.keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("kms Decrypt: %w", err)
	}
	return out.Plaintext, nil
}
