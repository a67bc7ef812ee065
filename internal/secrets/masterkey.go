package secrets

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/tink-crypto/tink-go-awskms/v3/integration/awskms"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const kmsKeyURIPrefix = "aws-kms://"

// EnvelopeClient is the AWS API surface needed to protect key material.
type EnvelopeClient interface {
	KMSClient
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
}

// NewMasterKey returns the KMS key keyARN as a Tink AEAD. It only wraps the
// cache keyset: cache values are encrypted locally with the keyset it
// unlocks.
func NewMasterKey(client EnvelopeClient, keyARN string) (tink.AEADWithContext, error) {
	if keyARN == "" {
		return nil, errors.New("master key ARN is required")
	}

	master, err := awskms.NewAEADWithContext(kmsKeyURIPrefix+keyARN, awskms.WithKMS(client))
	if err != nil {
		return nil, fmt.Errorf("creating KMS AEAD: %w", err)
	}

	return master, nil
}

// NewAWSMasterKey creates the master key using the default AWS credential
// chain.
func NewAWSMasterKey(ctx context.Context, keyARN string) (tink.AEADWithContext, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewMasterKey(kms.NewFromConfig(cfg), keyARN)
}
