package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
)

// KMSClient defines the AWS API surface required to decrypt app secrets.
type KMSClient interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Decrypter turns KMS ciphertext from the app configuration into plaintext
// secrets.
type Decrypter struct {
	client KMSClient
}

// NewDecrypter creates a Decrypter using the supplied client.
func NewDecrypter(client KMSClient) *Decrypter {
	return &Decrypter{client: client}
}

// NewAWSDecrypter creates a Decrypter using the default AWS credential chain.
func NewAWSDecrypter(ctx context.Context) (*Decrypter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewDecrypter(kms.NewFromConfig(cfg)), nil
}

// Decrypt decodes the base64 ciphertext and decrypts it with KMS. keyID may
// be empty for symmetric keys, where KMS reads the key from the ciphertext
// metadata.
func (d *Decrypter) Decrypt(ctx context.Context, ciphertext, keyID string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("secret ciphertext is not valid base64: %w", err)
	}
	if len(blob) == 0 {
		return "", errors.New("secret ciphertext is empty")
	}

	in := &kms.DecryptInput{CiphertextBlob: blob}
	if keyID != "" {
		in.KeyId = aws.String(keyID)
	}

	out, err := d.client.Decrypt(ctx, in)
	if err != nil {
		return "", fmt.Errorf("KMS decryption failed: %w", err)
	}
	if len(out.Plaintext) == 0 {
		return "", errors.New("KMS returned an empty secret")
	}

	log.Ctx(ctx).Debug().Str("key_id", aws.ToString(out.KeyId)).Msg("decrypted app secret")

	return string(out.Plaintext), nil
}
