package encryption

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// Validate performs a test encryption/decryption cycle to verify the AEAD is
// working. Call this at startup to fail fast if encryption is misconfigured.
func Validate(a tink.AEAD) error {
	testPlaintext := []byte("wechat-bridge-encryption-test")
	testAAD := []byte("validation")

	ciphertext, err := a.Encrypt(testPlaintext, testAAD)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, testAAD)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, decrypted) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// NewAEADFromFile creates a tink.AEAD from a JSON keyset file whose key
// material is encrypted with master. The master key is only used while the
// keyset is read; values are encrypted locally.
func NewAEADFromFile(ctx context.Context, path string, master tink.AEADWithContext) (tink.AEAD, error) {
	if master == nil {
		return nil, fmt.Errorf("a master key is required to read keyset %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyset: %w", err)
	}

	handle, err := keyset.ReadWithContext(ctx, keyset.NewJSONReader(bytes.NewReader(data)), master, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting keyset: %w", err)
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(primitive); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return primitive, nil
}

// NewTestAEAD creates a tink.AEAD for testing without KMS.
// Only use in tests: keys are not persisted or protected.
func NewTestAEAD() (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating test AEAD primitive: %w", err)
	}
	return primitive, nil
}

// NewTestMasterKey creates a local master key for wrapping test keysets.
// Only use in tests: the key is not persisted.
func NewTestMasterKey() (tink.AEADWithContext, error) {
	primitive, err := NewTestAEAD()
	if err != nil {
		return nil, err
	}
	return localMasterKey{primitive}, nil
}

type localMasterKey struct {
	aead tink.AEAD
}

func (k localMasterKey) EncryptWithContext(_ context.Context, plaintext, associatedData []byte) ([]byte, error) {
	return k.aead.Encrypt(plaintext, associatedData)
}

func (k localMasterKey) DecryptWithContext(_ context.Context, ciphertext, associatedData []byte) ([]byte, error) {
	return k.aead.Decrypt(ciphertext, associatedData)
}

// WriteTestKeyset writes a new AES-256-GCM keyset to path, encrypted with
// master, and returns the AEAD it describes.
func WriteTestKeyset(ctx context.Context, path string, master tink.AEADWithContext) (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating keyset handle: %w", err)
	}

	var buf bytes.Buffer
	if err := handle.WriteWithContext(ctx, keyset.NewJSONWriter(&buf), master, nil); err != nil {
		return nil, fmt.Errorf("writing keyset: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("writing keyset file: %w", err)
	}

	return aead.New(handle)
}
