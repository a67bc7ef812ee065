package cache

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// sealedPrefix marks values written by AEADSealer.
var sealedPrefix = []byte("wb-enc:")

// sealedKeyPrefix keeps encrypted entries apart from plaintext ones written
// by bridges without encryption.
const sealedKeyPrefix = "enc:"

// Sealer protects values written to a shared cache. The cache key is bound to
// the value so that an entry cannot be copied to another key.
type Sealer interface {
	Seal(plaintext []byte, key string) ([]byte, error)
	Open(stored []byte, key string) ([]byte, error)

	// StorageKey returns the key the value is stored under.
	StorageKey(key string) string

	Close() error
}

// PlainSealer stores values as they are.
type PlainSealer struct{}

func (PlainSealer) Seal(plaintext []byte, _ string) ([]byte, error) {
	return plaintext, nil
}

func (PlainSealer) Open(stored []byte, _ string) ([]byte, error) {
	return stored, nil
}

func (PlainSealer) StorageKey(key string) string {
	return key
}

func (PlainSealer) Close() error {
	return nil
}

// AEADSealer encrypts values with a Tink AEAD, using the cache key as
// associated data.
type AEADSealer struct {
	aead tink.AEAD
}

func NewAEADSealer(aead tink.AEAD) (*AEADSealer, error) {
	if aead == nil {
		return nil, errors.New("AEAD is required")
	}
	return &AEADSealer{aead: aead}, nil
}

func (s *AEADSealer) Seal(plaintext []byte, key string) ([]byte, error) {
	ciphertext, err := s.aead.Encrypt(plaintext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("encrypting value: %w", err)
	}
	return append(bytes.Clone(sealedPrefix), ciphertext...), nil
}

func (s *AEADSealer) Open(stored []byte, key string) ([]byte, error) {
	ciphertext, ok := bytes.CutPrefix(stored, sealedPrefix)
	if !ok {
		return nil, fmt.Errorf("missing %q prefix: value is unencrypted or corrupt", sealedPrefix)
	}

	plaintext, err := s.aead.Decrypt(ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}
	return plaintext, nil
}

func (s *AEADSealer) StorageKey(key string) string {
	return sealedKeyPrefix + key
}

// Close closes the AEAD when it holds resources, such as a keyset refresh
// loop.
func (s *AEADSealer) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
