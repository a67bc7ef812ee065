package cache

import (
	"errors"
	"testing"

	"github.com/chinmina/wechat-bridge/internal/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainSealer(t *testing.T) {
	s := PlainSealer{}

	sealed, err := s.Seal([]byte(`{"value":"tok"}`), "wx1")
	require.NoError(t, err)
	assert.Equal(t, `{"value":"tok"}`, string(sealed))

	opened, err := s.Open(sealed, "wx1")
	require.NoError(t, err)
	assert.Equal(t, sealed, opened)

	assert.Equal(t, "wx1", s.StorageKey("wx1"))
	assert.NoError(t, s.Close())
}

func TestAEADSealer_RoundTrip(t *testing.T) {
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	s, err := NewAEADSealer(aead)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte(`{"value":"tok"}`), "wx1")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "tok")
	assert.Equal(t, "wb-enc:", string(sealed[:7]))

	opened, err := s.Open(sealed, "wx1")
	require.NoError(t, err)
	assert.Equal(t, `{"value":"tok"}`, string(opened))

	assert.Equal(t, "enc:ticket:jsapi:wx1", s.StorageKey("ticket:jsapi:wx1"))
}

func TestAEADSealer_OpenFailures(t *testing.T) {
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	s, err := NewAEADSealer(aead)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("tok"), "wx1")
	require.NoError(t, err)

	_, err = s.Open(sealed, "wx2")
	assert.ErrorContains(t, err, "decrypting value", "value is bound to its key")

	_, err = s.Open([]byte(`{"value":"tok"}`), "wx1")
	assert.ErrorContains(t, err, "unencrypted or corrupt")
}

func TestAEADSealer_Close(t *testing.T) {
	_, err := NewAEADSealer(nil)
	assert.Error(t, err)

	closing := &closingAEAD{closeErr: errors.New("boom")}
	s, err := NewAEADSealer(closing)
	require.NoError(t, err)

	assert.EqualError(t, s.Close(), "boom")
	assert.True(t, closing.closed)
}

type closingAEAD struct {
	closed   bool
	closeErr error
}

func (a *closingAEAD) Encrypt(plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}

func (a *closingAEAD) Decrypt(ciphertext, _ []byte) ([]byte, error) {
	return ciphertext, nil
}

func (a *closingAEAD) Close() error {
	a.closed = true
	return a.closeErr
}
