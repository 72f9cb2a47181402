package persistence

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"
)

const encryptionInfo = "backoffice settings at rest v1"

// ErrDecrypt is returned when a stored value cannot be authenticated.
var ErrDecrypt = errors.New("failed to decrypt settings value")

// EncryptedKV encrypts values with AES-256-GCM before handing them to the
// wrapped backend. Keys stay in clear text so listing keeps working. The key
// is bound to the entry key as associated data, so ciphertexts cannot be
// swapped between entries.
type EncryptedKV struct {
	inner LocalKV
	aead  cipher.AEAD
}

// NewEncryptedKV derives a 256-bit key from secret with HKDF-SHA256.
func NewEncryptedKV(inner LocalKV, secret []byte) (*EncryptedKV, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(encryptionInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptedKV{inner: inner, aead: aead}, nil
}

// Get implements LocalKV
func (e *EncryptedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, false, fmt.Errorf("%w: %s: ciphertext too short", ErrDecrypt, key)
	}
	plain, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrDecrypt, key)
	}
	return plain, true, nil
}

// Set implements LocalKV
func (e *EncryptedKV) Set(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.inner.Set(ctx, key, e.aead.Seal(nonce, nonce, value, []byte(key)))
}

// Remove implements LocalKV
func (e *EncryptedKV) Remove(ctx context.Context, key string) error {
	return e.inner.Remove(ctx, key)
}

// Keys implements LocalKV
func (e *EncryptedKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.Keys(ctx, prefix)
}

// KeyringSecret reads the encryption secret from the OS keychain, generating
// and storing a random one on first use.
func KeyringSecret(service, user string) ([]byte, error) {
	secret, err := keyring.Get(service, user)
	if err == nil {
		return []byte(secret), nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keychain get: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret = fmt.Sprintf("%x", buf)
	if err := keyring.Set(service, user, secret); err != nil {
		return nil, fmt.Errorf("keychain set: %w", err)
	}
	return []byte(secret), nil
}
