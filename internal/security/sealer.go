package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrUnsealFailed = errors.New("failed to unseal value")

// sealedPrefix marks values written by AEADSealer so plaintext values
// written before sealing was enabled can still be read.
const sealedPrefix = "xc1:"

// Sealer protects secret values before they reach durable storage.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// NoopSealer stores values as-is.
type NoopSealer struct{}

func (NoopSealer) Seal(plaintext string) (string, error) { return plaintext, nil }

func (NoopSealer) Open(stored string) (string, error) {
	if strings.HasPrefix(stored, sealedPrefix) {
		return "", fmt.Errorf("%w: value is sealed but no key is configured", ErrUnsealFailed)
	}
	return stored, nil
}

// AEADSealer encrypts with XChaCha20-Poly1305 under a 32-byte key. The
// storage key is bound as associated data so values cannot be swapped
// between keys.
type AEADSealer struct {
	aead cipher.AEAD
	ad   []byte
}

func NewAEADSealer(key []byte, associatedData string) (*AEADSealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &AEADSealer{aead: aead, ad: []byte(associatedData)}, nil
}

// For returns a sealer that shares the key but binds different associated data.
func (s *AEADSealer) For(associatedData string) *AEADSealer {
	return &AEADSealer{aead: s.aead, ad: []byte(associatedData)}
}

func (s *AEADSealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), s.ad)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (s *AEADSealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsealFailed, err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("%w: value too short", ErrUnsealFailed)
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, s.ad)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsealFailed, err)
	}
	return string(plain), nil
}
