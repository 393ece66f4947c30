// Package crypto seals vendor API keys held in process memory and renders
// safe fingerprints of them for status endpoints and logs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

const (
	hkdfSalt = "llm-duel"
	hkdfInfo = "credential-store/aes-256-gcm"
)

type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AES-256 key from secret with HKDF-SHA256. An empty
// secret is rejected; use NewRandomEncryptor for an ephemeral key.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}

	key, err := deriveKey([]byte(secret))
	if err != nil {
		return nil, err
	}
	return newEncryptor(key)
}

// NewRandomEncryptor uses a fresh key that lives only as long as the process.
func NewRandomEncryptor() (*Encryptor, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("read random key: %w", err)
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return newEncryptor(key)
}

func deriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newEncryptor(key []byte) (*Encryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{aead: gcm}, nil
}

// Seal encrypts plaintext bound to aad (the provider name), so a sealed key
// cannot be replayed under another provider.
func (e *Encryptor) Seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Encryptor) Open(sealed, aad string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

// Fingerprint identifies a key without revealing it.
func Fingerprint(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])[:12]
}

// Mask keeps the last four characters of a key, e.g. "****abcd".
func Mask(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return "****" + apiKey[len(apiKey)-4:]
}
