package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize      = 32
	sealedPrefix = "sealed:v1:"
)

var errKeySize = errors.New("master key must be 32 bytes (AES-256)")

// Encrypt seals plaintext with AES-GCM and returns base64(nonce|ciphertext).
func Encrypt(masterKey []byte, plaintext []byte, aad []byte) (string, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. The aad must match.
func Decrypt(masterKey []byte, b64 string, aad []byte) ([]byte, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	return gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, errKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ParseKey decodes a base64 master key and checks its length.
func ParseKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if len(key) != keySize {
		return nil, errKeySize
	}
	return key, nil
}

// Sealer protects service-account tokens at rest. A nil Sealer passes values
// through unchanged so stores work without a configured key.
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keySize {
		return nil, errKeySize
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts value bound to context (for example namespace/user).
func (s *Sealer) Seal(value, context string) (string, error) {
	if s == nil || value == "" {
		return value, nil
	}
	ct, err := Encrypt(s.key, []byte(value), []byte(context))
	if err != nil {
		return "", err
	}
	return sealedPrefix + ct, nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned as is.
func (s *Sealer) Open(value, context string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if s == nil {
		return "", errors.New("sealed value but no master key configured")
	}
	pt, err := Decrypt(s.key, strings.TrimPrefix(value, sealedPrefix), []byte(context))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
