// Package hipaa holds the PHI protections used by the triage service:
// at-rest encryption of clinical free text and keyed pseudonymisation of
// request content for audit keys.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// sealedPrefix marks values written by an enabled cipher so rows stored
// while encryption was off can still be read back.
const sealedPrefix = "phi:v1:"

// PHIEncryptor seals short text fields with AES-256-GCM. A zero-value or
// nil encryptor is disabled and passes text through unchanged.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates an encryptor from a 32-byte key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

// NewPHIEncryptorFromHex parses a 64-character hex key. An empty key returns
// a disabled encryptor and logs a warning so development setups still run.
func NewPHIEncryptorFromHex(hexKey string, logger zerolog.Logger) (*PHIEncryptor, error) {
	if hexKey == "" {
		logger.Warn().Msg("PHI encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &PHIEncryptor{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("PHI field-level encryption enabled")
	return enc, nil
}

func (e *PHIEncryptor) Enabled() bool { return e != nil && e.aead != nil }

// Encrypt returns the prefixed base64 of nonce||ciphertext.
func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	if !e.Enabled() {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Unprefixed values are returned as stored.
func (e *PHIEncryptor) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !e.Enabled() {
		return "", fmt.Errorf("phi decrypt: value is encrypted but no key is configured")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("phi decrypt: ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plaintext), nil
}
