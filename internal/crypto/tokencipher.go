// Package crypto provides AES-256-GCM authenticated encryption for secrets the
// platform stores at rest. Gateway proxy routes carry upstream credentials in
// their headers; those headers are sealed before they reach module_routes and
// opened only when a request is forwarded. Values that only need comparison,
// such as API keys and OAuth client secrets, are hashed instead.
//
// Sealed values are bound to the module that owns them: the module id is the
// GCM additional data, so a blob copied onto another module's route fails to
// open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// sealedPrefix versions the envelope so the format can change without a
// migration of existing rows.
const sealedPrefix = "v1."

var (
	// ErrKeyLengthInvalid is returned when a key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned for values that are not a v1 envelope.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails: wrong key,
	// tampering, or a value sealed for a different module.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
)

// TokenCipher seals and opens secrets with a single master key.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a cipher with a 32-byte master key.
func NewTokenCipher(masterKey []byte) (*TokenCipher, error) {
	if len(masterKey) != KeySize {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// ParseKey accepts ENCRYPTION_KEY either as 32 raw bytes or as base64
// (standard or URL alphabet, padded or not) of 32 bytes.
func ParseKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) == KeySize {
		return []byte(secret), nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(secret); err == nil && len(b) == KeySize {
			return b, nil
		}
	}
	return nil, ErrKeyLengthInvalid
}

// Seal encrypts plaintext bound to aad and returns a printable envelope.
// Empty plaintext seals to the empty string.
func (tc *TokenCipher) Seal(plaintext []byte, aad string) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}
	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := tc.aead.Seal(nonce, nonce, plaintext, []byte(aad))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The same aad must be supplied.
func (tc *TokenCipher) Open(envelope, aad string) ([]byte, error) {
	if envelope == "" {
		return nil, nil
	}
	body, ok := strings.CutPrefix(envelope, sealedPrefix)
	if !ok {
		return nil, ErrCiphertextCorrupted
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrCiphertextCorrupted
	}
	n := tc.aead.NonceSize()
	if len(raw) < n+tc.aead.Overhead() {
		return nil, ErrCiphertextCorrupted
	}
	plain, err := tc.aead.Open(nil, raw[:n], raw[n:], []byte(aad))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// SealHeaders seals a proxy route's upstream headers for moduleID.
func (tc *TokenCipher) SealHeaders(headers map[string]string, moduleID string) (string, error) {
	if len(headers) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("crypto: encode headers: %w", err)
	}
	return tc.Seal(raw, moduleID)
}

// OpenHeaders reverses SealHeaders. An empty envelope yields no headers.
func (tc *TokenCipher) OpenHeaders(envelope, moduleID string) (map[string]string, error) {
	plain, err := tc.Open(envelope, moduleID)
	if err != nil || plain == nil {
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal(plain, &headers); err != nil {
		return nil, fmt.Errorf("crypto: decode headers: %w", err)
	}
	return headers, nil
}

// GenerateKey creates a random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
