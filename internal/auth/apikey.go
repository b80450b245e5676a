// Package auth provides authentication primitives for the platform: module
// API key generation and hashing, platform session JWTs, and the scope
// vocabulary. The gateway and admin middleware apply them per request.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of characters to show in displays
	DisplayPrefixLength = 10

	// DefaultAPIKeyPrefix is used when auth.api_keys.prefix is unset
	DefaultAPIKeyPrefix = "mpk"
)

// GenerateAPIKey creates a new random API key with the given prefix.
// Returns the full key (shown once), its SHA-256 hash (stored and used for
// lookup) and a display prefix.
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	if prefix == "" {
		prefix = DefaultAPIKeyPrefix
	}
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullKey := fmt.Sprintf("%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	displayPrefixStr := fullKey
	if len(fullKey) > DisplayPrefixLength {
		displayPrefixStr = fullKey[:DisplayPrefixLength]
	}
	return fullKey, HashAPIKey(fullKey), displayPrefixStr, nil
}

// HashAPIKey returns the hex SHA-256 of key, the form stored in
// module_api_keys.key_hash.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIKey checks a provided key against a stored hash in constant time
func ValidateAPIKey(providedKey, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashAPIKey(providedKey)), []byte(storedHash)) == 1
}

// ExtractBearerToken extracts the token from an Authorization header.
// Expected format: "Bearer <token>"
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("token is empty after Bearer prefix")
	}
	return token, nil
}
