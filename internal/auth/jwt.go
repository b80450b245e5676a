// Package auth - jwt.go creates and verifies platform session JWTs signed with
// the shared MPF_JWT_SECRET. The secret is resolved once; in dev mode a random
// secret is generated when none is configured.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTokenType marks platform session tokens so they are never mistaken
// for OAuth access tokens signed with the same secret.
const SessionTokenType = "session"

const jwtIssuer = "module-platform"

var (
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims are the claims of a platform session token.
type Claims struct {
	UserID   string   `json:"user_id"`
	Email    string   `json:"email,omitempty"`
	AgencyID string   `json:"agency_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Type     string   `json:"type"`
	jwt.RegisteredClaims
}

// isDevMode mirrors server.dev_mode without importing config
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	serverDev := os.Getenv("MPF_SERVER_DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" ||
		serverDev == "true" || serverDev == "1" ||
		ginMode == "debug"
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// ValidateJWTSecret checks that MPF_JWT_SECRET is configured. Outside dev
// mode a missing secret is fatal. Call this at startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv("MPF_JWT_SECRET")

		if secret == "" {
			if isDevMode() {
				jwtSecret = generateRandomSecret()
				slog.Warn("MPF_JWT_SECRET not set, using an auto-generated secret for development; tokens will not survive restarts")
			} else {
				jwtSecretErr = errors.New("SECURITY ERROR: MPF_JWT_SECRET environment variable is required in production. " +
					"Generate a secure secret with: openssl rand -hex 32")
			}
			return
		}

		if len(secret) < 32 {
			slog.Warn("MPF_JWT_SECRET is shorter than the recommended 32 characters")
		}
		jwtSecret = secret
	})

	return jwtSecretErr
}

// GetJWTSecret returns the validated secret. Panics if validation failed.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT creates a session token for a platform user.
func GenerateJWT(userID, email string, scopes []string, expiresIn time.Duration) (string, error) {
	return GenerateAgencyJWT(userID, email, "", scopes, expiresIn)
}

// GenerateAgencyJWT creates a session token for a user acting for an agency.
// The agency claim is what RequireSiteAccess compares against site ownership.
func GenerateAgencyJWT(userID, email, agencyID string, scopes []string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour
	}
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Email:    email,
		AgencyID: agencyID,
		Scopes:   scopes,
		Type:     SessionTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and validates a session token. Tokens of any other
// type, such as OAuth access tokens, are rejected.
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.Type != SessionTokenType {
		return nil, errors.New("not a session token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user")
	}
	return claims, nil
}
