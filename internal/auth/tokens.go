// Package auth issues and verifies the credentials accepted by the REST API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyPrefix marks keys issued by this service.
const APIKeyPrefix = "spk_"

// Claims are the custom claims of a tenant token.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token restricting its bearer to tenantID.
func IssueToken(secret, subject, tenantID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token secret is not configured")
	}
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken parses a tenant token and checks its signature and expiry.
// Tokens without a tenant_id claim are rejected.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant_id claim", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// LooksLikeToken reports whether credential has the three-part JWT shape.
func LooksLikeToken(credential string) bool {
	return strings.Count(credential, ".") == 2
}

// GenerateAPIKey returns a new random key with its storage hash and display
// prefix.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", err
	}
	key = APIKeyPrefix + hex.EncodeToString(b)
	return key, HashAPIKey(key), key[:12], nil
}

// HashAPIKey creates a SHA-256 hash of an API key. Keys are high-entropy
// random strings, so a fast hash is enough for lookups.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
