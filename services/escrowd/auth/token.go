// Package auth mints the bearer tokens escrowd accepts. Tokens are HS256 JWTs
// whose subject is the caller's hex address.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrSecretMissing is returned when no signing secret is configured.
var ErrSecretMissing = errors.New("auth secret not configured")

// IssueToken mints an HS256 token naming account as its subject. A zero ttl
// issues a token without expiry.
func IssueToken(secret string, account common.Address, issuer, audience string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrSecretMissing
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account.Hex(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}
