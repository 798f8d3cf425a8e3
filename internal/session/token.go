// Package session resolves the signed-in user from an access token.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession is returned when there is no usable token.
var ErrNoSession = errors.New("no session")

// Claims are the access token claims the feed relies on. The user id is the
// standard subject claim.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the resolved current user.
type Identity struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Expired reports whether the identity's token has an expiry before now.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// Parser reads access tokens. With a secret it verifies the HS256 signature
// and expiry; without one it only decodes the claims, which is meant for
// local development against a backend that does its own verification.
type Parser struct {
	secret []byte
}

func NewParser(secret string) *Parser {
	if secret == "" {
		return &Parser{}
	}
	return &Parser{secret: []byte(secret)}
}

// Verifying reports whether tokens are signature checked.
func (p *Parser) Verifying() bool {
	return p.secret != nil
}

// Parse resolves token into an Identity. A "Bearer " prefix is accepted.
func (p *Parser) Parse(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrNoSession
	}

	claims := &Claims{}
	if p.secret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return Identity{}, fmt.Errorf("decode token: %w", err)
		}
	} else {
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return p.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return Identity{}, fmt.Errorf("verify token: %w", err)
		}
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("token without subject: %w", ErrNoSession)
	}
	id := Identity{UserID: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Sign issues an HS256 token for userID. It is used by tests and local
// tooling that stand in for the auth service.
func (p *Parser) Sign(userID string, ttl time.Duration) (string, error) {
	if p.secret == nil {
		return "", errors.New("sign token: no secret configured")
	}
	now := time.Now()
	claims := Claims{
		Role: "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
