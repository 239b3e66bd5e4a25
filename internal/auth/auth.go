// Package auth is the credential source for the chat layer. It issues and
// verifies bearer tokens carrying the participant's identity and role.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shopmono/livechat/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Identity is the authenticated subject of a token.
type Identity struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	Role        domain.Role `json:"role"`
}

type claims struct {
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an issuer. A ttl of exactly 0 defaults to 24h; negative
// values are kept so callers can mint already-expired tokens.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed token for the given identity.
func (i *Issuer) Issue(id Identity) (string, error) {
	if id.ID == "" {
		return "", fmt.Errorf("%w: empty identity", ErrInvalidToken)
	}
	if !id.Role.Valid() || id.Role == domain.RoleSystem {
		return "", fmt.Errorf("%w: role %q", ErrInvalidToken, id.Role)
	}

	now := time.Now()
	c := claims{
		DisplayName: id.DisplayName,
		Role:        string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the identity it carries.
func (i *Issuer) Verify(tokenString string) (Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		ID:          c.Subject,
		DisplayName: c.DisplayName,
		Role:        domain.Role(c.Role),
	}
	if id.ID == "" || !id.Role.Valid() {
		return Identity{}, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	return id, nil
}
