// Package token holds the immutable session token value object.
//
// A Token wraps the signed string returned by the identity server together
// with the claims decoded from it. The signature is not verified here: the
// client only needs the expiry to schedule refreshes, and the server checks
// the signature on every request that presents the token.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"identity-session/internal/common/errors"
)

// Claims are the fields of a session token the SDK relies on.
type Claims struct {
	ExpiresAt      time.Time
	IssuedAt       time.Time
	Subject        string
	SessionID      string
	OrganizationID string
}

// Token is an immutable signed session token. The zero Token has an empty
// raw string, which callers read as "signed out".
type Token struct {
	raw    string
	claims Claims
}

type sessionClaims struct {
	SessionID      string `json:"sid,omitempty"`
	OrganizationID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Decode parses a signed token string into a Token. An empty string decodes
// to the empty Token.
func Decode(raw string) (*Token, error) {
	if raw == "" {
		return &Token{}, nil
	}

	var claims sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, errors.InternalError("failed to decode session token", err)
	}
	if claims.ExpiresAt == nil {
		return nil, errors.InternalError("session token has no exp claim", nil)
	}

	t := &Token{
		raw: raw,
		claims: Claims{
			ExpiresAt:      claims.ExpiresAt.Time,
			Subject:        claims.Subject,
			SessionID:      claims.SessionID,
			OrganizationID: claims.OrganizationID,
		},
	}
	if claims.IssuedAt != nil {
		t.claims.IssuedAt = claims.IssuedAt.Time
	}
	return t, nil
}

// Raw returns the signed string.
func (t *Token) Raw() string {
	if t == nil {
		return ""
	}
	return t.raw
}

// Claims returns a copy of the decoded claims.
func (t *Token) Claims() Claims {
	if t == nil {
		return Claims{}
	}
	return t.claims
}

// IsEmpty reports whether the token carries no signed string.
func (t *Token) IsEmpty() bool {
	return t.Raw() == ""
}

// ExpiresWithin reports whether the token has less than leeway of validity
// left at now: now >= exp - leeway. Empty tokens never expire; they are
// replaced when the session changes, not when time passes.
func (t *Token) ExpiresWithin(now time.Time, leeway time.Duration) bool {
	if t.IsEmpty() {
		return false
	}
	return !now.Before(t.claims.ExpiresAt.Add(-leeway))
}

// TTL returns the lifetime the server granted, exp - iat.
func (t *Token) TTL() time.Duration {
	if t.IsEmpty() || t.claims.IssuedAt.IsZero() {
		return 0
	}
	return t.claims.ExpiresAt.Sub(t.claims.IssuedAt)
}
