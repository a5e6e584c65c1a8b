// Package session issues and validates the signed bearer tokens handed out
// after a successful passkey ceremony.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/billvog/passkeys-example/internal/platform/errors"
)

// DefaultTTL bounds how long an issued session token stays valid.
const DefaultTTL = time.Hour

// Issuer mints and validates HMAC-signed session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates a session issuer. The secret must be non-empty; a
// non-positive ttl falls back to DefaultTTL.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a signed token whose subject is the authenticated identity.
func (i *Issuer) Issue(identity string) (string, error) {
	if strings.TrimSpace(identity) == "" {
		return "", fmt.Errorf("identity is required")
	}

	now := i.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Validate checks a token's signature and expiry and returns its subject.
func (i *Issuer) Validate(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }),
	)
	if err != nil {
		return "", mapJWTError(err)
	}
	if claims.Subject == "" {
		return "", apperrors.New(apperrors.CodeTokenMalformed, "session token has no subject")
	}
	return claims.Subject, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeTokenExpired, "session token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeTokenSignatureInvalid, "session token signature is invalid", err)
	default:
		return apperrors.Wrap(apperrors.CodeTokenMalformed, "session token is malformed", err)
	}
}
