// Package token inspects bearer tokens issued by the auth service. Opaque
// tokens carry no information; JWT tokens contribute their subject and expiry
// and are checked against the service trust root when one is available.
package token

import (
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/pkg/errors"
)

// KeySource supplies verification keys by key id.
type KeySource interface {
	Key(kid string) (crypto.PublicKey, bool)
	Empty() bool
}

// Claims is what a bearer token says about itself.
type Claims struct {
	IsJWT     bool
	Verified  bool
	Subject   string
	ExpiresAt time.Time
}

var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}

// Inspect reads the claims of a bearer token. When requireSignature is set, a
// JWT must verify against keys; with an empty key source it is rejected.
// Without requireSignature the claims are read unverified as hints only.
func Inspect(raw string, keys KeySource, requireSignature bool, now time.Time) (Claims, error) {
	if strings.Count(raw, ".") != 2 {
		return Claims{}, nil
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		// Three segments but not a JWT: opaque.
		return Claims{}, nil
	}
	if !requireSignature {
		return claimsFrom(unverified), nil
	}

	if keys == nil || keys.Empty() {
		return Claims{IsJWT: true}, errors.Wrap(autherrors.ErrUntrustedToken, "[token.Inspect] no trust root")
	}

	parsed, err := jwt.Parse(raw, keyFunc(keys),
		jwt.WithValidMethods(validMethods),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Claims{IsJWT: true}, fmt.Errorf("%w: %w", autherrors.ErrUntrustedToken, err)
	}
	claims := claimsFrom(parsed)
	claims.Verified = true
	return claims, nil
}

func keyFunc(keys KeySource) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys.Key(kid)
		if !ok {
			return nil, errors.Errorf("unknown signing key %q", kid)
		}
		return key, nil
	}
}

func claimsFrom(t *jwt.Token) Claims {
	claims := Claims{IsJWT: true}
	if t == nil || t.Claims == nil {
		return claims
	}
	if sub, err := t.Claims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if exp, err := t.Claims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims
}
