package devserver

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// RS256 is the only signing algorithm the dev server issues.
const RS256 = "RS256"

// KeyPair is the signing key of the dev server. Bearer tokens and ID tokens
// are both signed with it and its public half is served as the root key.
type KeyPair struct {
	KeyID      string
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
}

// GenerateRSAKeyPair generates a new RSA key pair for RS256 signing
func GenerateRSAKeyPair(keyID string, bits int) (*KeyPair, error) {
	if bits < 2048 {
		bits = 2048
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "[GenerateRSAKeyPair] generate RSA key")
	}
	return &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// Signer signs and verifies dev server JWTs.
type Signer struct {
	keyPair *KeyPair
}

func NewSigner(keyPair *KeyPair) *Signer {
	return &Signer{keyPair: keyPair}
}

func (s *Signer) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyPair.KeyID

	signed, err := token.SignedString(s.keyPair.PrivateKey)
	if err != nil {
		return "", errors.Wrap(err, "[Signer.Sign] sign token")
	}
	return signed, nil
}

// Parse verifies raw against the signing key and returns its claims. Expiry
// is checked against now.
func (s *Signer) Parse(raw string, now func() time.Time) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.keyPair.PublicKey, nil
	}, jwt.WithValidMethods([]string{RS256}), jwt.WithTimeFunc(now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.Wrap(err, "[Signer.Parse]")
	}
	return claims, nil
}

// JWKS returns the public signing key as a JSON Web Key Set.
func (s *Signer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.keyPair.PublicKey,
		KeyID:     s.keyPair.KeyID,
		Algorithm: RS256,
		Use:       "sig",
	}}}
}
