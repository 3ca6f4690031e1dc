package token_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/jrsteele09/estate-session/token"
	"github.com/stretchr/testify/require"
)

type keyMap map[string]crypto.PublicKey

func (k keyMap) Key(kid string) (crypto.PublicKey, bool) {
	key, ok := k[kid]
	return key, ok
}

func (k keyMap) Empty() bool { return len(k) == 0 }

func signed(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

func TestInspectOpaqueToken(t *testing.T) {
	c, err := token.Inspect("0f1e2d3c", nil, true, time.Now())
	require.NoError(t, err)
	require.False(t, c.IsJWT)

	c, err = token.Inspect("not.a.jwt", nil, true, time.Now())
	require.NoError(t, err)
	require.False(t, c.IsJWT)
}

func TestInspectVerifiedToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now().Truncate(time.Second)
	raw := signed(t, key, "root-1", jwt.MapClaims{"sub": "2vxsx-fae", "exp": now.Add(time.Hour).Unix()})

	c, err := token.Inspect(raw, keyMap{"root-1": &key.PublicKey}, true, now)
	require.NoError(t, err)
	require.True(t, c.Verified)
	require.Equal(t, "2vxsx-fae", c.Subject)
	require.True(t, now.Add(time.Hour).Equal(c.ExpiresAt))
}

func TestInspectRejectsUntrusted(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	now := time.Now()
	raw := signed(t, key, "root-1", jwt.MapClaims{"sub": "p", "exp": now.Add(time.Hour).Unix()})

	_, err = token.Inspect(raw, keyMap{"root-1": &other.PublicKey}, true, now)
	require.ErrorIs(t, err, autherrors.ErrUntrustedToken)

	_, err = token.Inspect(raw, keyMap{}, true, now)
	require.ErrorIs(t, err, autherrors.ErrUntrustedToken)

	expired := signed(t, key, "root-1", jwt.MapClaims{"sub": "p", "exp": now.Add(-time.Hour).Unix()})
	_, err = token.Inspect(expired, keyMap{"root-1": &key.PublicKey}, true, now)
	require.ErrorIs(t, err, autherrors.ErrUntrustedToken)
}

func TestInspectUnverifiedHints(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	raw := signed(t, key, "root-1", jwt.MapClaims{"sub": "p", "exp": exp.Unix()})

	c, err := token.Inspect(raw, nil, false, time.Now())
	require.NoError(t, err)
	require.True(t, c.IsJWT)
	require.False(t, c.Verified)
	require.True(t, exp.Equal(c.ExpiresAt))

	c, err = token.Inspect("a.b.c", nil, false, time.Now())
	require.NoError(t, err)
	require.False(t, c.IsJWT)
}
