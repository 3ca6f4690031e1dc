// Package rpc builds and caches the client used to call the remote auth
// service.
package rpc

import (
	"context"
	"net/url"
	"time"
)

// Client is the remote auth service bound to one (endpoint, service id) pair.
// Implementations are safe for concurrent use and are never mutated after
// construction.
type Client interface {
	Endpoint() *url.URL
	ServiceID() string

	Register(ctx context.Context, label, secret string) (bool, error)
	Login(ctx context.Context, label, secret string) (*LoginResult, error)
	Logout(ctx context.Context, token string) (bool, error)
	VerifySession(ctx context.Context, token string) (bool, error)
	GetPrincipalFromToken(ctx context.Context, token string) (string, error)
	RequestPasswordReset(ctx context.Context, label string) (bool, error)
	ResetPassword(ctx context.Context, label, resetToken, newSecret string) (bool, error)

	// TrustRoot returns the signing keys fetched during bootstrap. It is empty
	// in production and when the bootstrap failed.
	TrustRoot() *TrustRoot
}

// RootKeyFetcher is implemented by clients that can run the trust bootstrap.
type RootKeyFetcher interface {
	FetchRootKey(ctx context.Context) error
}

// LoginResult is a successful login. Principal and Expiry are optional.
type LoginResult struct {
	Token     string
	Principal string
	Expiry    time.Time
}
