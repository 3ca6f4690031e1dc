// Package delegated implements login through an external identity provider:
// an OpenID Connect authorization code flow with PKCE. The provider and the
// derivation origin the identity is scoped to depend on the environment.
package delegated

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/jrsteele09/estate-session/internal/config"
	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/jrsteele09/estate-session/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const defaultAttemptTimeout = 5 * time.Minute

// Redirector sends the user agent to the provider's authorization URL.
type Redirector func(ctx context.Context, authURL string) error

// attempt is one pending login. Every Login call made while it is pending
// waits on done.
type attempt struct {
	state     string
	nonce     string
	verifier  string
	origin    string
	startedAt time.Time

	oauth      *oauth2.Config
	idVerifier *oidc.IDTokenVerifier

	done     chan struct{}
	finished bool
	identity *Identity
	err      error
}

// Flow runs delegated logins and holds the resulting identity. All methods
// are safe for concurrent use.
type Flow struct {
	resolver       rpc.HostResolver
	config         config.DelegatedConfig
	redirect       Redirector
	redirectURL    string
	loginHint      string
	httpClient     *http.Client
	attemptTimeout time.Duration
	nowTime        func() time.Time
	logger         zerolog.Logger

	discovery singleflight.Group
	providers map[string]*oidc.Provider

	lock     sync.Mutex
	pending  *attempt
	identity *Identity
}

type FlowOption func(*Flow)

func WithRedirector(r Redirector) FlowOption {
	return func(f *Flow) {
		if r != nil {
			f.redirect = r
		}
	}
}

// WithRedirectURL overrides the callback URL registered with the provider.
// By default it is the derivation origin joined with the callback path.
func WithRedirectURL(u string) FlowOption {
	return func(f *Flow) {
		f.redirectURL = u
	}
}

// WithLoginHint names the identity to sign in as.
func WithLoginHint(hint string) FlowOption {
	return func(f *Flow) {
		f.loginHint = hint
	}
}

func WithHTTPClient(c *http.Client) FlowOption {
	return func(f *Flow) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithAttemptTimeout bounds how long a login may stay pending before the next
// Login call abandons it.
func WithAttemptTimeout(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d > 0 {
			f.attemptTimeout = d
		}
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) FlowOption {
	return func(f *Flow) {
		f.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) FlowOption {
	return func(f *Flow) {
		f.logger = logger
	}
}

func NewFlow(resolver rpc.HostResolver, cfg config.DelegatedConfig, options ...FlowOption) (*Flow, error) {
	if resolver == nil {
		return nil, errors.New("[NewFlow] host resolver is required")
	}
	if cfg == nil {
		return nil, errors.New("[NewFlow] delegated config is required")
	}
	f := &Flow{
		resolver:       resolver,
		config:         cfg,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		attemptTimeout: defaultAttemptTimeout,
		nowTime:        time.Now,
		logger:         log.Logger,
		providers:      make(map[string]*oidc.Provider),
	}
	for _, opt := range options {
		opt(f)
	}
	if f.redirect == nil {
		f.redirect = func(_ context.Context, authURL string) error {
			f.logger.Info().Str("url", authURL).Msg("open this URL to continue login")
			return nil
		}
	}
	return f, nil
}

// Login starts a delegated login and waits for its callback. A call made
// while a login is pending joins it instead of starting another. A valid
// identity is returned as is.
func (f *Flow) Login(ctx context.Context) (*Identity, error) {
	f.lock.Lock()
	now := f.nowTime()
	if f.identity.Valid(now) {
		id := *f.identity
		f.lock.Unlock()
		return &id, nil
	}
	a := f.pending
	if a != nil && now.Sub(a.startedAt) > f.attemptTimeout {
		f.finishLocked(a, nil, errors.Wrap(autherrors.ErrRejected, "[Flow.Login] login attempt timed out"))
		a = nil
	}
	start := a == nil
	if start {
		a = &attempt{
			state:     uuid.NewString(),
			nonce:     uuid.NewString(),
			verifier:  oauth2.GenerateVerifier(),
			startedAt: now,
			done:      make(chan struct{}),
		}
		f.pending = a
	}
	f.lock.Unlock()

	if start {
		go f.begin(context.WithoutCancel(ctx), a)
	}

	select {
	case <-a.done:
		if a.err != nil {
			return nil, a.err
		}
		id := *a.identity
		return &id, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// begin discovers the provider and sends the user agent to it.
func (f *Flow) begin(ctx context.Context, a *attempt) {
	issuer, origin, err := f.providerSettings()
	if err != nil {
		f.finish(a, nil, err)
		return
	}
	provider, err := f.provider(ctx, issuer)
	if err != nil {
		f.finish(a, nil, err)
		return
	}

	redirectURL := f.redirectURL
	if redirectURL == "" {
		redirectURL = strings.TrimSuffix(origin, "/") + f.config.GetDelegatedCallbackPath()
	}
	oauthConfig := &oauth2.Config{
		ClientID:    f.config.GetDelegatedClientID(),
		Endpoint:    provider.Endpoint(),
		RedirectURL: redirectURL,
		Scopes:      []string{oidc.ScopeOpenID, "email"},
	}
	params := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(a.verifier),
		oidc.Nonce(a.nonce),
		oauth2.SetAuthURLParam("derivation_origin", origin),
		oauth2.SetAuthURLParam("max_time_to_live", strconv.FormatInt(f.config.GetDelegatedMaxTTL().Nanoseconds(), 10)),
	}
	if f.loginHint != "" {
		params = append(params, oauth2.SetAuthURLParam("login_hint", f.loginHint))
	}
	authURL := oauthConfig.AuthCodeURL(a.state, params...)

	f.lock.Lock()
	if f.pending != a {
		f.lock.Unlock()
		return
	}
	a.origin = origin
	a.oauth = oauthConfig
	a.idVerifier = provider.Verifier(&oidc.Config{ClientID: oauthConfig.ClientID, Now: f.nowTime})
	f.lock.Unlock()

	f.logger.Debug().Str("issuer", issuer).Str("origin", origin).Msg("starting delegated login")
	if err := f.redirect(ctx, authURL); err != nil {
		f.finish(a, nil, fmt.Errorf("%w: redirect to identity provider: %w", autherrors.ErrUnavailable, err))
	}
}

// providerSettings returns the issuer and derivation origin for the current
// environment.
func (f *Flow) providerSettings() (issuer, origin string, err error) {
	if f.resolver.Production() {
		o := f.resolver.Origin()
		if o == nil {
			return "", "", errors.Wrap(autherrors.ErrUnavailable, "[Flow.Login] no origin configured for production")
		}
		return f.config.GetIdentityProviderURL(), originString(o), nil
	}
	host := f.resolver.ResolveHost()
	if host == nil {
		return "", "", errors.Wrap(autherrors.ErrUnavailable, "[Flow.Login] no development host resolved")
	}
	h := originString(host)
	return h + f.config.GetDevIdentityProviderPath(), h, nil
}

// provider returns the discovered provider for issuer. Concurrent discoveries
// of one issuer share a request and successful results are cached.
func (f *Flow) provider(ctx context.Context, issuer string) (*oidc.Provider, error) {
	f.lock.Lock()
	p, ok := f.providers[issuer]
	f.lock.Unlock()
	if ok {
		return p, nil
	}

	v, err, _ := f.discovery.Do(issuer, func() (any, error) {
		p, err := oidc.NewProvider(oidc.ClientContext(ctx, f.httpClient), issuer)
		if err != nil {
			return nil, fmt.Errorf("%w: discover %s: %w", autherrors.ErrUnavailable, issuer, err)
		}
		f.lock.Lock()
		f.providers[issuer] = p
		f.lock.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oidc.Provider), nil
}

// ServeHTTP handles the provider's redirect back. A callback whose state does
// not match the pending login is ignored.
func (f *Flow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := r.FormValue("state")
	f.lock.Lock()
	a := f.pending
	ready := a != nil && a.oauth != nil && state != "" && state == a.state
	f.lock.Unlock()
	if !ready {
		f.logger.Warn().Str("state", state).Msg("ignoring callback for unknown login attempt")
		http.Error(w, "Unknown or expired login attempt", http.StatusBadRequest)
		return
	}

	if providerErr := r.FormValue("error"); providerErr != "" {
		err := errors.Wrapf(autherrors.ErrRejected, "[Flow.ServeHTTP] identity provider: %s %s", providerErr, r.FormValue("error_description"))
		f.finish(a, nil, err)
		http.Error(w, "Login failed: "+providerErr, http.StatusBadRequest)
		return
	}
	code := r.FormValue("code")
	if code == "" {
		f.finish(a, nil, errors.Wrap(autherrors.ErrRejected, "[Flow.ServeHTTP] callback carried no code"))
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		return
	}

	id, err := f.exchange(r.Context(), a, code)
	f.finish(a, id, err)
	if err != nil {
		f.logger.Warn().Err(err).Msg("delegated login failed")
		http.Error(w, "Login failed", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Login complete. You can close this window.\n"))
}

// exchange trades code for tokens and builds the identity from the verified
// ID token.
func (f *Flow) exchange(ctx context.Context, a *attempt, code string) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, f.httpClient)
	tok, err := a.oauth.Exchange(ctx, code, oauth2.VerifierOption(a.verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if autherrors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: token exchange: %w", autherrors.ErrRejected, err)
		}
		return nil, fmt.Errorf("%w: token exchange: %w", autherrors.ErrUnavailable, err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.Wrap(autherrors.ErrRejected, "[Flow.exchange] no ID token in response")
	}
	idToken, err := a.idVerifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: verify ID token: %w", autherrors.ErrRejected, err)
	}

	var claims struct {
		Nonce string `json:"nonce"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: ID token claims: %w", autherrors.ErrRejected, err)
	}
	if claims.Nonce != a.nonce {
		return nil, errors.Wrap(autherrors.ErrRejected, "[Flow.exchange] nonce mismatch")
	}

	now := f.nowTime()
	expiry := idToken.Expiry
	if limit := now.Add(f.config.GetDelegatedMaxTTL()); expiry.IsZero() || expiry.After(limit) {
		expiry = limit
	}
	if !now.Before(expiry) {
		return nil, errors.Wrap(autherrors.ErrRejected, "[Flow.exchange] identity expired on arrival")
	}
	return &Identity{
		Principal:        idToken.Subject,
		Email:            claims.Email,
		DerivationOrigin: a.origin,
		Expiry:           expiry,
		RawIDToken:       rawIDToken,
	}, nil
}

func (f *Flow) finish(a *attempt, id *Identity, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.finishLocked(a, id, err)
}

// finishLocked completes a and wakes its waiters. Only the pending attempt
// may install an identity. Caller holds the lock.
func (f *Flow) finishLocked(a *attempt, id *Identity, err error) {
	if a.finished {
		return
	}
	if f.pending == a {
		f.pending = nil
		if err == nil {
			f.identity = id
			f.logger.Info().Str("principal", id.Principal).Time("expiry", id.Expiry).Msg("delegated login complete")
		}
	} else if err == nil {
		err = autherrors.ErrStaleResult
	}
	a.finished = true
	a.identity = id
	a.err = err
	close(a.done)
}

// Identity returns the current identity, or nil when there is none or it has
// expired.
func (f *Flow) Identity() *Identity {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.identity.Valid(f.nowTime()) {
		f.identity = nil
		return nil
	}
	id := *f.identity
	return &id
}

func (f *Flow) IsAuthenticated() bool {
	return f.Identity() != nil
}

// Logout drops the identity and abandons any pending login.
func (f *Flow) Logout() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.identity = nil
	if f.pending != nil {
		a := f.pending
		f.pending = nil
		f.finishLocked(a, nil, autherrors.ErrStaleResult)
	}
}

// CallbackPath is the path ServeHTTP expects to be mounted on.
func (f *Flow) CallbackPath() string {
	if f.redirectURL != "" {
		if u, err := url.Parse(f.redirectURL); err == nil {
			return u.Path
		}
	}
	return f.config.GetDelegatedCallbackPath()
}

func originString(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
