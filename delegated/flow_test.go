package delegated_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/estate-session/delegated"
	"github.com/jrsteele09/estate-session/devserver"
	"github.com/jrsteele09/estate-session/endpoint"
	"github.com/jrsteele09/estate-session/internal/config"
	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig overrides the provider URL and identity lifetime.
type testConfig struct {
	config.Delegated
	providerURL string
	maxTTL      time.Duration
}

func (c testConfig) GetIdentityProviderURL() string { return c.providerURL }

func (c testConfig) GetDelegatedMaxTTL() time.Duration {
	if c.maxTTL > 0 {
		return c.maxTTL
	}
	return c.Delegated.GetDelegatedMaxTTL()
}

// hostResolver pins the development host.
type hostResolver struct {
	host       *url.URL
	origin     *url.URL
	production bool
}

func (h hostResolver) ResolveHost() *url.URL {
	if h.production {
		return nil
	}
	return h.host
}
func (h hostResolver) Origin() *url.URL { return h.origin }
func (h hostResolver) Production() bool { return h.production }

func startProvider(t *testing.T, options ...devserver.Option) *httptest.Server {
	t.Helper()
	s, err := devserver.New(append([]devserver.Option{devserver.WithLogger(zerolog.Nop())}, options...)...)
	require.NoError(t, err)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// browser follows the authorization URL to the provider and delivers the
// provider's redirect to the flow callback, as a user agent would.
type browser struct {
	flow      *delegated.Flow
	visits    atomic.Int32
	authURLs  chan string
	lastCode  atomic.Int32
	tamper    func(callback *url.URL)
	beforeHit func()
}

func (b *browser) redirect(_ context.Context, authURL string) error {
	b.visits.Add(1)
	if b.authURLs != nil {
		b.authURLs <- authURL
	}
	if b.beforeHit != nil {
		b.beforeHit()
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(authURL)
	if err != nil {
		return err
	}
	resp.Body.Close()

	callback, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return err
	}
	if b.tamper != nil {
		b.tamper(callback)
	}
	rec := httptest.NewRecorder()
	b.flow.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, callback.String(), nil))
	b.lastCode.Store(int32(rec.Code))
	return nil
}

func newFlow(t *testing.T, resolver hostResolver, cfg config.DelegatedConfig, b *browser, options ...delegated.FlowOption) *delegated.Flow {
	t.Helper()
	opts := append([]delegated.FlowOption{
		delegated.WithRedirector(b.redirect),
		delegated.WithLogger(zerolog.Nop()),
	}, options...)
	f, err := delegated.NewFlow(resolver, cfg, opts...)
	require.NoError(t, err)
	b.flow = f
	return f
}

func TestLoginDevelopment(t *testing.T) {
	ts := startProvider(t)
	host := mustParse(t, ts.URL)
	b := &browser{}
	flow := newFlow(t, hostResolver{host: host}, config.Delegated{}, b)

	id, err := flow.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, devserver.DerivePrincipal(ts.URL+"#dev-user"), id.Principal)
	require.Equal(t, "dev-user@identity.localhost", id.Email)
	require.Equal(t, ts.URL, id.DerivationOrigin)
	require.NotEmpty(t, id.RawIDToken)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), id.Expiry, time.Minute)
	require.Equal(t, http.StatusOK, int(b.lastCode.Load()))

	require.True(t, flow.IsAuthenticated())
	require.Equal(t, id.Principal, flow.Identity().Principal)

	again, err := flow.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, id.Principal, again.Principal)
	require.Equal(t, int32(1), b.visits.Load(), "a valid identity is reused")
}

func TestLoginProduction(t *testing.T) {
	ts := startProvider(t)
	b := &browser{authURLs: make(chan string, 1)}
	resolver := hostResolver{production: true, origin: mustParse(t, "https://estate.example")}
	cfg := testConfig{providerURL: ts.URL + devserver.IdentityPath}
	flow := newFlow(t, resolver, cfg, b, delegated.WithLoginHint("a@x.com"))

	id, err := flow.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, devserver.DerivePrincipal("https://estate.example#a@x.com"), id.Principal)
	require.Equal(t, "a@x.com", id.Email)

	authURL := mustParse(t, <-b.authURLs)
	q := authURL.Query()
	require.Equal(t, "https://estate.example", q.Get("derivation_origin"))
	require.Equal(t, "https://estate.example/auth/callback", q.Get("redirect_uri"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("nonce"))
	require.Equal(t, "estate-frontend", q.Get("client_id"))
}

func TestLoginCapsIdentityLifetime(t *testing.T) {
	ts := startProvider(t, devserver.WithIDTokenTTL(90*24*time.Hour))
	b := &browser{}
	cfg := testConfig{maxTTL: time.Hour}
	flow := newFlow(t, hostResolver{host: mustParse(t, ts.URL)}, cfg, b)

	id, err := flow.Login(context.Background())
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), id.Expiry, time.Minute)
}

func TestConcurrentLoginsShareOneRedirect(t *testing.T) {
	ts := startProvider(t)
	release := make(chan struct{})
	b := &browser{beforeHit: func() { <-release }}
	flow := newFlow(t, hostResolver{host: mustParse(t, ts.URL)}, config.Delegated{}, b)

	const callers = 4
	ids := make([]*delegated.Identity, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := flow.Login(context.Background())
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	require.Eventually(t, func() bool { return b.visits.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), b.visits.Load())
	for _, id := range ids {
		require.NotNil(t, id)
		require.Equal(t, ids[0].Principal, id.Principal)
	}
}

func TestProviderErrorFailsLogin(t *testing.T) {
	ts := startProvider(t)
	b := &browser{tamper: func(callback *url.URL) {
		q := callback.Query()
		q.Del("code")
		q.Set("error", "access_denied")
		callback.RawQuery = q.Encode()
	}}
	flow := newFlow(t, hostResolver{host: mustParse(t, ts.URL)}, config.Delegated{}, b)

	_, err := flow.Login(context.Background())
	require.ErrorIs(t, err, autherrors.ErrRejected)
	require.Nil(t, flow.Identity())
	require.Equal(t, http.StatusBadRequest, int(b.lastCode.Load()))
}

func TestCallbackWithUnknownStateIsIgnored(t *testing.T) {
	ts := startProvider(t)
	b := &browser{}
	flow := newFlow(t, hostResolver{host: mustParse(t, ts.URL)}, config.Delegated{}, b)
	b.tamper = func(callback *url.URL) {
		forged := *callback
		q := forged.Query()
		q.Set("state", "forged")
		forged.RawQuery = q.Encode()
		rec := httptest.NewRecorder()
		flow.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, forged.String(), nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}

	id, err := flow.Login(context.Background())
	require.NoError(t, err, "the genuine callback still completes the login")
	require.NotEmpty(t, id.Principal)
}

func TestLogoutClearsIdentity(t *testing.T) {
	ts := startProvider(t)
	b := &browser{}
	flow := newFlow(t, hostResolver{host: mustParse(t, ts.URL)}, config.Delegated{}, b)

	_, err := flow.Login(context.Background())
	require.NoError(t, err)
	flow.Logout()
	require.Nil(t, flow.Identity())
	require.False(t, flow.IsAuthenticated())
}

func TestLogoutAbandonsPendingLogin(t *testing.T) {
	ts := startProvider(t)
	release := make(chan struct{})
	b := &browser{beforeHit: func() { <-release }}
	flow := newFlow(t, hostResolver{host: mustParse(t, ts.URL)}, config.Delegated{}, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := flow.Login(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return b.visits.Load() == 1 }, 5*time.Second, time.Millisecond)

	flow.Logout()
	require.ErrorIs(t, <-errCh, autherrors.ErrStaleResult)

	close(release)
	require.Eventually(t, func() bool { return b.lastCode.Load() != 0 }, 5*time.Second, time.Millisecond)
	require.Equal(t, http.StatusBadRequest, int(b.lastCode.Load()), "late callback is ignored")
	require.Nil(t, flow.Identity())
}

func TestLoginCallerCancellation(t *testing.T) {
	ts := startProvider(t)
	release := make(chan struct{})
	b := &browser{beforeHit: func() { <-release }}
	flow := newFlow(t, hostResolver{host: mustParse(t, ts.URL)}, config.Delegated{}, b)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := flow.Login(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return b.visits.Load() == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	id, err := flow.Login(context.Background())
	require.NoError(t, err, "the pending login survives its first caller")
	require.NotEmpty(t, id.Principal)
	require.Equal(t, int32(1), b.visits.Load())
}

func TestLoginWithoutHost(t *testing.T) {
	b := &browser{}
	flow := newFlow(t, hostResolver{production: true}, config.Delegated{}, b)

	_, err := flow.Login(context.Background())
	require.ErrorIs(t, err, autherrors.ErrUnavailable)
	require.Equal(t, int32(0), b.visits.Load())
}

func TestResolverDrivesProvider(t *testing.T) {
	ts := startProvider(t)
	host := mustParse(t, ts.URL)
	env := endpoint.StaticEnvironment{OriginURL: host}
	resolver, err := endpoint.NewResolver(env, nil)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", resolver.ResolveHost().String())

	b := &browser{}
	flow, err := delegated.NewFlow(resolver, config.Delegated{}, delegated.WithRedirector(b.redirect), delegated.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	b.flow = flow
	require.Equal(t, "/auth/callback", flow.CallbackPath())
}
