package rpc_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/jrsteele09/estate-session/rpc"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

const testServiceID = "uxrrr-q7777-77774-qaaaq-cai"

// callHandler answers every method with the given response body and status.
type callHandler map[string]struct {
	status int
	body   string
}

func newServer(t *testing.T, calls callHandler, seen chan<- *http.Request) *url.URL {
	t.Helper()
	mux := http.NewServeMux()
	for method, resp := range calls {
		mux.HandleFunc(rpc.CallPath(testServiceID, method), func(w http.ResponseWriter, r *http.Request) {
			if seen != nil {
				seen <- r
			}
			var req rpc.CallRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(resp.status)
			_, _ = w.Write([]byte(resp.body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

func newClient(t *testing.T, endpoint *url.URL) *rpc.HTTPClient {
	t.Helper()
	c, err := rpc.NewHTTPClient(endpoint, testServiceID, rpc.WithTracer(noop.NewTracerProvider().Tracer("test")))
	require.NoError(t, err)
	return c
}

func TestHTTPClientLoginObjectForm(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	body, _ := json.Marshal(map[string]any{"ok": map[string]any{
		"token": "T1", "principal": []int{4}, "expiry": expiry.UnixMilli(),
	}})
	seen := make(chan *http.Request, 1)
	c := newClient(t, newServer(t, callHandler{rpc.MethodLogin: {http.StatusOK, string(body)}}, seen))

	result, err := c.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "T1", result.Token)
	require.Equal(t, "2vxsx-fae", result.Principal)
	require.True(t, expiry.Equal(result.Expiry))

	r := <-seen
	require.Equal(t, http.MethodPost, r.Method)
	require.NotEmpty(t, r.Header.Get("X-Request-ID"))
}

func TestHTTPClientLoginOptionalForm(t *testing.T) {
	c := newClient(t, newServer(t, callHandler{rpc.MethodLogin: {http.StatusOK, `{"ok":["T2"]}`}}, nil))
	result, err := c.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "T2", result.Token)
	require.Empty(t, result.Principal)
	require.True(t, result.Expiry.IsZero())
}

func TestHTTPClientLoginRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "empty optional", status: http.StatusOK, body: `{"ok":[]}`},
		{name: "application error", status: http.StatusOK, body: `{"err":"invalid credentials"}`},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, newServer(t, callHandler{rpc.MethodLogin: {tt.status, tt.body}}, nil))
			_, err := c.Login(context.Background(), "a@x.com", "bad")
			require.ErrorIs(t, err, autherrors.ErrRejected)
		})
	}
}

func TestHTTPClientTransportErrors(t *testing.T) {
	c := newClient(t, newServer(t, callHandler{rpc.MethodVerifySession: {http.StatusBadGateway, ``}}, nil))
	_, err := c.VerifySession(context.Background(), "T1")
	require.ErrorIs(t, err, autherrors.ErrUnavailable)

	dead, _ := url.Parse("http://127.0.0.1:1")
	c = newClient(t, dead)
	_, err = c.Logout(context.Background(), "T1")
	require.ErrorIs(t, err, autherrors.ErrUnavailable)
}

func TestHTTPClientBoolAndPrincipalCalls(t *testing.T) {
	c := newClient(t, newServer(t, callHandler{
		rpc.MethodRegister:              {http.StatusOK, `{"ok":true}`},
		rpc.MethodRequestPasswordReset:  {http.StatusOK, `{"ok":false}`},
		rpc.MethodResetPassword:         {http.StatusOK, `{"ok":true}`},
		rpc.MethodGetPrincipalFromToken: {http.StatusOK, `{"ok":{"__principal__":"aaaaa-aa"}}`},
	}, nil))
	ctx := context.Background()

	ok, err := c.Register(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.RequestPasswordReset(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.ResetPassword(ctx, "a@x.com", "reset", "pw2")
	require.NoError(t, err)
	require.True(t, ok)

	p, err := c.GetPrincipalFromToken(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, "aaaaa-aa", p)
}

func TestHTTPClientPinsAPIVersion(t *testing.T) {
	endpoint := newServer(t, callHandler{rpc.MethodVerifySession: {http.StatusOK, `{"ok":true}`}}, nil)
	versioned := *endpoint
	versioned.Path = "/api/v3/"

	c := newClient(t, &versioned)
	require.Empty(t, c.Endpoint().Path)
	ok, err := c.VerifySession(context.Background(), "T1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHTTPClientFetchRootKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: "root-1", Algorithm: "RS256", Use: "sig"}}}

	mux := http.NewServeMux()
	mux.HandleFunc(rpc.RootKeyPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(set)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)

	c := newClient(t, u)
	require.True(t, c.TrustRoot().Empty())
	require.NoError(t, c.FetchRootKey(context.Background()))

	pub, ok := c.TrustRoot().Key("root-1")
	require.True(t, ok)
	require.Equal(t, key.PublicKey.N, pub.(*rsa.PublicKey).N)
}

func TestNewHTTPClientValidates(t *testing.T) {
	_, err := rpc.NewHTTPClient(nil, testServiceID)
	require.Error(t, err)
	u, _ := url.Parse("http://localhost:8000")
	_, err = rpc.NewHTTPClient(u, " ")
	require.Error(t, err)
}
