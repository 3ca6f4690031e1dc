package endpoint_test

import (
	"net/url"
	"testing"

	"github.com/jrsteele09/estate-session/endpoint"
	"github.com/stretchr/testify/require"
)

var devPatterns = []string{"*.app.github.dev", "*.gitpod.io", "*.csb.app"}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestResolveHost(t *testing.T) {
	tests := []struct {
		name       string
		production bool
		origin     string
		want       string
	}{
		{name: "production uses same origin", production: true, origin: "https://estate.example.com", want: ""},
		{name: "local development", origin: "http://localhost:3000", want: "http://localhost:8000"},
		{name: "unknown host falls back to loopback", origin: "http://192.168.1.10:3000", want: "http://localhost:8000"},
		{name: "codespaces port in hostname", origin: "https://octo-repo-x7q-3000.app.github.dev", want: "https://octo-repo-x7q-8000.app.github.dev"},
		{name: "gitpod port prefix", origin: "https://3000-octo-repo-abc.gitpod.io", want: "https://8000-octo-repo-abc.gitpod.io"},
		{name: "container port rewritten", origin: "https://sandbox.csb.app:3000", want: "https://sandbox.csb.app:8000"},
		{name: "container without port", origin: "https://sandbox.csb.app", want: "https://sandbox.csb.app:8000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := endpoint.StaticEnvironment{IsProduction: tt.production, OriginURL: mustURL(t, tt.origin)}
			r, err := endpoint.NewResolver(env, devPatterns)
			require.NoError(t, err)

			got := r.ResolveHost()
			if tt.want == "" {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, tt.want, got.String())
		})
	}
}

func TestResolveHostIsReevaluatedPerCall(t *testing.T) {
	env := endpoint.NewMutableEnvironment(false, mustURL(t, "http://localhost:3000"))
	r, err := endpoint.NewResolver(env, devPatterns)
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8000", r.ResolveHost().String())

	env.SetOrigin(mustURL(t, "https://box-3000.app.github.dev"))
	require.Equal(t, "https://box-8000.app.github.dev", r.ResolveHost().String())
}

func TestResolveHostWithoutOrigin(t *testing.T) {
	r, err := endpoint.NewResolver(endpoint.StaticEnvironment{}, devPatterns, endpoint.WithPort(4943))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:4943", r.ResolveHost().String())
}

func TestNewResolverRejectsBadPattern(t *testing.T) {
	_, err := endpoint.NewResolver(endpoint.StaticEnvironment{}, []string{"[unterminated"})
	require.Error(t, err)

	_, err = endpoint.NewResolver(nil, nil)
	require.Error(t, err)
}
