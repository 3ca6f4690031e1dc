package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jrsteele09/estate-session/devserver"
	"github.com/jrsteele09/estate-session/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testServiceID = "uxrrr-q7777-77774-qaaaq-cai"

type cliFixture struct {
	server *devserver.Server
	target *url.URL
}

func setupCLIFixture(t *testing.T) *cliFixture {
	t.Helper()

	server, err := devserver.New(
		devserver.WithLogger(zerolog.Nop()),
		devserver.WithServiceIDs(testServiceID),
	)
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	target, err := url.Parse(ts.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	t.Setenv("ESTATE_DATA_FOLDER", dir)
	t.Setenv("ESTATE_CANISTER_IDS_FILE", filepath.Join(dir, "missing.json"))
	t.Setenv("ESTATE_AUTH_SERVICE_ID", testServiceID)
	t.Setenv("ESTATE_ENV", "development")

	return &cliFixture{server: server, target: target}
}

// execute runs one CLI invocation with a fresh app, like a separate process.
func (f *cliFixture) execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	dial := func(_ context.Context, _ *url.URL, serviceID string) (rpc.Client, error) {
		return rpc.NewHTTPClient(f.target, serviceID)
	}
	cmd := newRootCmd(appOptions{dial: dial})
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLISessionLifecycle(t *testing.T) {
	f := setupCLIFixture(t)

	out, err := f.execute(t, "Passw0rdOne\n", "register", "--label", "a@x.com", "--remember")
	require.NoError(t, err)
	require.Contains(t, out, "registered and logged in as a@x.com")

	// The remembered session survives into the next invocation.
	out, err = f.execute(t, "", "whoami")
	require.NoError(t, err)
	principal := strings.TrimSpace(out)
	require.Equal(t, devserver.DerivePrincipal("account:a@x.com"), principal)

	out, err = f.execute(t, "", "status", "--json")
	require.NoError(t, err)
	var st sessionStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, "authenticated", st.State)
	require.Equal(t, "a@x.com", st.Label)
	require.True(t, st.Durable)
	require.NotNil(t, st.ExpiresAt)

	out, err = f.execute(t, "", "verify")
	require.NoError(t, err)
	require.Contains(t, out, "session is valid")

	out, err = f.execute(t, "", "logout")
	require.NoError(t, err)
	require.Contains(t, out, "logged out")

	out, err = f.execute(t, "", "whoami")
	require.NoError(t, err)
	require.Equal(t, "Not authenticated", strings.TrimSpace(out))

	out, err = f.execute(t, "", "status")
	require.NoError(t, err)
	require.Contains(t, out, "unauthenticated")
}

func TestCLILoginWithoutRememberIsNotKept(t *testing.T) {
	f := setupCLIFixture(t)
	ok, err := f.server.Register("b@x.com", "Passw0rdTwo")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.execute(t, "", "login", "--label", "b@x.com", "--password", "Passw0rdTwo")
	require.NoError(t, err)
	require.Contains(t, out, "logged in as b@x.com")

	out, err = f.execute(t, "", "status")
	require.NoError(t, err)
	require.Contains(t, out, "unauthenticated")
}

func TestCLILoginRejected(t *testing.T) {
	f := setupCLIFixture(t)

	_, err := f.execute(t, "wrong-secret\n", "login", "--label", "nobody@x.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "login failed")
}

func TestCLIRequiresSecret(t *testing.T) {
	f := setupCLIFixture(t)

	_, err := f.execute(t, "", "login", "--label", "a@x.com")
	require.Error(t, err)
	require.Contains(t, err.Error(), "a secret is required")
}

func TestCLIInvalidLogLevel(t *testing.T) {
	f := setupCLIFixture(t)

	_, err := f.execute(t, "", "--log-level", "loud", "status")
	require.Error(t, err)
}
