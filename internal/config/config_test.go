package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/estate-session/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("ESTATE_CANISTER_IDS_FILE", filepath.Join(t.TempDir(), "missing.json"))

	c, err := config.New()
	require.NoError(t, err)
	require.False(t, c.IsProduction())
	require.Equal(t, 8000, c.GetServicePort())
	require.Equal(t, "uxrrr-q7777-77774-qaaaq-cai", c.GetAuthServiceID())
	require.Equal(t, 7*24*time.Hour, c.GetDefaultSessionExpiry())
	require.Equal(t, 30*24*time.Hour, c.GetDelegatedMaxTTL())
	require.Contains(t, c.GetDevContainerPatterns(), "*.app.github.dev")
}

func TestNewProduction(t *testing.T) {
	t.Setenv("ESTATE_ENV", "PRODUCTION")
	t.Setenv("ESTATE_CANISTER_IDS_FILE", "")

	c, err := config.New()
	require.NoError(t, err)
	require.True(t, c.IsProduction())
}

func TestServiceIDsFromCanisterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canister_ids.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"auth": {"local": "bkyz2-fmaaa-aaaaa-qaaaq-cai"},
		"real_estate_app_backend": {"local": "be2us-64aaa-aaaaa-qaabq-cai"}
	}`), 0o600))
	t.Setenv("ESTATE_CANISTER_IDS_FILE", path)

	c, err := config.New()
	require.NoError(t, err)
	require.Equal(t, "bkyz2-fmaaa-aaaaa-qaaaq-cai", c.GetAuthServiceID())
	require.Equal(t, "be2us-64aaa-aaaaa-qaabq-cai", c.GetBackendServiceID())

	t.Setenv("ESTATE_AUTH_SERVICE_ID", "explicit-id")
	c, err = config.New()
	require.NoError(t, err)
	require.Equal(t, "explicit-id", c.GetAuthServiceID())
}

func TestLoadServiceIDsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canister_ids.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))

	_, err := config.LoadServiceIDs(path)
	require.Error(t, err)
}
