package config

import (
	"path/filepath"
	"time"
)

type Session struct{}

var _ SessionConfig = Session{}

func (Session) GetDefaultSessionExpiry() time.Duration {
	return 7 * 24 * time.Hour // 7 days
}

func (Session) GetSessionStorageKey() string {
	return "auth_session"
}

func (Session) GetDurableStoreFile() string {
	return "session.db"
}

func (Session) GetBootstrapAttempts() uint64 {
	return 3
}

type Delegated struct{}

var _ DelegatedConfig = Delegated{}

func (Delegated) GetIdentityProviderURL() string {
	return GetEnv("ESTATE_IDP_URL", "https://nfid.one")
}

func (Delegated) GetDevIdentityProviderPath() string {
	return "/identity"
}

func (Delegated) GetDelegatedClientID() string {
	return GetEnv("ESTATE_IDP_CLIENT_ID", "estate-frontend")
}

func (Delegated) GetDelegatedCallbackPath() string {
	return "/auth/callback"
}

func (Delegated) GetDelegatedMaxTTL() time.Duration {
	return 30 * 24 * time.Hour // 30 days
}

// DurableStorePath joins the data folder and the durable store file name.
func DurableStorePath(c Config) string {
	return filepath.Join(c.GetDataFolder(), c.GetDurableStoreFile())
}
