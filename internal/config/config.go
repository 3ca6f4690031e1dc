package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config interface {
	EnvConfig
	SessionConfig
	DelegatedConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	IsProduction() bool
	GetOrigin() string
	GetDataFolder() string
	GetServicePort() int
	GetAuthServiceID() string
	GetBackendServiceID() string
	GetDevContainerPatterns() []string
}

type SessionConfig interface {
	GetDefaultSessionExpiry() time.Duration
	GetSessionStorageKey() string
	GetDurableStoreFile() string
	GetBootstrapAttempts() uint64
}

type DelegatedConfig interface {
	GetIdentityProviderURL() string
	GetDevIdentityProviderPath() string
	GetDelegatedClientID() string
	GetDelegatedCallbackPath() string
	GetDelegatedMaxTTL() time.Duration
}

type mainConfig struct {
	EnvVars
	Session
	Delegated
}

// New reads the configuration from the environment. Service identifiers that
// are not set explicitly are looked up in the local canister ids file.
func New() (Config, error) {
	var vars EnvVars
	if err := env.Parse(&vars); err != nil {
		return nil, errors.Wrap(err, "[config.New] parse env")
	}
	ids, err := LoadServiceIDs(vars.CanisterIDsFile)
	if err != nil {
		return nil, errors.Wrap(err, "[config.New] LoadServiceIDs")
	}
	vars.serviceIDs = ids
	return mainConfig{EnvVars: vars}, nil
}
