package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	envProduction = "production"

	// Fallback identifiers used when neither the environment nor the canister
	// ids file name the services.
	fallbackAuthServiceID    = "uxrrr-q7777-77774-qaaaq-cai"
	fallbackBackendServiceID = "be2us-64aaa-aaaaa-qaabq-cai"
)

// EnvVars holds the raw environment configuration.
type EnvVars struct {
	AppName              string   `env:"ESTATE_APP_NAME" envDefault:"Estate"`
	Env                  string   `env:"ESTATE_ENV" envDefault:"development"`
	Origin               string   `env:"ESTATE_ORIGIN" envDefault:"http://localhost:3000"`
	DataFolder           string   `env:"ESTATE_DATA_FOLDER" envDefault:"./data"`
	ServicePort          int      `env:"ESTATE_SERVICE_PORT" envDefault:"8000"`
	AuthServiceID        string   `env:"ESTATE_AUTH_SERVICE_ID"`
	BackendServiceID     string   `env:"ESTATE_BACKEND_SERVICE_ID"`
	CanisterIDsFile      string   `env:"ESTATE_CANISTER_IDS_FILE" envDefault:".dfx/local/canister_ids.json"`
	DevContainerPatterns []string `env:"ESTATE_DEV_CONTAINER_PATTERNS" envSeparator:"," envDefault:"*.app.github.dev,*.github.dev,*.gitpod.io,*.csb.app"`

	serviceIDs ServiceIDs
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	if e.Env == "" {
		return "development"
	}
	return strings.ToLower(e.Env)
}

func (e EnvVars) IsProduction() bool {
	return e.GetEnv() == envProduction
}

// GetOrigin returns the origin the front end is served from.
func (e EnvVars) GetOrigin() string {
	return e.Origin
}

func (e EnvVars) GetDataFolder() string {
	return e.DataFolder
}

func (e EnvVars) GetServicePort() int {
	if e.ServicePort == 0 {
		return 8000
	}
	return e.ServicePort
}

func (e EnvVars) GetAuthServiceID() string {
	return firstNonEmpty(e.AuthServiceID, e.serviceIDs.Local("auth"), fallbackAuthServiceID)
}

func (e EnvVars) GetBackendServiceID() string {
	return firstNonEmpty(e.BackendServiceID, e.serviceIDs.Local("real_estate_app_backend"), fallbackBackendServiceID)
}

func (e EnvVars) GetDevContainerPatterns() []string {
	return e.DevContainerPatterns
}

func (e EnvVars) String() string {
	return fmt.Sprintf("env=%s origin=%s data=%s", e.GetEnv(), e.Origin, filepath.Clean(e.DataFolder))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
