package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ServiceIDs mirrors the canister_ids.json layout written by the local
// replica: service name -> network -> identifier.
type ServiceIDs map[string]map[string]string

// Local returns the identifier of a service on the local network, or "".
func (s ServiceIDs) Local(name string) string {
	if s == nil {
		return ""
	}
	return s[name]["local"]
}

// LoadServiceIDs reads a canister ids file. A missing file is not an error.
func LoadServiceIDs(path string) (ServiceIDs, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[LoadServiceIDs] read")
	}
	var ids ServiceIDs
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, errors.Wrap(err, "[LoadServiceIDs] decode")
	}
	return ids, nil
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
