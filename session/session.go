package session

import (
	"encoding/json"
	"time"

	"github.com/jrsteele09/estate-session/internal/utils"
)

// NotAuthenticated is returned by Principal when there is no usable session.
const NotAuthenticated = "Not authenticated"

// State of the session state machine.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Expired   // observed once after an expired token is purged
	LoggedOut // observed once after Logout
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	case LoggedOut:
		return "logged_out"
	}
	return "unknown"
}

// Credential is a label and secret pair. It is never persisted.
type Credential struct {
	Label  string
	Secret string
}

// Session is the authenticated state. Token is set if and only if ExpiresAt is.
type Session struct {
	Token     string
	Principal string // cleared whenever Token changes
	Label     string
	ExpiresAt time.Time
	Durable   bool // persisted to the durable tier ("remember me")
}

// Valid reports whether the token is present and unexpired at now.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}

// StoredRecord is the persisted projection of a Session. The session-scoped
// copy has no expiry; the durable copy always carries one (unix milliseconds).
type StoredRecord struct {
	Token     string `json:"token"`
	Label     string `json:"label,omitempty"`
	Expiry    *int64 `json:"expiry,omitempty"`
	Principal string `json:"principal,omitempty"`
}

func recordFrom(s Session) StoredRecord {
	r := StoredRecord{Token: s.Token, Label: s.Label, Principal: s.Principal}
	if s.Durable {
		r.Expiry = utils.UnixMilli(s.ExpiresAt)
	}
	return r
}

func (r StoredRecord) encode() ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (StoredRecord, error) {
	var r StoredRecord
	err := json.Unmarshal(data, &r)
	return r, err
}
