package delegated

import "time"

// Identity is a completed delegated login.
type Identity struct {
	Principal        string
	Email            string
	DerivationOrigin string
	Expiry           time.Time
	RawIDToken       string
}

// Valid reports whether the identity has not yet expired.
func (i *Identity) Valid(now time.Time) bool {
	return i != nil && i.Principal != "" && now.Before(i.Expiry)
}
