// Package storage provides the two-tier key/value persistence used by the
// session store: a session-scoped tier that lives as long as the process and a
// durable tier whose entries always carry an absolute expiry.
package storage

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultDurableHorizon = 7 * 24 * time.Hour

// Adapter reads and writes across both tiers. Tier failures are logged and
// treated as absent values; they are never returned to callers.
type Adapter struct {
	session Tier
	durable Tier
	horizon time.Duration
	nowTime func() time.Time
	logger  zerolog.Logger
}

type AdapterOption func(*Adapter)

// WithNowTime sets the clock used for expiry checks (primarily for testing)
func WithNowTime(nowFunc func() time.Time) AdapterOption {
	return func(a *Adapter) {
		a.nowTime = nowFunc
	}
}

// WithDurableHorizon sets the expiry used for durable writes that do not name one.
func WithDurableHorizon(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.horizon = d
		}
	}
}

func WithLogger(logger zerolog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// NewAdapter builds an adapter over the given tiers. A nil session tier is
// replaced with an in-memory one; a nil durable tier disables durable
// persistence.
func NewAdapter(session, durable Tier, options ...AdapterOption) *Adapter {
	if session == nil {
		session = NewMemoryTier()
	}
	a := &Adapter{
		session: session,
		durable: durable,
		horizon: defaultDurableHorizon,
		nowTime: time.Now,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Durable reports whether a durable tier is attached.
func (a *Adapter) Durable() bool {
	return a.durable != nil
}

// Read returns the value stored under key. The session tier wins over the
// durable tier. An expired entry is deleted and reported absent.
func (a *Adapter) Read(key string) ([]byte, bool) {
	e, _, ok := a.Lookup(key)
	return e.Value, ok
}

// Lookup is Read that returns the whole entry and reports whether it came
// from the durable tier.
func (a *Adapter) Lookup(key string) (entry Entry, durable bool, ok bool) {
	if e, ok := a.get(a.session, key, "session"); ok {
		if !e.Expired(a.nowTime()) {
			return e, false, true
		}
		a.logger.Debug().Str("key", key).Time("expiresAt", e.ExpiresAt).Msg("evicting expired session entry")
		a.delete(a.session, key, "session")
	}
	e, ok := a.ReadDurable(key)
	if !ok {
		return Entry{}, false, false
	}
	return e, true, true
}

// ReadDurable reports the durable entry for key with its expiry, applying the
// same lazy eviction as Read.
func (a *Adapter) ReadDurable(key string) (Entry, bool) {
	if a.durable == nil {
		return Entry{}, false
	}
	e, ok := a.get(a.durable, key, "durable")
	if !ok {
		return Entry{}, false
	}
	if e.ExpiresAt.IsZero() || e.Expired(a.nowTime()) {
		a.logger.Debug().Str("key", key).Time("expiresAt", e.ExpiresAt).Msg("evicting expired durable entry")
		a.delete(a.durable, key, "durable")
		return Entry{}, false
	}
	return e, true
}

// Write stores value. Durable writes carry expiresAt, or the adapter horizon
// when expiresAt is zero. Non-durable writes go to the session tier only and
// keep expiresAt as given, zero meaning no expiry.
func (a *Adapter) Write(key string, value []byte, durable bool, expiresAt time.Time) {
	if !durable {
		a.set(a.session, key, Entry{Value: value, ExpiresAt: expiresAt}, "session")
		return
	}
	if a.durable == nil {
		a.logger.Warn().Str("key", key).Msg("durable storage unavailable, keeping value for this session only")
		a.set(a.session, key, Entry{Value: value, ExpiresAt: expiresAt}, "session")
		return
	}
	if expiresAt.IsZero() {
		expiresAt = a.nowTime().Add(a.horizon)
	}
	a.set(a.durable, key, Entry{Value: value, ExpiresAt: expiresAt}, "durable")
}

// Clear removes key from both tiers.
func (a *Adapter) Clear(key string) {
	a.delete(a.session, key, "session")
	if a.durable != nil {
		a.delete(a.durable, key, "durable")
	}
}

func (a *Adapter) get(t Tier, key, tier string) (Entry, bool) {
	e, ok, err := t.Get(key)
	if err != nil {
		a.logger.Error().Err(err).Str("tier", tier).Str("key", key).Msg("storage read failed")
		return Entry{}, false
	}
	return e, ok
}

func (a *Adapter) set(t Tier, key string, e Entry, tier string) {
	if err := t.Set(key, e); err != nil {
		a.logger.Error().Err(err).Str("tier", tier).Str("key", key).Msg("storage write failed")
	}
}

func (a *Adapter) delete(t Tier, key, tier string) {
	if err := t.Delete(key); err != nil {
		a.logger.Error().Err(err).Str("tier", tier).Str("key", key).Msg("storage delete failed")
	}
}
