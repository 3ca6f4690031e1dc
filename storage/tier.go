package storage

import (
	"sync"
	"time"
)

// Entry is a stored value with an optional absolute expiry.
type Entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry carries an expiry that is not after now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Tier is one persistence layer behind the Adapter.
type Tier interface {
	Get(key string) (Entry, bool, error)
	Set(key string, entry Entry) error
	Delete(key string) error
}

var _ Tier = (*MemoryTier)(nil)

// MemoryTier keeps entries for the lifetime of the process. It backs the
// session-scoped tier.
type MemoryTier struct {
	entries map[string]Entry
	lock    sync.RWMutex
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]Entry)}
}

func (m *MemoryTier) Get(key string) (Entry, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryTier) Set(key string, entry Entry) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.entries[key] = Entry{Value: append([]byte(nil), entry.Value...), ExpiresAt: entry.ExpiresAt}
	return nil
}

func (m *MemoryTier) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.entries, key)
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryTier) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.entries)
}
