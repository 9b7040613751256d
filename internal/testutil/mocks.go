package testutil

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Ilingu/ilix/internal/core"
)

// MemoryKeyring is an in-memory keyring.Store for tests. Optional error
// hooks let a test fail specific operations.
type MemoryKeyring struct {
	mu      sync.Mutex
	secrets map[string]string

	GetErr func(ref string) error
	SetErr func(ref string) error
}

// NewMemoryKeyring creates an empty in-memory keyring.
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{secrets: make(map[string]string)}
}

// Get returns the secret behind ref.
func (k *MemoryKeyring) Get(ref string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.GetErr != nil {
		if err := k.GetErr(ref); err != nil {
			return "", err
		}
	}
	secret, ok := k.secrets[ref]
	if !ok {
		return "", core.ErrNotFound
	}
	return secret, nil
}

// Set stores secret under ref.
func (k *MemoryKeyring) Set(ref, secret string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.SetErr != nil {
		if err := k.SetErr(ref); err != nil {
			return err
		}
	}
	k.secrets[ref] = secret
	return nil
}

// Delete removes ref.
func (k *MemoryKeyring) Delete(ref string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.secrets, ref)
	return nil
}

// Close is a no-op.
func (k *MemoryKeyring) Close() error { return nil }

// Len returns the number of stored secrets.
func (k *MemoryKeyring) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.secrets)
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is an in-memory cache.Store for tests. Values round-trip
// through JSON so tests exercise the same serialization as the real store.
// Now can be overridden to simulate the passage of time for TTL checks.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	Now    func() time.Time
	SetErr func(key string) error
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), Now: time.Now}
}

// Get unmarshals the value behind key into v.
func (c *MemoryCache) Get(key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return core.ErrNotFound
	}
	if !entry.expiresAt.IsZero() && c.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return core.ErrNotFound
	}
	return json.Unmarshal(entry.value, v)
}

// Set stores v under key, expiring after ttl when ttl > 0.
func (c *MemoryCache) Set(key string, v any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetErr != nil {
		if err := c.SetErr(key); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	entry := memoryEntry{value: raw}
	if ttl > 0 {
		entry.expiresAt = c.Now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// Delete removes key.
func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Clear removes every entry.
func (c *MemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

// Close is a no-op.
func (c *MemoryCache) Close() error { return nil }

// Has reports whether key currently holds a live entry.
func (c *MemoryCache) Has(key string) bool {
	var raw json.RawMessage
	return c.Get(key, &raw) == nil
}
