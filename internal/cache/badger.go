package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/Ilingu/ilix/internal/core"
)

// Badger is the durable Store implementation. Expiry rides on badger's
// native entry TTL, so an expired file-info entry reads back as not found
// without any sweeper of our own.
type Badger struct {
	db *badger.DB
}

// Config for opening the cache
type Config struct {
	Path     string // Directory for the badger value log
	InMemory bool   // Keep everything in memory (for testing)
}

// Open opens or creates the cache store.
func Open(cfg Config) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &Badger{db: db}, nil
}

// Get decodes the value under key into v.
func (b *Badger) Get(key string, v any) error {
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read cache entry %q: %w", key, err)
	}
	return nil
}

// Set stores v under key with an optional TTL.
func (b *Badger) Set(key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), raw)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write cache entry %q: %w", key, err)
	}
	return nil
}

// Delete removes key from the cache.
func (b *Badger) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete cache entry %q: %w", key, err)
	}
	return nil
}

// Clear wipes the whole cache.
func (b *Badger) Clear() error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("clear cache store: %w", err)
	}
	return nil
}

// Close closes the cache store.
func (b *Badger) Close() error {
	return b.db.Close()
}
