package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Ilingu/ilix/internal/api"
	"github.com/Ilingu/ilix/internal/cache"
	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/keyring"
	"github.com/Ilingu/ilix/internal/logging"
)

// PoolChangeKind says what mutated. The coordinator re-derives identity only
// for kinds that can change which pool is current; an in-place Replaced never
// does, and that is what terminates a cascade.
type PoolChangeKind string

const (
	PoolLoaded   PoolChangeKind = "loaded"
	PoolAdded    PoolChangeKind = "added"
	PoolSwitched PoolChangeKind = "switched"
	PoolReplaced PoolChangeKind = "replaced"
	PoolRemoved  PoolChangeKind = "removed"
	PoolCleared  PoolChangeKind = "cleared"
)

// PoolChange is emitted on every committed collection mutation. Cascade is
// the pool side's one-shot propagation token, consumed by emission.
type PoolChange struct {
	Kind       PoolChangeKind
	Collection core.PoolCollection
	Cascade    bool
}

// PoolManager exclusively owns the pool collection. Every mutation persists
// the full collection value before committing it in memory, so overlapping
// writers cannot lose updates through partial writes and a storage failure
// never leaves memory ahead of disk.
type PoolManager struct {
	mu         sync.Mutex
	collection core.PoolCollection
	loaded     bool
	leaving    bool

	store  cache.Store
	keys   keyring.Store
	client *api.Client
	subs   []func(PoolChange)
	log    *logging.Logger
}

// PoolConfig for creating a PoolManager
type PoolConfig struct {
	Store  cache.Store
	Keys   keyring.Store
	Client *api.Client
}

// NewPoolManager creates the pool manager with nothing loaded yet.
func NewPoolManager(cfg PoolConfig) *PoolManager {
	return &PoolManager{
		store:  cfg.Store,
		keys:   cfg.Keys,
		client: cfg.Client,
		log:    logging.Component("state.pool"),
	}
}

// Subscribe registers a state-change observer.
func (m *PoolManager) Subscribe(fn func(PoolChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Collection returns a copy of the current collection.
func (m *PoolManager) Collection() core.PoolCollection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collection.CloneShallow()
}

func (m *PoolManager) emit(kind PoolChangeKind, collection core.PoolCollection, cascade bool) {
	m.mu.Lock()
	subs := m.subs
	m.mu.Unlock()

	change := PoolChange{Kind: kind, Collection: collection, Cascade: cascade}
	for _, fn := range subs {
		fn(change)
	}
}

// persistAndCommit writes the whole collection value, then commits it.
func (m *PoolManager) persistAndCommit(next core.PoolCollection) error {
	if err := m.store.Set(cache.PoolsKey, next, 0); err != nil {
		return fmt.Errorf("persist pool collection: %w", err)
	}
	m.mu.Lock()
	m.collection = next
	m.mu.Unlock()
	return nil
}

// LoadInitial reads the persisted collection. Absence is not an error, just
// "no pools yet"; the emitted change cascades so identity derivation runs
// either way.
func (m *PoolManager) LoadInitial() (core.PoolCollection, error) {
	var collection core.PoolCollection
	err := m.store.Get(cache.PoolsKey, &collection)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		// Unreadable storage is treated as "not present"
		m.log.Warn("pool collection unreadable, starting empty: %v", err)
		err = nil
	}
	if !collection.Valid() {
		m.log.Warn("persisted pool collection broke its index invariant, resetting index")
		collection.CurrentIndex = 0
	}

	m.mu.Lock()
	m.collection = collection
	m.loaded = true
	m.mu.Unlock()

	m.log.Debug("loaded %d pool(s)", len(collection.Pools))
	m.emit(PoolLoaded, collection, true)
	return collection, err
}

// AddPool prepends a freshly joined/created pool and makes it current.
// cascade defaults to false at the join/create call sites: the caller just
// adopted the pool's key-phrase, so re-deriving identity from the collection
// would be a pointless round trip.
func (m *PoolManager) AddPool(record core.PoolRecord, cascade bool) error {
	if record.KeyPhraseRef == "" || !record.Complete() {
		return core.ErrCorruptedData
	}

	m.mu.Lock()
	next := m.collection.CloneShallow()
	m.mu.Unlock()

	next.Pools = append([]core.PoolRecord{record}, next.Pools...)
	next.CurrentIndex = 0

	if err := m.persistAndCommit(next); err != nil {
		return err
	}
	m.log.Info("pool %q added", record.PoolName)
	m.emit(PoolAdded, next, cascade)
	return nil
}

// SwitchTo changes which pool is current. Always cascades: a switch must
// re-derive identity for the newly active pool.
func (m *PoolManager) SwitchTo(index int) error {
	m.mu.Lock()
	next := m.collection.CloneShallow()
	m.mu.Unlock()

	if index < 0 || index >= len(next.Pools) {
		return core.ErrIndexOutOfRange
	}
	next.CurrentIndex = index

	if err := m.persistAndCommit(next); err != nil {
		return err
	}
	m.log.Info("switched to pool %q", next.Pools[index].PoolName)
	m.emit(PoolSwitched, next, true)
	return nil
}

// ReplaceOrDelete applies a server-driven refresh of one entry. A non-nil
// pool replaces the entry's server fields in place, preserving both the
// current index and the stored key-phrase ref (server payloads never carry
// the secret). A nil pool deletes the entry and reselects the current index:
// the surviving entry that was current keeps being current, by identity, and
// if the deleted entry itself was current the lowest surviving index wins.
//
// The collection becoming empty is equivalent to a full logout and is
// signaled upward as PoolCleared.
func (m *PoolManager) ReplaceOrDelete(index int, pool *core.DevicesPool) error {
	m.mu.Lock()
	next := m.collection.CloneShallow()
	m.mu.Unlock()

	if index < 0 || index >= len(next.Pools) {
		return core.ErrIndexOutOfRange
	}

	if pool != nil {
		if !pool.Complete() {
			return core.ErrCorruptedData
		}
		entry := next.Pools[index]
		entry.DevicesPool = *pool
		next.Pools[index] = entry

		if err := m.persistAndCommit(next); err != nil {
			return err
		}
		m.emit(PoolReplaced, next, true)
		return nil
	}

	currentRef := ""
	if cur, ok := next.Current(); ok {
		currentRef = cur.KeyPhraseRef
	}
	deleted := next.Pools[index]
	wasCurrent := index == next.CurrentIndex

	next.Pools = append(next.Pools[:index:index], next.Pools[index+1:]...)

	switch {
	case next.Empty():
		next.CurrentIndex = 0
	case wasCurrent:
		next.CurrentIndex = 0 // lowest surviving index, deterministic
	default:
		for i, rec := range next.Pools {
			if rec.KeyPhraseRef == currentRef {
				next.CurrentIndex = i
				break
			}
		}
	}

	if err := m.persistAndCommit(next); err != nil {
		return err
	}

	// The removed pool's key-phrase would otherwise be orphaned in the
	// keyring: no surviving record references it, so logout could never
	// reach it either.
	if err := m.keys.Delete(deleted.KeyPhraseRef); err != nil {
		m.log.Warn("stored key-phrase for %q not removed: %v", deleted.PoolName, err)
	}

	m.log.Info("pool %q removed", deleted.PoolName)
	if next.Empty() {
		m.emit(PoolCleared, next, true)
	} else {
		m.emit(PoolRemoved, next, true)
	}
	return nil
}

// LeavePool leaves the pool at index: server first, local state only on
// server success. Leaves are serialized; a second call while one is in
// flight is rejected rather than applied against a stale index.
func (m *PoolManager) LeavePool(ctx context.Context, index int, deviceID string) error {
	m.mu.Lock()
	if m.leaving {
		m.mu.Unlock()
		return core.ErrLeaveInProgress
	}
	m.leaving = true
	collection := m.collection.CloneShallow()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.leaving = false
		m.mu.Unlock()
	}()

	if index < 0 || index >= len(collection.Pools) {
		return core.ErrIndexOutOfRange
	}

	keyPhrase, err := m.keys.Get(collection.Pools[index].KeyPhraseRef)
	if err != nil {
		return fmt.Errorf("resolve key phrase for leave: %w", err)
	}
	if err := m.client.LeavePool(ctx, keyPhrase, deviceID); err != nil {
		// A pool the server no longer knows should still be dropped locally
		if !errors.Is(err, core.ErrPoolNotFound) {
			return err
		}
		m.log.Warn("pool already gone server-side, removing locally")
	}

	// The server call suspended us; apply the deletion against the index
	// revalidated by ReplaceOrDelete, not a snapshot.
	return m.ReplaceOrDelete(index, nil)
}

// RefreshCurrent fetches the current pool's server record and replaces it in
// place. The result is applied only if the same pool is still current once
// the call resolves; a switch that happened mid-flight wins.
func (m *PoolManager) RefreshCurrent(ctx context.Context, keyPhrase string) error {
	if !core.ValidKeyPhrase(keyPhrase) {
		return nil // not logged in, nothing to refresh
	}

	m.mu.Lock()
	before, ok := m.collection.Current()
	m.mu.Unlock()
	if !ok {
		return nil
	}

	pool, err := m.client.GetPool(ctx, keyPhrase)
	if err != nil {
		if errors.Is(err, core.ErrPoolNotFound) {
			return core.ErrPoolNotFound // coordinator turns this into a logout
		}
		m.log.Warn("pool refresh failed: %v", err)
		return err
	}

	m.mu.Lock()
	after, stillOK := m.collection.Current()
	index := m.collection.CurrentIndex
	m.mu.Unlock()
	if !stillOK || after.KeyPhraseRef != before.KeyPhraseRef {
		m.log.Debug("discarding stale pool refresh")
		return core.ErrStaleState
	}

	return m.ReplaceOrDelete(index, &pool)
}

// Clear drops the collection, its persisted value, and every stored
// key-phrase the collection references. This is the downward command used by
// the coordinator's logout; it does not emit, the coordinator already knows.
// Storage goes first: any failure returns with memory untouched.
func (m *PoolManager) Clear() error {
	m.mu.Lock()
	collection := m.collection.CloneShallow()
	m.mu.Unlock()

	for _, rec := range collection.Pools {
		if err := m.keys.Delete(rec.KeyPhraseRef); err != nil {
			return fmt.Errorf("clear stored key-phrase for %q: %w", rec.PoolName, err)
		}
	}
	if err := m.store.Delete(cache.PoolsKey); err != nil {
		return fmt.Errorf("clear persisted pools: %w", err)
	}

	m.mu.Lock()
	m.collection = core.PoolCollection{}
	m.mu.Unlock()
	return nil
}
