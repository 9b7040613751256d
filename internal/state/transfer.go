package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ilingu/ilix/internal/api"
	"github.com/Ilingu/ilix/internal/cache"
	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/logging"
)

// CredentialsFunc returns the device id and key-phrase that are current right
// now. The transfer manager calls it at the point of each fetch and again
// when applying the result, so a pool switch that lands mid-flight makes the
// in-flight response stale instead of letting it clobber the new pool's
// inbox.
type CredentialsFunc func() (deviceID, keyPhrase string)

// TransferChange mirrors one inbox load cycle. Succeed is nil while loading
// and after a credential loss, otherwise it reports the last fetch outcome.
type TransferChange struct {
	Loading   bool
	Succeed   *bool
	Transfers []core.FileTransfer
}

// TransferManager exclusively owns the transfer inbox slice and the
// per-transfer file-info cache.
type TransferManager struct {
	mu        sync.Mutex
	transfers []core.FileTransfer
	loading   bool
	succeed   *bool

	client *api.Client
	store  cache.Store
	creds  CredentialsFunc
	ttl    time.Duration
	subs   []func(TransferChange)
	log    *logging.Logger
}

// TransferConfig for creating a TransferManager
type TransferConfig struct {
	Client      *api.Client
	Store       cache.Store
	Credentials CredentialsFunc
	FileInfoTTL time.Duration
}

// NewTransferManager creates the transfer manager with an empty inbox.
func NewTransferManager(cfg TransferConfig) *TransferManager {
	return &TransferManager{
		client: cfg.Client,
		store:  cfg.Store,
		creds:  cfg.Credentials,
		ttl:    cfg.FileInfoTTL,
		log:    logging.Component("state.transfer"),
	}
}

// Subscribe registers a state-change observer.
func (m *TransferManager) Subscribe(fn func(TransferChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Transfers returns a copy of the current inbox.
func (m *TransferManager) Transfers() []core.FileTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.FileTransfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

func (m *TransferManager) commit(loading bool, succeed *bool, transfers []core.FileTransfer) {
	m.mu.Lock()
	m.loading = loading
	m.succeed = succeed
	m.transfers = transfers
	subs := m.subs
	m.mu.Unlock()

	change := TransferChange{Loading: loading, Succeed: succeed, Transfers: transfers}
	for _, fn := range subs {
		fn(change)
	}
}

// Refresh replaces the inbox with the server's view for the current
// credentials. A missing or invalid key-phrase empties the inbox without an
// error; that is the logged-out rendering, not a failure. The response is
// discarded if the key-phrase changed while the request was in flight.
func (m *TransferManager) Refresh(ctx context.Context) error {
	deviceID, keyPhrase := m.creds()
	if deviceID == "" || !core.ValidKeyPhrase(keyPhrase) {
		m.commit(false, nil, nil)
		return nil
	}

	m.commit(true, nil, m.Transfers())

	transfers, err := m.client.ListTransfers(ctx, keyPhrase, deviceID)

	_, nowKeyPhrase := m.creds()
	if nowKeyPhrase != keyPhrase {
		m.log.Debug("discarding stale inbox fetch")
		return core.ErrStaleState
	}

	if err != nil {
		m.log.Warn("inbox fetch failed: %v", err)
		failed := false
		m.commit(false, &failed, nil)
		return err
	}

	ok := true
	m.commit(false, &ok, transfers)
	m.log.Debug("inbox refreshed, %d transfer(s)", len(transfers))
	return nil
}

// ApplyPushUpdate merges one pushed transfer into the inbox: an unknown id is
// prepended, a known id is replaced in place. Applying the same event twice
// leaves the slice unchanged, so redelivery is harmless.
func (m *TransferManager) ApplyPushUpdate(t core.FileTransfer) error {
	if !t.Complete() {
		return core.ErrCorruptedData
	}

	m.mu.Lock()
	next := make([]core.FileTransfer, len(m.transfers))
	copy(next, m.transfers)
	m.mu.Unlock()

	found := false
	for i, existing := range next {
		if existing.ID == t.ID {
			if !core.SameIDSet(existing.FilesID, t.FilesID) {
				// The file set changed under a live cache entry.
				m.invalidateFiles(t.ID)
			}
			next[i] = t
			found = true
			break
		}
	}
	if !found {
		next = append([]core.FileTransfer{t}, next...)
	}

	ok := true
	m.commit(false, &ok, next)
	return nil
}

// FilesInfo resolves the file metadata of one transfer, serving from the
// cache when a live entry covers exactly the transfer's current file set.
// refresh forces a server round trip and rewrites the entry.
func (m *TransferManager) FilesInfo(ctx context.Context, transfer core.FileTransfer, refresh bool) ([]core.FileInfo, error) {
	if !transfer.Complete() {
		return nil, core.ErrCorruptedData
	}
	key := cache.TransferFilesKey(transfer.ID)

	if !refresh {
		var cached []core.FileInfo
		err := m.store.Get(key, &cached)
		switch {
		case err == nil && core.SameIDSet(fileInfoIDs(cached), transfer.FilesID):
			return cached, nil
		case err == nil:
			// Entry outlived its transfer's file set
			m.invalidateFiles(transfer.ID)
		case !errors.Is(err, core.ErrNotFound):
			m.log.Warn("file-info cache read failed: %v", err)
		}
	}

	infos, err := m.client.GetFilesInfo(ctx, transfer.FilesID)
	if err != nil {
		return nil, fmt.Errorf("fetch files info: %w", err)
	}
	if err := m.store.Set(key, infos, m.ttl); err != nil {
		m.log.Warn("file-info cache write failed: %v", err)
	}
	return infos, nil
}

// InvalidateFiles drops the cached file metadata of one transfer.
func (m *TransferManager) InvalidateFiles(transferID string) {
	m.invalidateFiles(transferID)
}

func (m *TransferManager) invalidateFiles(transferID string) {
	if err := m.store.Delete(cache.TransferFilesKey(transferID)); err != nil && !errors.Is(err, core.ErrNotFound) {
		m.log.Warn("file-info cache invalidation failed: %v", err)
	}
}

// Clear empties the inbox and wipes the cache store, dropping every cached
// file-info entry with it. Downward command used on logout; it still notifies
// so renderers drop the old pool's transfers. A storage failure returns with
// memory untouched.
func (m *TransferManager) Clear() error {
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clear cached transfer data: %w", err)
	}
	m.commit(false, nil, nil)
	return nil
}

func fileInfoIDs(infos []core.FileInfo) []string {
	ids := make([]string, 0, len(infos))
	for _, fi := range infos {
		ids = append(ids, fi.ID)
	}
	return ids
}
