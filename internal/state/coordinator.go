package state

import (
	"context"
	"errors"
	"sync"

	"github.com/Ilingu/ilix/internal/api"
	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/events"
	"github.com/Ilingu/ilix/internal/keyring"
	"github.com/Ilingu/ilix/internal/logging"
)

// PushChannel is the slice of the events channel the coordinator drives.
type PushChannel interface {
	OnPool(fn func(core.DevicesPool)) string
	OnTransfer(fn func(core.FileTransfer)) string
	OnLogout(fn func()) string
	Close() error
}

// ConnectFunc opens a push channel for the given credentials. Injectable so
// tests can hand the coordinator a scripted channel.
type ConnectFunc func(ctx context.Context, cfg events.Config) (PushChannel, error)

// Coordinator owns cross-slice consistency: it is the only component allowed
// to write into more than one manager, and every mutation flow runs to
// completion under its lock before the next one starts. The managers react
// to each other exclusively through the change notifications routed here.
type Coordinator struct {
	mu        sync.Mutex
	auth      *AuthManager
	pools     *PoolManager
	transfers *TransferManager
	client    *api.Client

	ctx           context.Context
	eventsCfg     events.Config
	connect       ConnectFunc
	channel       PushChannel
	channelKey    string
	lastKeyPhrase string

	notice func(string)
	log    *logging.Logger
}

// CoordinatorConfig for creating a Coordinator
type CoordinatorConfig struct {
	Auth      *AuthManager
	Pools     *PoolManager
	Transfers *TransferManager
	Client    *api.Client
	Events    events.Config // credential fields are filled per connection
	Connect   ConnectFunc   // defaults to events.Connect
	Notice    func(string)  // user-facing one-liners, defaults to the log
}

// NewCoordinator creates the coordinator. Call Start to begin the initial
// load cascade.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		auth:      cfg.Auth,
		pools:     cfg.Pools,
		transfers: cfg.Transfers,
		client:    cfg.Client,
		eventsCfg: cfg.Events,
		connect:   cfg.Connect,
		notice:    cfg.Notice,
		log:       logging.Component("state.coordinator"),
	}
	if c.connect == nil {
		c.connect = func(ctx context.Context, cfg events.Config) (PushChannel, error) {
			return events.Connect(ctx, cfg)
		}
	}
	if c.notice == nil {
		c.notice = func(msg string) { c.log.Info("%s", msg) }
	}
	return c
}

// Start subscribes the cross-slice handlers and kicks off the initial load:
// pools first, whose loaded notification cascades into identity derivation,
// which in turn refreshes the current pool, the inbox, and the push channel.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx = ctx
	c.auth.Subscribe(c.handleAuthChange)
	c.pools.Subscribe(c.handlePoolChange)

	_, err := c.pools.LoadInitial()
	return err
}

// Close tears down the push channel.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		err := c.channel.Close()
		c.channel = nil
		c.channelKey = ""
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Cross-slice handlers. These run synchronously inside a mutation flow that
// already holds c.mu, so they must never take it themselves.
// -----------------------------------------------------------------------------

// handleAuthChange propagates an identity change outward. The Cascade flag is
// consumed here: it buys exactly one server refresh of the current pool, and
// the in-place replace that refresh emits does not re-derive identity, which
// is what terminates the loop. Inbox and push channel do not care about the
// cascade at all; they follow the key-phrase itself.
func (c *Coordinator) handleAuthChange(change AuthChange) {
	if change.State.Loading {
		return
	}

	if change.Cascade {
		err := c.pools.RefreshCurrent(c.ctx, change.State.KeyPhrase)
		if errors.Is(err, core.ErrPoolNotFound) {
			c.logOutLocked("this pool no longer exists")
			return
		}
	}

	if change.State.KeyPhrase != c.lastKeyPhrase {
		c.lastKeyPhrase = change.State.KeyPhrase
		if err := c.transfers.Refresh(c.ctx); err != nil && !errors.Is(err, core.ErrStaleState) {
			c.log.Warn("inbox refresh after identity change failed: %v", err)
		}
		c.ensureChannel(change.State)
	}
}

// handlePoolChange re-derives identity when the collection change can have
// moved which pool is current. An in-place replace by definition cannot, so
// it falls through untouched.
func (c *Coordinator) handlePoolChange(change PoolChange) {
	if change.Kind == PoolCleared {
		c.logOutLocked("left the last pool")
		return
	}
	if !change.Cascade {
		return
	}

	switch change.Kind {
	case PoolLoaded:
		ref := ""
		if cur, ok := change.Collection.Current(); ok {
			ref = cur.KeyPhraseRef
		}
		c.auth.LoadInitial(ref)

	case PoolAdded, PoolSwitched, PoolRemoved:
		cur, ok := change.Collection.Current()
		if !ok {
			return
		}
		if err := c.auth.ActivatePoolRef(cur.KeyPhraseRef); err != nil {
			c.log.Error("stored key-phrase for %q unreadable: %v", cur.PoolName, err)
			c.logOutLocked("stored credentials are missing, signed out")
		}
	}
}

// logOutLocked is the single full-logout path: stored key-phrases and caches
// wiped, channel down, slices cleared, identity reset (device id survives).
// Storage goes first; if it cannot be cleared the logout aborts with state
// and storage still agreeing. Callers hold c.mu.
func (c *Coordinator) logOutLocked(reason string) {
	if err := c.pools.Clear(); err != nil {
		c.log.Error("logout aborted: %v", err)
		c.notice("sign-out failed, stored credentials could not be cleared")
		return
	}
	if err := c.transfers.Clear(); err != nil {
		c.log.Error("logout aborted: %v", err)
		c.notice("sign-out failed, cached data could not be cleared")
		return
	}

	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
		c.channelKey = ""
	}
	c.auth.Reset()
	c.notice(reason)
}

// ensureChannel keeps exactly one push channel alive for the active
// (device id, key-phrase) pair, tearing down the previous one first. A failed
// connect is not fatal; the client keeps working in refresh-only mode.
func (c *Coordinator) ensureChannel(state AuthState) {
	key := state.DeviceID + "\x00" + state.KeyPhrase
	if key == c.channelKey {
		return
	}
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	c.channelKey = key

	if state.DeviceID == "" || !core.ValidKeyPhrase(state.KeyPhrase) {
		return
	}

	cfg := c.eventsCfg
	cfg.DeviceID = state.DeviceID
	cfg.KeyPhrase = state.KeyPhrase
	ch, err := c.connect(c.ctx, cfg)
	if err != nil {
		c.log.Warn("push channel unavailable, running refresh-only: %v", err)
		return
	}
	ch.OnPool(func(p core.DevicesPool) { c.onPushPool(ch, p) })
	ch.OnTransfer(func(t core.FileTransfer) { c.onPushTransfer(ch, t) })
	ch.OnLogout(func() { c.onPushLogout(ch) })
	c.channel = ch
}

// -----------------------------------------------------------------------------
// Push-event entry points. These arrive on the channel's read goroutine and
// serialize with user flows through c.mu.
// -----------------------------------------------------------------------------

// stale reports whether an event arrived from a channel that is no longer
// the coordinator's. A pool switch tears the old channel down, but its read
// goroutine may still deliver events it pulled off the wire first; those
// belong to the previous pool and must not touch the new one. Callers hold
// c.mu.
func (c *Coordinator) stale(src PushChannel) bool {
	return src != c.channel
}

func (c *Coordinator) onPushPool(src PushChannel, pool core.DevicesPool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale(src) {
		c.log.Debug("dropping pool event from a torn-down channel")
		return
	}

	// The index is read here, not when the event was emitted, so a switch
	// that raced the delivery wins.
	collection := c.pools.Collection()
	if collection.Empty() {
		return
	}
	if err := c.pools.ReplaceOrDelete(collection.CurrentIndex, &pool); err != nil {
		c.log.Warn("pushed pool update rejected: %v", err)
	}
}

func (c *Coordinator) onPushTransfer(src PushChannel, t core.FileTransfer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale(src) {
		c.log.Debug("dropping transfer event from a torn-down channel")
		return
	}

	if err := c.transfers.ApplyPushUpdate(t); err != nil {
		c.log.Warn("pushed transfer update rejected: %v", err)
	}
}

func (c *Coordinator) onPushLogout(src PushChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale(src) {
		c.log.Debug("dropping logout event from a torn-down channel")
		return
	}
	c.logOutLocked("signed out by the server")
}

// -----------------------------------------------------------------------------
// User flows
// -----------------------------------------------------------------------------

// JoinPool joins the pool behind keyPhrase and makes it current. Joining a
// pool this device is already a member of server-side degrades to fetching
// its record; joining one that is already in the local collection degrades
// to switching to it.
func (c *Coordinator) JoinPool(ctx context.Context, keyPhrase, deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !core.ValidKeyPhrase(keyPhrase) {
		return core.ErrInvalidKeyPhrase
	}
	state := c.auth.State()
	if state.DeviceID == "" {
		return core.ErrLoggedOut
	}

	ref := keyring.KeyPhraseRef(keyPhrase)
	for i, rec := range c.pools.Collection().Pools {
		if rec.KeyPhraseRef == ref {
			return c.pools.SwitchTo(i)
		}
	}

	pool, err := c.client.JoinPool(ctx, keyPhrase, state.DeviceID, deviceName)
	if errors.Is(err, core.ErrAlreadyInPool) {
		c.log.Debug("already a member, fetching pool record instead")
		pool, err = c.client.GetPool(ctx, keyPhrase)
	}
	if err != nil {
		return err
	}

	// Neither call cascades: the adopted key-phrase already is the new
	// pool's credential, and handleAuthChange follows the key-phrase change
	// itself for the inbox and the channel.
	if err := c.auth.AdoptKeyPhrase(keyPhrase, false); err != nil {
		return err
	}
	return c.pools.AddPool(core.PoolRecord{DevicesPool: pool, KeyPhraseRef: ref}, false)
}

// CreatePool creates a new pool, joins it as its first device, and returns
// the generated key-phrase so the caller can share it.
func (c *Coordinator) CreatePool(ctx context.Context, poolName, deviceName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.auth.State()
	if state.DeviceID == "" {
		return "", core.ErrLoggedOut
	}

	keyPhrase, err := c.client.CreatePool(ctx, poolName, state.DeviceID, deviceName)
	if err != nil {
		return "", err
	}
	if err := c.auth.AdoptKeyPhrase(keyPhrase, false); err != nil {
		return "", err
	}

	record := core.PoolRecord{
		DevicesPool: core.DevicesPool{
			PoolName:        poolName,
			DevicesID:       []string{state.DeviceID},
			DevicesIDToName: map[string]string{state.DeviceID: deviceName},
		},
		KeyPhraseRef: keyring.KeyPhraseRef(keyPhrase),
	}
	if err := c.pools.AddPool(record, false); err != nil {
		return "", err
	}
	return keyPhrase, nil
}

// SwitchPool makes the pool at index current and runs the full re-derivation
// cascade behind it.
func (c *Coordinator) SwitchPool(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pools.SwitchTo(index)
}

// LeavePool leaves the pool at index. Leaving the last pool ends as a full
// logout.
func (c *Coordinator) LeavePool(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.auth.State()
	if state.DeviceID == "" {
		return core.ErrLoggedOut
	}
	return c.pools.LeavePool(ctx, index, state.DeviceID)
}

// RefreshInbox re-fetches the transfer inbox on demand.
func (c *Coordinator) RefreshInbox(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers.Refresh(ctx)
}

// LogOut drops every pool and credential, keeping only the device identity.
func (c *Coordinator) LogOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logOutLocked("logged out")
}
