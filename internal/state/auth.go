// Package state implements the client's reactive state core: the identity,
// pool and transfer managers plus the coordinator that keeps them
// reconciled with local storage, the remote server and the push channel.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/identity"
	"github.com/Ilingu/ilix/internal/keyring"
	"github.com/Ilingu/ilix/internal/logging"
)

// AuthState is the identity slice: who this device is and which pool's
// key-phrase is currently active.
type AuthState struct {
	DeviceID  string
	KeyPhrase string // active plaintext key-phrase, empty when logged out
	LoggedIn  bool
	Loading   bool
}

// AuthChange is emitted on every committed AuthState transition. Cascade is
// the one-shot propagation token: true means this change should trigger a
// pool refresh, and emitting the change consumes the token. Changes that are
// themselves responses to a pool-side change carry Cascade=false, which is
// what keeps the two managers from refreshing each other forever.
type AuthChange struct {
	State   AuthState
	Cascade bool
}

// AuthManager exclusively owns AuthState. Nobody mutates it directly; all
// cross-slice effects go through the coordinator observing AuthChange.
type AuthManager struct {
	mu    sync.Mutex
	state AuthState
	keys  keyring.Store
	// fingerprint is injectable so tests get deterministic device ids.
	fingerprint func() string
	subs        []func(AuthChange)
	log         *logging.Logger
}

// AuthConfig for creating an AuthManager
type AuthConfig struct {
	Keys        keyring.Store
	Fingerprint func() string // defaults to identity.Fingerprint
}

// NewAuthManager creates the identity manager in its pre-load Loading state.
func NewAuthManager(cfg AuthConfig) *AuthManager {
	fp := cfg.Fingerprint
	if fp == nil {
		fp = identity.Fingerprint
	}
	return &AuthManager{
		state:       AuthState{Loading: true},
		keys:        cfg.Keys,
		fingerprint: fp,
		log:         logging.Component("state.auth"),
	}
}

// Subscribe registers a state-change observer. Observers run synchronously
// on the mutating goroutine, after the new state is committed.
func (m *AuthManager) Subscribe(fn func(AuthChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// State returns a copy of the current AuthState.
func (m *AuthManager) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// commit stores the new state and emits the change. Called without m.mu held
// on the notify path: we commit under the lock, then notify outside it so an
// observer can call back into the manager.
func (m *AuthManager) commit(next AuthState, cascade bool) {
	m.mu.Lock()
	m.state = next
	subs := m.subs
	m.mu.Unlock()

	change := AuthChange{State: next, Cascade: cascade}
	for _, fn := range subs {
		fn(change)
	}
}

// LoadInitial reads or creates the device identity, then resolves the
// key-phrase behind activeRef (if any) into the active credential.
//
// Device id creation is generate-then-persist as one atomic step: a persist
// failure is a hard stop yielding a logged-out, non-cascading state so the
// rest of the client can still render. Every other path cascades.
func (m *AuthManager) LoadInitial(activeRef string) AuthState {
	deviceID, err := m.keys.Get(keyring.DeviceIDKey)
	if err != nil || core.EmptyString(deviceID) {
		deviceID = identity.Hash(m.fingerprint())
		if err := m.keys.Set(keyring.DeviceIDKey, deviceID); err != nil {
			m.log.Error("device id persist failed: %v", err)
			next := AuthState{}
			m.commit(next, false)
			return next
		}
		m.log.Info("device identity created")
	}

	next := AuthState{DeviceID: deviceID}
	if activeRef != "" {
		keyPhrase, err := m.keys.Get(activeRef)
		if err == nil && !core.EmptyString(keyPhrase) {
			next.KeyPhrase = keyPhrase
			next.LoggedIn = true
		}
	}

	m.log.Debug("initial identity loaded, logged_in=%v", next.LoggedIn)
	m.commit(next, true)
	return next
}

// AdoptKeyPhrase persists a freshly obtained key-phrase under its derived ref
// and makes it the active credential. Used right after joining or creating a
// pool, where the pool-list mutation is the thing that should cascade, not
// this call; hence cascade defaults to false at the call sites.
//
// The key-phrase is persisted before any in-memory mutation so a storage
// failure never leaves state and storage disagreeing.
func (m *AuthManager) AdoptKeyPhrase(keyPhrase string, cascade bool) error {
	if !core.ValidKeyPhrase(keyPhrase) {
		return core.ErrInvalidKeyPhrase
	}
	if err := m.keys.Set(keyring.KeyPhraseRef(keyPhrase), keyPhrase); err != nil {
		return fmt.Errorf("persist key phrase: %w", err)
	}

	m.mu.Lock()
	next := m.state
	m.mu.Unlock()
	next.KeyPhrase = keyPhrase
	next.LoggedIn = next.DeviceID != ""
	next.Loading = false

	m.commit(next, cascade)
	return nil
}

// ActivatePoolRef resolves the stored key-phrase behind ref and makes it the
// active credential, cascading. Used when the user switches pools.
func (m *AuthManager) ActivatePoolRef(ref string) error {
	keyPhrase, err := m.keys.Get(ref)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrNotFound
		}
		return fmt.Errorf("resolve key phrase ref: %w", err)
	}
	if core.EmptyString(keyPhrase) {
		return core.ErrNotFound
	}

	m.mu.Lock()
	next := m.state
	m.mu.Unlock()
	next.KeyPhrase = keyPhrase
	next.LoggedIn = next.DeviceID != ""
	next.Loading = false

	m.commit(next, true)
	return nil
}

// Reset drops the active credential and returns to the logged-out state,
// keeping the device id: the identity is immutable for the install.
// Only the coordinator's logout path calls this.
func (m *AuthManager) Reset() {
	m.mu.Lock()
	next := AuthState{DeviceID: m.state.DeviceID}
	m.mu.Unlock()

	m.commit(next, true)
}
