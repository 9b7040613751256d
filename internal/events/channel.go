// Package events implements the client side of the push event channel: a
// long-lived connection the server uses to announce pool updates, transfer
// updates and forced logouts.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Ilingu/ilix/internal/core"
	"github.com/Ilingu/ilix/internal/logging"
)

// Server-sent event names.
const (
	eventConnected = "connected"
	eventPool      = "pool"
	eventTransfer  = "transfer"
	eventLogout    = "logout"
)

// frame is one message on the wire.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// poolData / transferData are the payload wrappers the server emits.
type poolData struct {
	Pool *core.DevicesPool `json:"Pool"`
}

type transferData struct {
	Transfer *core.FileTransfer `json:"Transfer"`
}

// Config for opening a channel. One channel exists per (device id,
// key-phrase) pair; both are required, the key-phrase authenticates.
type Config struct {
	ServerURL        string
	DeviceID         string
	KeyPhrase        string
	ConnectTimeout   time.Duration
	MaxReconnectWait time.Duration
}

// Channel is an open push event channel. It is owned by whoever opened it
// and must be torn down with Close before opening a replacement; there is no
// process-wide singleton to leak a stale connection.
type Channel struct {
	cfg Config
	log *logging.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	poolSubs     map[string]func(core.DevicesPool)
	transferSubs map[string]func(core.FileTransfer)
	logoutSubs   map[string]func()
	errorSubs    map[string]func(reason string)
	closedSubs   map[string]func()

	done      chan struct{}
	closeOnce sync.Once
}

// Connect opens the channel. The initial dial is bounded by
// cfg.ConnectTimeout; a timeout or refusal is returned to the caller, who is
// expected to continue in refresh-only mode rather than treat it as fatal.
func Connect(ctx context.Context, cfg Config) (*Channel, error) {
	if core.EmptyString(cfg.DeviceID) || !core.ValidKeyPhrase(cfg.KeyPhrase) {
		return nil, core.ErrInvalidKeyPhrase
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnectWait <= 0 {
		cfg.MaxReconnectWait = time.Minute
	}

	ch := &Channel{
		cfg:          cfg,
		log:          logging.Component("events"),
		poolSubs:     make(map[string]func(core.DevicesPool)),
		transferSubs: make(map[string]func(core.FileTransfer)),
		logoutSubs:   make(map[string]func()),
		errorSubs:    make(map[string]func(string)),
		closedSubs:   make(map[string]func()),
		done:         make(chan struct{}),
	}

	conn, err := ch.dial(ctx)
	if err != nil {
		return nil, err
	}
	ch.conn = conn

	go ch.readLoop(conn)
	return ch, nil
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := wsEndpoint(ch.cfg.ServerURL, ch.cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, ch.cfg.ConnectTimeout)
	defer cancel()

	header := map[string][]string{"Authorization": {ch.cfg.KeyPhrase}}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransport, err)
	}
	return conn, nil
}

// wsEndpoint turns the http(s) server URL into the ws(s) events endpoint.
func wsEndpoint(serverURL, deviceID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad server url", core.ErrTransport)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	u.RawQuery = url.Values{"device_id": {deviceID}}.Encode()
	return u.String(), nil
}

// readLoop drains one connection, dispatching events. On abnormal closure it
// reconnects with capped exponential backoff until Close is called.
func (ch *Channel) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-ch.done:
				ch.notifyClosed()
				return
			default:
			}

			ch.log.Warn("push channel dropped: %v", err)
			ch.notifyError(err.Error())

			next, err := ch.reconnect()
			if err != nil {
				ch.notifyClosed()
				return
			}
			conn = next
			ch.mu.Lock()
			ch.conn = conn
			ch.mu.Unlock()
			continue
		}
		ch.dispatch(f)
	}
}

func (ch *Channel) reconnect() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = ch.cfg.MaxReconnectWait
	policy.MaxElapsedTime = 0 // keep trying until Close

	var conn *websocket.Conn
	op := func() error {
		select {
		case <-ch.done:
			return backoff.Permanent(core.ErrTransport)
		default:
		}

		c, err := ch.dial(context.Background())
		if err != nil {
			ch.log.Debug("reconnect attempt failed: %v", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	ch.log.Info("push channel reconnected")
	return conn, nil
}

// snapshot copies a subscriber map so callbacks run without ch.mu held.
// Subscribers are free to call back into the channel, Close included.
func snapshot[T any](ch *Channel, subs map[string]T) []T {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]T, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

// dispatch validates an inbound frame and fans it out. A payload with
// missing required fields is dropped, never partially applied.
func (ch *Channel) dispatch(f frame) {
	switch f.Event {
	case eventConnected:
		ch.log.Debug("push channel ready")
	case eventPool:
		var pd poolData
		if err := json.Unmarshal(f.Data, &pd); err != nil || pd.Pool == nil || !pd.Pool.Complete() {
			ch.log.Warn("dropping malformed pool event")
			return
		}
		for _, fn := range snapshot(ch, ch.poolSubs) {
			fn(*pd.Pool)
		}
	case eventTransfer:
		var td transferData
		if err := json.Unmarshal(f.Data, &td); err != nil || td.Transfer == nil || !td.Transfer.Complete() {
			ch.log.Warn("dropping malformed transfer event")
			return
		}
		for _, fn := range snapshot(ch, ch.transferSubs) {
			fn(*td.Transfer)
		}
	case eventLogout:
		for _, fn := range snapshot(ch, ch.logoutSubs) {
			fn()
		}
	default:
		ch.log.Debug("ignoring unknown event %q", f.Event)
	}
}

func (ch *Channel) notifyError(reason string) {
	for _, fn := range snapshot(ch, ch.errorSubs) {
		fn(reason)
	}
}

func (ch *Channel) notifyClosed() {
	for _, fn := range snapshot(ch, ch.closedSubs) {
		fn()
	}
}

// OnPool registers a pool-updated listener and returns its id.
func (ch *Channel) OnPool(fn func(core.DevicesPool)) string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := uuid.NewString()
	ch.poolSubs[id] = fn
	return id
}

// OnTransfer registers a transfer-updated listener and returns its id.
func (ch *Channel) OnTransfer(fn func(core.FileTransfer)) string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := uuid.NewString()
	ch.transferSubs[id] = fn
	return id
}

// OnLogout registers a pool-deleted/logout listener and returns its id.
func (ch *Channel) OnLogout(fn func()) string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := uuid.NewString()
	ch.logoutSubs[id] = fn
	return id
}

// OnError registers a connection-error listener and returns its id.
func (ch *Channel) OnError(fn func(reason string)) string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := uuid.NewString()
	ch.errorSubs[id] = fn
	return id
}

// OnClosed registers a listener for definitive channel shutdown.
func (ch *Channel) OnClosed(fn func()) string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := uuid.NewString()
	ch.closedSubs[id] = fn
	return id
}

// Off removes a listener by id, whatever event it was registered for.
func (ch *Channel) Off(id string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.poolSubs, id)
	delete(ch.transferSubs, id)
	delete(ch.logoutSubs, id)
	delete(ch.errorSubs, id)
	delete(ch.closedSubs, id)
}

// Close tears the channel down. Safe to call more than once.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
