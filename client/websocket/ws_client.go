/*
Package websocket implements the self-healing duplex channel to the
brokerage gateway: connection lifecycle with automatic bounded restarts,
frame dispatch into per-topic queues, confirmation-driven subscriptions
with replay after reconnect, and ping/heartbeat health checks.
*/
package websocket

import (
	"bytes"
	"context"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"bgw-sdk-go/client/websocket/internal"
	"bgw-sdk-go/logger"
)

// ConnState represents the engine connection state.
type ConnState int

const (
	// StateIdle means the engine has not been started yet.
	StateIdle ConnState = iota

	// StateConnecting means the engine is dialing, or waiting before an
	// automatic reconnect.
	StateConnecting

	// StateConnected means the socket is open but the gateway has not yet
	// announced a session or heartbeat.
	StateConnected

	// StateReady means the first session/heartbeat frame has been received.
	StateReady

	// StateDisconnecting means a shutdown or hard reset is tearing the
	// connection down.
	StateDisconnecting

	// StateClosed means the engine has stopped, either deliberately or after
	// exhausting its connection attempts.
	StateClosed
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	StateIdle:          "idle",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateReady:         "ready",
	StateDisconnecting: "disconnecting",
	StateClosed:        "closed",
}

var (
	// ErrNotRunning means the engine was asked to act before Start.
	ErrNotRunning = errors.New("websocket client is not running")

	// ErrResetFromWorker means HardReset was invoked from the engine's own
	// dispatch worker, which would deadlock the read loop.
	ErrResetFromWorker = errors.New("hard reset called from the engine worker")
)

const (
	defaultTimeout         = 5 * time.Second
	defaultPingInterval    = 45 * time.Second
	defaultMaxPingInterval = 60 * time.Second
	authnReplayTimeout     = 10 * time.Second
)

// WsClientParams contains options for creating a WsClient.
type WsClientParams struct {
	URL string

	// Cacert verifies the gateway certificate; empty disables verification.
	Cacert string

	// DialHeader, when set, produces the dial request headers; it runs again
	// before every reconnect.
	DialHeader func() http.Header

	// Timeout bounds waits on connection state changes. Defaults to 5s.
	Timeout time.Duration

	// RestartOnClose reconnects automatically after an unexpected close.
	RestartOnClose bool

	// RestartOnCritical reconnects automatically after a fatal engine error.
	RestartOnCritical bool

	// PingInterval is how often protocol-level ping frames are sent;
	// defaults to 45s.
	PingInterval time.Duration

	// MaxPingInterval is the longest tolerated silence after a ping before a
	// hard reset; defaults to 60s.
	MaxPingInterval time.Duration

	// MaxConnAttempts bounds automatic restarts; defaults to 10. Reaching
	// the bound latches the engine closed.
	MaxConnAttempts int

	SubscriptionRetries int
	SubscriptionTimeout time.Duration

	// SubscriptionProcessor formats subscription payloads; defaults to
	// DefaultSubscriptionProcessor.
	SubscriptionProcessor SubscriptionProcessor

	// OnMessage is the dispatch hook invoked for every inbound frame. It
	// runs on the engine worker and must not block.
	OnMessage func(data []byte)

	// Clock is a mockable; tests only.
	Clock clock.Clock
}

// WsClient is the WebSocket engine. It owns the transport, the ping/health
// worker, and the subscription controller.
type WsClient struct {
	params WsClientParams

	transport *internal.Conn
	subs      *subscriptionController

	mtx           sync.Mutex
	state         ConnState
	running       bool
	authenticated bool
	wasConnected  bool // a connection existed before, so the next connect is a reconnect

	lastPongAt      time.Time
	lastHeartbeatMs int64

	dispatchGID atomic64

	pingStop chan struct{}
	pingWG   sync.WaitGroup

	clock clock.Clock
	log   *logrus.Entry
}

// atomic64 is a tiny mutex-guarded holder for the dispatch goroutine id.
type atomic64 struct {
	mtx sync.Mutex
	v   uint64
}

func (a *atomic64) store(v uint64) {
	a.mtx.Lock()
	a.v = v
	a.mtx.Unlock()
}

func (a *atomic64) load() uint64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.v
}

// NewWsClient creates a new engine with the given params. Nothing is dialed
// until Start.
func NewWsClient(params WsClientParams) (*WsClient, error) {
	if params.URL == "" {
		return nil, errors.New("websocket: URL must not be empty")
	}
	if params.Timeout == 0 {
		params.Timeout = defaultTimeout
	}
	if params.PingInterval == 0 {
		params.PingInterval = defaultPingInterval
	}
	if params.MaxPingInterval == 0 {
		params.MaxPingInterval = defaultMaxPingInterval
	}
	if params.SubscriptionRetries == 0 {
		params.SubscriptionRetries = 5
	}
	if params.SubscriptionTimeout == 0 {
		params.SubscriptionTimeout = 2 * time.Second
	}
	if params.SubscriptionProcessor == nil {
		params.SubscriptionProcessor = DefaultSubscriptionProcessor{}
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}

	c := &WsClient{
		params: params,
		state:  StateIdle,
		// True by default, for gateways that never send authentication
		// frames.
		authenticated: true,
		clock:         params.Clock,
		log:           logger.WithComponent("websocket"),
	}

	transport, err := internal.NewConn(&internal.TransportParams{
		URL:                 params.URL,
		Cacert:              params.Cacert,
		DialHeader:          params.DialHeader,
		Reconnect:           params.RestartOnClose || params.RestartOnCritical,
		Backoff:             true,
		MaxConnAttempts:     params.MaxConnAttempts,
		MaxReconnectTimeout: 30 * time.Second,
		ReadTimeout:         params.MaxPingInterval * 3,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.transport = transport

	c.subs = newSubscriptionController(
		params.SubscriptionProcessor,
		params.SubscriptionRetries,
		params.SubscriptionTimeout,
		c.Send,
		c.Running,
		c.log,
	)

	transport.OnStateChange(c.onTransportStateChange)
	transport.OnRead(c.onTransportRead)
	transport.OnPong(c.onPong)

	return c, nil
}

// URL returns the url the client connects to.
func (c *WsClient) URL() string {
	return c.params.URL
}

// State returns the current engine state.
func (c *WsClient) State() ConnState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Running reports whether Start has been called and Shutdown has not.
func (c *WsClient) Running() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.running
}

// Ready reports whether the engine has seen a session/heartbeat frame on
// the current connection.
func (c *WsClient) Ready() bool {
	return c.State() == StateReady
}

// Connected reports whether the socket is currently open.
func (c *WsClient) Connected() bool {
	s := c.State()
	return s == StateConnected || s == StateReady
}

// Start begins connecting and starts the ping worker. It waits up to the
// configured timeout for the socket to open.
func (c *WsClient) Start() error {
	c.mtx.Lock()
	if c.running {
		c.mtx.Unlock()
		return errors.Trace(internal.ErrConnLoopActive)
	}
	c.running = true
	c.state = StateConnecting
	c.pingStop = make(chan struct{})
	c.mtx.Unlock()

	c.log.Info("starting")

	if err := c.transport.Connect(); err != nil {
		c.mtx.Lock()
		c.running = false
		c.state = StateIdle
		c.mtx.Unlock()
		return errors.Trace(err)
	}

	c.pingWG.Add(1)
	go c.pingLoop()

	if !c.waitFor(func() bool { return c.Connected() }, c.params.Timeout) {
		return errors.Errorf("connection not established within %s", c.params.Timeout)
	}
	return nil
}

// Shutdown stops the engine: it signals the workers, closes the socket, and
// waits for the ping worker to exit. Safe to call repeatedly.
func (c *WsClient) Shutdown() {
	c.mtx.Lock()
	if !c.running {
		c.mtx.Unlock()
		return
	}
	c.running = false
	c.state = StateDisconnecting
	pingStop := c.pingStop
	c.mtx.Unlock()

	c.log.Info("shutting down")

	close(pingStop)
	if err := c.transport.Close(); err != nil && errors.Cause(err) != internal.ErrNotConnected {
		c.log.WithError(err).Warn("closing transport")
	}
	c.pingWG.Wait()

	c.waitFor(func() bool { return c.State() == StateClosed }, c.params.Timeout)
}

// Send sends a text payload, returning whether the write succeeded.
func (c *WsClient) Send(payload string) bool {
	if !c.Running() {
		c.log.Error("must be started before sending payloads")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.params.Timeout)
	defer cancel()

	if err := c.transport.Send(ctx, []byte(payload)); err != nil {
		c.log.WithError(err).Errorf("sending payload failed: %s", payload)
		return false
	}
	return true
}

// HardReset forcibly closes the current socket and, when restart is true,
// lets the connection loop dial again. It must never be invoked from the
// engine's own worker; doing so returns ErrResetFromWorker.
func (c *WsClient) HardReset(restart bool) error {
	if curGoroutineID() == c.dispatchGID.load() {
		return errors.Trace(ErrResetFromWorker)
	}

	c.log.Infof("hard reset, restart=%v", restart)

	err := c.transport.ForceClose(!restart)
	if err != nil && errors.Cause(err) != internal.ErrNotConnected {
		return errors.Trace(err)
	}

	if restart && errors.Cause(err) == internal.ErrNotConnected && c.Running() {
		// No connection loop was active; start one.
		if connErr := c.transport.Connect(); connErr != nil && errors.Cause(connErr) != internal.ErrConnLoopActive {
			return errors.Trace(connErr)
		}
	}

	return nil
}

// SetAuthenticated records the gateway-reported authentication state. A
// drop to false closes the socket so the reconnect path can wait for the
// session to be re-established.
func (c *WsClient) SetAuthenticated(authenticated bool) {
	c.mtx.Lock()
	c.authenticated = authenticated
	c.mtx.Unlock()

	if !authenticated {
		c.log.Warn("not authenticated, closing connection")
		if err := c.transport.ForceClose(false); err != nil && errors.Cause(err) != internal.ErrNotConnected {
			c.log.WithError(err).Warn("closing unauthenticated connection")
		}
	}
}

// Authenticated reports the last gateway-reported authentication state.
func (c *WsClient) Authenticated() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.authenticated
}

// RecordHeartbeat stores the server heartbeat timestamp (epoch ms) and
// promotes the engine to ready on the first one per connection.
func (c *WsClient) RecordHeartbeat(ms int64) {
	c.mtx.Lock()
	c.lastHeartbeatMs = ms
	if c.state == StateConnected {
		c.state = StateReady
		c.log.Info("ready")
	}
	c.mtx.Unlock()
}

// LastHeartbeatMs returns the last server heartbeat timestamp in epoch
// milliseconds, zero when none was seen.
func (c *WsClient) LastHeartbeatMs() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lastHeartbeatMs
}

// CheckPing verifies that the last ping response is recent enough. On a
// stale pong it triggers a hard reset with restart and returns false.
func (c *WsClient) CheckPing() bool {
	if !c.Connected() {
		return true
	}

	c.mtx.Lock()
	lastPong := c.lastPongAt
	c.mtx.Unlock()

	if lastPong.IsZero() {
		return true
	}

	diff := c.clock.Now().Sub(lastPong)
	if diff > c.params.MaxPingInterval {
		c.log.Warnf("last ping response %s ago exceeds max ping interval %s, restarting",
			diff, c.params.MaxPingInterval)
		if err := c.HardReset(true); err != nil {
			c.log.WithError(err).Error("hard reset failed")
		}
		return false
	}

	return true
}

// CheckHeartbeat verifies that the last gateway heartbeat is recent enough,
// resetting the connection when it is not.
func (c *WsClient) CheckHeartbeat() bool {
	if !c.Connected() {
		return true
	}

	hb := c.LastHeartbeatMs()
	if hb == 0 {
		return true
	}

	diff := c.clock.Now().Sub(time.UnixMilli(hb))
	if diff > c.params.MaxPingInterval {
		c.log.Warnf("last heartbeat %s ago exceeds max ping interval %s, restarting",
			diff, c.params.MaxPingInterval)
		if err := c.HardReset(true); err != nil {
			c.log.WithError(err).Error("hard reset failed")
		}
		return false
	}

	return true
}

// Subscribe registers a channel subscription and sends the subscribe
// payload, waiting for confirmation when required. Channel strings follow
// the prefix[+suffix] convention, e.g. "md+265598".
func (c *WsClient) Subscribe(channel string, data map[string]interface{}, needsConfirmation bool, processor SubscriptionProcessor) bool {
	return c.subs.Subscribe(Subscription{
		Channel:           channel,
		Data:              data,
		NeedsConfirmation: needsConfirmation,
		Processor:         processor,
	})
}

// Unsubscribe sends the unsubscribe payload for a channel and removes its
// registry record on success.
func (c *WsClient) Unsubscribe(channel string, data map[string]interface{}, needsConfirmation bool, processor SubscriptionProcessor) bool {
	return c.subs.Unsubscribe(Subscription{
		Channel:           channel,
		Data:              data,
		NeedsConfirmation: needsConfirmation,
		Processor:         processor,
	})
}

// ModifySubscription updates fields of a registered subscription.
func (c *WsClient) ModifySubscription(channel string, mods ...SubscriptionMod) error {
	return c.subs.Modify(channel, mods...)
}

// IsSubscriptionActive reports whether the channel is registered and
// confirmed.
func (c *WsClient) IsSubscriptionActive(channel string) bool {
	return c.subs.IsActive(channel)
}

// HasSubscription reports whether the channel is registered.
func (c *WsClient) HasSubscription(channel string) bool {
	return c.subs.Has(channel)
}

// GetSubscription returns a copy of the channel's registry record.
func (c *WsClient) GetSubscription(channel string) (Subscription, bool) {
	return c.subs.Get(channel)
}

func (c *WsClient) onPong() {
	c.mtx.Lock()
	c.lastPongAt = c.clock.Now()
	c.mtx.Unlock()
}

func (c *WsClient) onTransportRead(_ *internal.Conn, data []byte) {
	c.dispatchGID.store(curGoroutineID())
	defer c.dispatchGID.store(0)

	if c.params.OnMessage != nil {
		c.params.OnMessage(data)
	}
}

func (c *WsClient) onTransportStateChange(_ *internal.Conn, oldState, state internal.TransportState, cause error) {
	switch state {
	case internal.TransportStateConnecting, internal.TransportStateWaitBeforeReconnect:
		c.mtx.Lock()
		if c.running && c.state != StateDisconnecting {
			c.state = StateConnecting
		}
		c.mtx.Unlock()

		if oldState == internal.TransportStateConnected {
			c.subs.Invalidate()
			if cause != nil {
				c.log.WithError(cause).Warn("connection lost")
			}
		}

	case internal.TransportStateConnected:
		c.mtx.Lock()
		c.state = StateConnected
		c.lastPongAt = time.Time{}
		c.lastHeartbeatMs = 0
		isReconnect := c.wasConnected
		c.wasConnected = true
		c.mtx.Unlock()

		c.transport.ResetTimeout()
		c.log.Info("connection open")

		if isReconnect {
			// Replay runs off the transport goroutine: confirmation waits
			// need the read loop to keep draining frames.
			go c.onReconnect()
		}

	case internal.TransportStateDisconnected:
		if oldState == internal.TransportStateConnected {
			c.subs.Invalidate()
		}

		c.mtx.Lock()
		if c.running {
			// The transport gave up (exhausted attempts or a deliberate stop
			// while still running): latch closed.
			c.state = StateClosed
			c.running = false
			if c.pingStop != nil {
				select {
				case <-c.pingStop:
				default:
					close(c.pingStop)
				}
			}
			if cause != nil {
				c.log.WithError(cause).Error("connection latched closed")
			}
		} else {
			c.state = StateClosed
			c.log.Info("gracefully stopped")
		}
		c.mtx.Unlock()
	}
}

// onReconnect waits for the gateway session to be authenticated again and
// replays every desired subscription.
func (c *WsClient) onReconnect() {
	if !c.waitFor(c.Authenticated, authnReplayTimeout) {
		// Recreating subscriptions without authentication would only fail;
		// the next authentication frame triggers another reconnect cycle.
		c.log.Error("reconnected but not authenticated, skipping subscription replay")
		return
	}
	c.subs.Recreate()
}

// pingLoop is the ping/health worker: it sends a protocol-level ping frame
// every PingInterval and verifies pong and heartbeat freshness.
func (c *WsClient) pingLoop() {
	defer c.pingWG.Done()

	ticker := time.NewTicker(c.params.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			if !c.Connected() {
				continue
			}
			if err := c.transport.Ping(); err != nil {
				c.log.WithError(err).Debug("ping failed")
			}
			c.CheckPing()
			c.CheckHeartbeat()
		}
	}
}

func (c *WsClient) waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

// curGoroutineID extracts the goroutine id from the runtime stack header.
// Used only to guard against hard resets issued from the dispatch worker.
func curGoroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// Header shape: "goroutine 123 [running]:"
	fields := bytes.Fields(buf)
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
