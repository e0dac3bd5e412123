// Package internal implements the low-level websocket transport used by the
// client: a single connection with a state machine, a dedicated write loop,
// a read-timeout watchdog, and bounded reconnection with backoff.
package internal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

type TransportState int

const (
	// TransportStateDisconnected means we're disconnected and not trying to
	// connect. connLoop is not running.
	TransportStateDisconnected TransportState = iota

	// TransportStateWaitBeforeReconnect means we already tried to connect, but
	// then either the connection failed, or succeeded but later disconnected
	// for some reason (see stateCause), and now we're waiting for a timeout
	// before connecting again. wsConn is nil, but connCtx and connCtxCancel
	// are not, and connLoop is running.
	TransportStateWaitBeforeReconnect

	// TransportStateConnecting means we're dialing right now.
	TransportStateConnecting

	// TransportStateConnected means the websocket connection is established.
	TransportStateConnected
)

const backoffIncrement = 500 * time.Millisecond

var (
	ErrNotConnected   = errors.New("transport error: not connected")
	ErrConnLoopActive = errors.New("transport error: connection loop is already active")
)

// TransportParams contains params for opening a gateway transport connection.
type TransportParams struct {
	URL string

	// Cacert verifies the gateway certificate; empty disables verification
	// (the local gateway is self-signed).
	Cacert string

	// DialHeader, when set, is called before every dial to produce the
	// request headers (session cookie, user agent). It runs again on each
	// reconnect so stale cookies get refreshed.
	DialHeader func() http.Header

	Reconnect           bool
	Backoff             bool
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration

	// MaxConnAttempts bounds consecutive failed dials; reaching it stops the
	// connection loop for good. Zero means 10.
	MaxConnAttempts int

	// ReadTimeout closes the connection when nothing at all is received for
	// this long. Zero disables the watchdog.
	ReadTimeout time.Duration
}

// Conn is the gateway transport connection. Frames are UTF-8 text JSON.
type Conn struct {
	params TransportParams

	connTx chan websocketTx

	state      TransportState
	stateCause error

	onReadCB        onReadCallback
	onStateChangeCB onStateChangeCallback
	onPongCB        func()

	connCtx       context.Context
	connCtxCancel context.CancelFunc

	// wsConn is the currently active websocket connection, or nil if no
	// connection is established.
	wsConn *websocket.Conn

	// reconnectNow is only non-nil in TransportStateWaitBeforeReconnect;
	// closing it makes the reconnection happen immediately.
	reconnectNow chan struct{}

	backoff              bool
	reconnectTimeout     time.Duration
	maxReconnectTimeout  time.Duration
	nextReconnectTimeout time.Duration

	failedAttempts int

	mtx sync.Mutex
}

// websocketTx represents a message to send to the websocket.
type websocketTx struct {
	messageType int
	data        []byte
	res         chan error
}

// NewConn creates a new transport connection. Clients should register
// callbacks and then call Connect; nothing is dialed before that.
func NewConn(params *TransportParams) (*Conn, error) {
	c := &Conn{
		params: *params,
		state:  TransportStateDisconnected,
		connTx: make(chan websocketTx, 1),
	}

	if c.params.MaxConnAttempts <= 0 {
		c.params.MaxConnAttempts = 10
	}

	if c.params.Reconnect {
		// Set minimum reconnect timeout to 1 second if backoff is off.
		if !c.params.Backoff && c.params.ReconnectTimeout < 1*time.Second {
			c.params.ReconnectTimeout = 1 * time.Second
		}
		c.backoff = c.params.Backoff
		c.reconnectTimeout = c.params.ReconnectTimeout
		c.maxReconnectTimeout = c.params.MaxReconnectTimeout
		if c.maxReconnectTimeout == 0 {
			c.maxReconnectTimeout = 30 * time.Second
		}
	}

	// Start writeLoop right away, before even connecting, so that an attempt
	// to write something while not connected results in a proper error.
	go c.writeLoop()

	return c, nil
}

func (c *Conn) dialer() (*websocket.Dialer, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed local gateway
	if c.params.Cacert != "" {
		pem, err := os.ReadFile(c.params.Cacert)
		if err != nil {
			return nil, errors.Annotatef(err, "reading cacert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", c.params.Cacert)
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}

	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		TLSClientConfig:  tlsConfig,
	}, nil
}

// Connect either starts a connection goroutine (if state is Disconnected),
// or makes it stop waiting a timeout and connect right now (if state is
// WaitBeforeReconnect). For other states, returns an error.
//
// It doesn't wait for the connection to establish, and returns immediately.
func (c *Conn) Connect() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case TransportStateDisconnected:
		// Enter TransportStateConnecting here and not in connLoop, to prevent
		// the race which would result in multiple running connLoops.
		c.failedAttempts = 0
		c.updateState(TransportStateConnecting, nil)

		go c.connLoop(c.connCtx, c.connCtxCancel)

	case TransportStateWaitBeforeReconnect:
		close(c.reconnectNow)

	case TransportStateConnecting, TransportStateConnected:
		return errors.Trace(ErrConnLoopActive)
	}

	return nil
}

// Close stops the reconnection loop (if reconnection was requested), and if
// a websocket connection is active at the moment, closes it as well with a
// normal-closure code. If graceful closure fails, a forceful one is
// performed.
func (c *Conn) Close() error {
	return errors.Trace(c.CloseOpt(
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), true,
	))
}

// CloseOpt closes the current websocket connection with the given close
// message, optionally stopping the reconnection loop too.
func (c *Conn) CloseOpt(data []byte, stopReconnecting bool) error {
	c.mtx.Lock()
	wsConn := c.wsConn

	if c.state == TransportStateDisconnected {
		c.mtx.Unlock()
		return errors.Trace(ErrNotConnected)
	}

	if stopReconnecting {
		c.connCtxCancel()
	}
	c.mtx.Unlock()

	if wsConn != nil {
		if err := wsConn.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second)); err != nil {
			// Graceful close failed, close forcefully.
			return errors.Trace(wsConn.Close())
		}
	}

	return nil
}

// ForceClose tears the current websocket connection down without a closing
// handshake, so a dead peer cannot stall the reset. The connection loop
// keeps running (and reconnects) unless stopReconnecting is set.
func (c *Conn) ForceClose(stopReconnecting bool) error {
	c.mtx.Lock()
	wsConn := c.wsConn

	if c.state == TransportStateDisconnected {
		c.mtx.Unlock()
		return errors.Trace(ErrNotConnected)
	}

	if stopReconnecting {
		c.connCtxCancel()
	}
	c.mtx.Unlock()

	if wsConn != nil {
		return errors.Trace(wsConn.Close())
	}
	return nil
}

// URL returns the url used for connection.
func (c *Conn) URL() string {
	return c.params.URL
}

// GetState returns the connection state.
func (c *Conn) GetState() TransportState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

type onReadCallback func(conn *Conn, data []byte)
type onStateChangeCallback func(conn *Conn, oldState, state TransportState, cause error)

// OnRead sets the on-read callback; it should be called once right after
// creation, before the connection is established.
func (c *Conn) OnRead(cb onReadCallback) {
	c.onReadCB = cb
}

// OnStateChange sets the state-change callback.
func (c *Conn) OnStateChange(cb onStateChangeCallback) {
	c.onStateChangeCB = cb
}

// OnPong sets the pong callback, invoked whenever the server answers one of
// our protocol-level pings.
func (c *Conn) OnPong(cb func()) {
	c.onPongCB = cb
}

// Send sends a text frame to the websocket if it's connected.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	res := make(chan error)

	c.connTx <- websocketTx{
		messageType: websocket.TextMessage,
		data:        data,
		res:         res,
	}

	select {
	case err := <-res:
		if err != nil {
			return errors.Annotatef(err, "sending msg")
		}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	return nil
}

// Ping sends a protocol-level ping control frame.
func (c *Conn) Ping() error {
	c.mtx.Lock()
	wsConn := c.wsConn
	c.mtx.Unlock()

	if wsConn == nil {
		return errors.Trace(ErrNotConnected)
	}

	return errors.Trace(wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)))
}

// enterLeaveState should be called on leaving and entering each state. So,
// when changing state from A to B, it's called twice:
//
//	enterLeaveState(A, false)
//	enterLeaveState(B, true)
func (c *Conn) enterLeaveState(state TransportState, enter bool) {
	switch state {

	case TransportStateDisconnected:
		// connCtx and its cancel func should be present in all states but
		// TransportStateDisconnected.
		if enter {
			c.connCtx = nil
			c.connCtxCancel = nil
		} else {
			c.connCtx, c.connCtxCancel = context.WithCancel(context.Background())
		}

	case TransportStateWaitBeforeReconnect:
		// reconnectNow is present only in TransportStateWaitBeforeReconnect.
		if enter {
			c.reconnectNow = make(chan struct{})
		} else {
			c.reconnectNow = nil
		}

	case TransportStateConnecting:
		// Nothing special to do for the TransportStateConnecting state.

	case TransportStateConnected:
		// wsConn is present only in TransportStateConnected.
		if enter {
			// wsConn is set by the calling code.
		} else {
			c.wsConn = nil
		}
	}
}

// NOTE: c.mtx should be locked when updateState is called.
func (c *Conn) updateState(state TransportState, cause error) {
	if c.state == state {
		return
	}

	c.enterLeaveState(c.state, false)

	oldState := c.state
	c.state = state
	c.stateCause = cause

	c.enterLeaveState(c.state, true)

	if c.onStateChangeCB != nil {
		c.onStateChangeCB(c, oldState, state, cause)
	}
}

// connLoop establishes a connection, then keeps receiving all websocket
// messages (and calls onReadCB for each of them) until the connection is
// closed, then either waits for a timeout and connects again, or quits.
// Consecutive failed dials are counted; reaching MaxConnAttempts stops the
// loop for good.
func (c *Conn) connLoop(connCtx context.Context, connCtxCancel context.CancelFunc) {
	var connErr error

	c.ResetTimeout()

	defer func() {
		c.mtx.Lock()
		defer c.mtx.Unlock()
		c.updateState(TransportStateDisconnected, connErr)
	}()

cloop:
	for {
		// When the goroutine is just started by Connect(), the state is
		// already TransportStateConnecting, and the updateState below is a
		// no-op. When reconnecting the state differs, so it's updated here.
		c.mtx.Lock()
		c.updateState(TransportStateConnecting, nil)
		c.mtx.Unlock()

		var dialer *websocket.Dialer
		dialer, connErr = c.dialer()
		if connErr == nil {
			var header http.Header
			if c.params.DialHeader != nil {
				header = c.params.DialHeader()
			}

			var wsConn *websocket.Conn
			wsConn, _, connErr = dialer.Dial(c.params.URL, header)
			if connErr == nil {
				c.mtx.Lock()
				c.failedAttempts = 0
				c.wsConn = wsConn
				c.updateState(TransportStateConnected, nil)
				c.mtx.Unlock()

				wsConn.SetPongHandler(func(string) error {
					if c.onPongCB != nil {
						c.onPongCB()
					}
					return nil
				})

				var readTimer *time.Timer
				if c.params.ReadTimeout > 0 {
					readTimer = time.AfterFunc(c.params.ReadTimeout, func() {
						// Nothing heard from the server for too long. Close
						// the ws connection forcefully instead of a graceful
						// close (which could block on a dead network), thus
						// immediately breaking out of the read loop.
						wsConn.Close()
					})
				}

				// Loop here until the websocket connection is closed.
			recvLoop:
				for {
					msgType, data, err := wsConn.ReadMessage()
					if err != nil {
						connErr = err
						break recvLoop
					}

					if readTimer != nil {
						readTimer.Reset(c.params.ReadTimeout)
					}

					switch msgType {
					case websocket.TextMessage, websocket.BinaryMessage:
						if c.onReadCB != nil {
							c.onReadCB(c, data)
						}

					case websocket.CloseMessage:
						break recvLoop
					}
				}

				if readTimer != nil {
					readTimer.Stop()
				}
			}
		}

		if connErr != nil {
			c.mtx.Lock()
			c.failedAttempts++
			exhausted := c.failedAttempts >= c.params.MaxConnAttempts
			c.mtx.Unlock()

			if exhausted {
				connCtxCancel()
			}
		}

		// If we shouldn't reconnect, we're done.
		if !c.params.Reconnect {
			connCtxCancel()
		}

		// Check if we need to enter state TransportStateWaitBeforeReconnect.
		select {
		case <-connCtx.Done():
			// Even though the same case exists in the select below, break
			// cloop here: if the reconnection timeout is also done, we still
			// want to quit instead of reconnecting.
			break cloop
		default:
			c.mtx.Lock()
			c.updateState(TransportStateWaitBeforeReconnect, connErr)
			c.mtx.Unlock()
		}

		// Either wait for the timeout before reconnection, or quit.
	waitReconnect:
		select {
		case <-connCtx.Done():
			break cloop

		case <-time.After(c.nextReconnectTimeout):
			break waitReconnect

		case <-c.reconnectNow:
			break waitReconnect
		}

		if c.backoff {
			c.nextReconnectTimeout += backoffIncrement
			if c.nextReconnectTimeout > c.maxReconnectTimeout {
				c.nextReconnectTimeout = c.maxReconnectTimeout
			}
		}
	}
}

// writeLoop receives messages from c.connTx and tries to send them to the
// active websocket connection, if any.
func (c *Conn) writeLoop() {
cloop:
	for {
		msg := <-c.connTx

		c.mtx.Lock()
		wsConn := c.wsConn
		c.mtx.Unlock()

		if wsConn == nil {
			msg.res <- errors.Trace(ErrNotConnected)
			continue cloop
		}

		msg.res <- errors.Trace(wsConn.WriteMessage(msg.messageType, msg.data))
	}
}

// ResetTimeout resets the reconnection backoff to its initial value.
func (c *Conn) ResetTimeout() {
	c.nextReconnectTimeout = c.reconnectTimeout
}
