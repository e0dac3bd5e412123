package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverConn is one accepted websocket connection on the test server.
type serverConn struct {
	conn *gws.Conn

	mtx    sync.Mutex
	rx     []string
	rxCond *sync.Cond
	closed bool
}

func newServerConn(conn *gws.Conn) *serverConn {
	sc := &serverConn{conn: conn}
	sc.rxCond = sync.NewCond(&sc.mtx)
	go sc.readLoop()
	return sc
}

func (sc *serverConn) readLoop() {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			sc.mtx.Lock()
			sc.closed = true
			sc.mtx.Unlock()
			sc.rxCond.Broadcast()
			return
		}
		sc.mtx.Lock()
		sc.rx = append(sc.rx, string(data))
		sc.mtx.Unlock()
		sc.rxCond.Broadcast()
	}
}

// nextMessage waits for the next client frame, in arrival order.
func (sc *serverConn) nextMessage(t *testing.T, timeout time.Duration) string {
	t.Helper()

	deadline := time.Now().Add(timeout)
	sc.mtx.Lock()
	defer sc.mtx.Unlock()

	for len(sc.rx) == 0 {
		if sc.closed || time.Now().After(deadline) {
			t.Fatalf("no message received within %s", timeout)
		}
		timer := time.AfterFunc(50*time.Millisecond, sc.rxCond.Broadcast)
		sc.rxCond.Wait()
		timer.Stop()
	}

	msg := sc.rx[0]
	sc.rx = sc.rx[1:]
	return msg
}

func (sc *serverConn) messageCount() int {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return len(sc.rx)
}

func (sc *serverConn) sendJSON(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, sc.conn.WriteMessage(gws.TextMessage, data))
}

func (sc *serverConn) forceClose() {
	sc.conn.Close()
}

// wsTestServer accepts gateway websocket connections and exposes them to
// the test in accept order.
type wsTestServer struct {
	ts    *httptest.Server
	url   string
	conns chan *serverConn
}

func newWsTestServer(t *testing.T) *wsTestServer {
	t.Helper()

	srv := &wsTestServer{conns: make(chan *serverConn, 4)}
	upgrader := gws.Upgrader{}

	srv.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.conns <- newServerConn(conn)
	}))
	t.Cleanup(srv.ts.Close)

	srv.url = "ws" + strings.TrimPrefix(srv.ts.URL, "http")
	return srv
}

func (srv *wsTestServer) nextConn(t *testing.T, timeout time.Duration) *serverConn {
	t.Helper()
	select {
	case sc := <-srv.conns:
		return sc
	case <-time.After(timeout):
		t.Fatalf("no connection accepted within %s", timeout)
		return nil
	}
}

func newTestGatewayWsClient(t *testing.T, srv *wsTestServer) *GatewayWsClient {
	t.Helper()

	c, err := NewGatewayWsClient(GatewayWsClientParams{
		AccountID: "DU123456",
		URL:       srv.url,
		UnsolicitedQueued: []Topic{
			TopicSystem, TopicAuthentication, TopicError,
		},
		Engine: WsClientParams{
			RestartOnClose:      true,
			RestartOnCritical:   true,
			Timeout:             2 * time.Second,
			PingInterval:        time.Hour, // keep the ping worker quiet in tests
			MaxPingInterval:     time.Hour,
			SubscriptionRetries: 2,
			SubscriptionTimeout: 500 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestStartReadyShutdown(t *testing.T) {
	srv := newWsTestServer(t)
	c := newTestGatewayWsClient(t, srv)

	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Start())
	conn := srv.nextConn(t, 2*time.Second)
	assert.Equal(t, StateConnected, c.State())

	conn.sendJSON(t, map[string]interface{}{"topic": "system", "hb": 1700000000000})

	require.Eventually(t, c.Ready, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1700000000000), c.LastHeartbeatMs())

	c.Shutdown()
	assert.Eventually(t, func() bool { return c.State() == StateClosed }, 2*time.Second, 20*time.Millisecond)
}

func TestSubscriptionReplayAfterReconnect(t *testing.T) {
	srv := newWsTestServer(t)
	c := newTestGatewayWsClient(t, srv)

	require.NoError(t, c.Start())
	conn1 := srv.nextConn(t, 2*time.Second)
	conn1.sendJSON(t, map[string]interface{}{"topic": "system", "hb": 1})

	noConfirm := false
	ok := c.SubscribeTopic(TopicMarketData, "265598", map[string]interface{}{
		"fields": []string{"31", "84", "86"},
	}, &noConfirm)
	require.True(t, ok)

	want := `smd+265598+{"fields":["31","84","86"]}`
	assert.Equal(t, want, conn1.nextMessage(t, 2*time.Second))

	// Force an unexpected close; the engine reconnects and replays.
	conn1.forceClose()

	conn2 := srv.nextConn(t, 5*time.Second)
	conn2.sendJSON(t, map[string]interface{}{"topic": "system", "hb": 2})

	assert.Equal(t, want, conn2.nextMessage(t, 5*time.Second))

	// Exactly one subscribe frame: nothing else arrives.
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, conn2.messageCount())
}

func TestDispatchMarketDataUnwrap(t *testing.T) {
	srv := newWsTestServer(t)
	c := newTestGatewayWsClient(t, srv)

	require.NoError(t, c.Start())
	conn := srv.nextConn(t, 2*time.Second)

	noConfirm := false
	require.True(t, c.SubscribeTopic(TopicMarketData, "265598", nil, &noConfirm))
	conn.nextMessage(t, 2*time.Second) // drain the subscribe frame

	conn.sendJSON(t, map[string]interface{}{
		"topic":    "smd+265598",
		"conid":    265598,
		"_updated": 1700000000001,
		"31":       "123.45",
		"84":       "123.40",
		"86":       "123.50",
	})

	timeout := 2 * time.Second
	item := c.Get(TopicMarketData, true, &timeout)
	require.NotNil(t, item)

	byConid, ok := item.(map[string]interface{})
	require.True(t, ok)
	fields, ok := byConid["265598"].(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, "123.45", fields["last_price"])
	assert.Equal(t, "123.40", fields["bid_price"])
	assert.Equal(t, "123.50", fields["ask_price"])
	assert.Equal(t, float64(265598), fields["conid"])
	// Raw field ids are remapped away.
	assert.NotContains(t, fields, "31")
}

func TestConfirmationViaFirstChannelMessage(t *testing.T) {
	srv := newWsTestServer(t)
	c := newTestGatewayWsClient(t, srv)

	require.NoError(t, c.Start())
	conn := srv.nextConn(t, 2*time.Second)

	done := make(chan bool, 1)
	go func() {
		done <- c.SubscribeTopic(TopicAccountSummary, "DU123456", nil, nil)
	}()

	assert.Equal(t, "ssd+DU123456", conn.nextMessage(t, 2*time.Second))

	conn.sendJSON(t, map[string]interface{}{
		"topic": "ssd+DU123456",
		"args":  map[string]interface{}{"total": 1},
	})

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not return")
	}

	assert.True(t, c.IsSubscriptionActive("sd+DU123456"))
}

func TestAuthenticationStatusFrame(t *testing.T) {
	srv := newWsTestServer(t)
	c := newTestGatewayWsClient(t, srv)

	require.NoError(t, c.Start())
	conn := srv.nextConn(t, 2*time.Second)

	assert.True(t, c.Authenticated())

	conn.sendJSON(t, map[string]interface{}{
		"topic": "sts",
		"args":  map[string]interface{}{"authenticated": false},
	})

	assert.Eventually(t, func() bool { return !c.Authenticated() }, 2*time.Second, 20*time.Millisecond)

	// The frame is queued for the opted-in authentication topic.
	timeout := 2 * time.Second
	item := c.Get(TopicAuthentication, true, &timeout)
	require.NotNil(t, item)
	args, ok := item.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, args["authenticated"])
}

func TestUnsolicitedDropWithoutOptIn(t *testing.T) {
	srv := newWsTestServer(t)
	c := newTestGatewayWsClient(t, srv)

	require.NoError(t, c.Start())
	conn := srv.nextConn(t, 2*time.Second)

	// Bulletins are not in the opted-in list of the test client.
	conn.sendJSON(t, map[string]interface{}{
		"topic": "blt",
		"args":  map[string]interface{}{"message": "hello"},
	})
	conn.sendJSON(t, map[string]interface{}{"topic": "system", "hb": 5})

	require.Eventually(t, c.Ready, 2*time.Second, 20*time.Millisecond)
	assert.True(t, c.Empty(TopicBulletins))
}

func TestHardResetFromWorkerRejected(t *testing.T) {
	srv := newWsTestServer(t)

	var resetErr error
	errCh := make(chan struct{})

	c, err := NewWsClient(WsClientParams{
		URL:             srv.url,
		Timeout:         2 * time.Second,
		RestartOnClose:  true,
		PingInterval:    time.Hour,
		MaxPingInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	c.params.OnMessage = func(data []byte) {
		resetErr = c.HardReset(true)
		close(errCh)
	}

	require.NoError(t, c.Start())
	conn := srv.nextConn(t, 2*time.Second)
	conn.sendJSON(t, map[string]interface{}{"topic": "system"})

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}

	require.Error(t, resetErr)
	assert.Contains(t, resetErr.Error(), "hard reset called from the engine worker")
}

func TestHardResetFromOutsideRestarts(t *testing.T) {
	srv := newWsTestServer(t)
	c := newTestGatewayWsClient(t, srv)

	require.NoError(t, c.Start())
	conn1 := srv.nextConn(t, 2*time.Second)
	conn1.sendJSON(t, map[string]interface{}{"topic": "system", "hb": 1})
	require.Eventually(t, c.Ready, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, c.HardReset(true))

	conn2 := srv.nextConn(t, 5*time.Second)
	require.NotNil(t, conn2)
	assert.Eventually(t, c.Connected, 2*time.Second, 20*time.Millisecond)
}

func TestTopicChannelMapping(t *testing.T) {
	for channel, topic := range channelToTopic {
		assert.Equal(t, channel, topic.Channel())
		got, err := TopicFromChannel(channel)
		require.NoError(t, err)
		assert.Equal(t, topic, got)
	}

	_, err := TopicFromChannel("zz")
	assert.Error(t, err)
}
