package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"bgw-sdk-go/client/rest"
	"bgw-sdk-go/logger"
)

// BrokerageSession is the REST-side collaborator the WebSocket client needs:
// the keep-alive call that also yields the session cookie, and the
// authenticated/competing/connected probe. *gateway.Client satisfies it.
type BrokerageSession interface {
	Tickle() (rest.Result, error)
	CheckHealth() bool
}

// GatewayWsClientParams contains options for creating a GatewayWsClient.
type GatewayWsClientParams struct {
	// AccountID is used to validate account frames and resolve summary and
	// ledger confirmations.
	AccountID string

	// URL of the gateway WebSocket endpoint. In OAuth mode the access token
	// is appended as a query parameter.
	URL string

	Cacert string

	// Session provides the keep-alive cookie and the REST health probe.
	Session BrokerageSession

	// UseOAuth switches the dial to OAuth mode.
	UseOAuth    bool
	AccessToken string

	// LogRawMessages logs every raw inbound frame at debug level.
	LogRawMessages bool

	// UnsolicitedQueued lists the unsolicited topics that should be queued;
	// anything else is dropped after logging.
	UnsolicitedQueued []Topic

	// Unwrap remaps market-data frames before enqueueing. Nil selects
	// UnwrapMarketData; an identity func disables remapping.
	Unwrap UnwrapFunc

	// Engine holds the underlying WsClient parameters; URL, Cacert,
	// DialHeader and OnMessage are filled in here.
	Engine WsClientParams
}

// GatewayWsClient is the gateway-facing WebSocket client: it dispatches
// inbound frames to per-topic queues, tracks heartbeat and authentication
// status, and exposes topic-level subscribe/unsubscribe.
type GatewayWsClient struct {
	*WsClient

	params GatewayWsClientParams

	hub    *QueueHub
	unwrap UnwrapFunc

	unsolicited map[Topic]bool

	// serverIDMtx guards serverIDConid: market-history frames announce a
	// serverId which later names the channel in unsubscribe confirmations.
	serverIDMtx   sync.Mutex
	serverIDConid map[Topic]map[string]string

	log *logrus.Entry
}

// NewGatewayWsClient creates the gateway WebSocket client. Nothing is
// dialed until Start.
func NewGatewayWsClient(params GatewayWsClientParams) (*GatewayWsClient, error) {
	url := params.URL
	if url == "" {
		return nil, errors.New("websocket: URL must not be empty")
	}

	if params.UseOAuth {
		if params.AccessToken == "" {
			return nil, errors.New("websocket: OAuth access token not set")
		}
		url += "?oauth_token=" + params.AccessToken
	}

	c := &GatewayWsClient{
		params:        params,
		hub:           NewQueueHub(),
		unwrap:        params.Unwrap,
		unsolicited:   map[Topic]bool{},
		serverIDConid: map[Topic]map[string]string{},
		log:           logger.WithComponent("gateway-ws"),
	}
	if c.unwrap == nil {
		c.unwrap = UnwrapMarketData
	}
	for _, t := range params.UnsolicitedQueued {
		c.unsolicited[t] = true
	}

	engineParams := params.Engine
	engineParams.URL = url
	engineParams.Cacert = params.Cacert
	engineParams.OnMessage = c.onMessage
	engineParams.DialHeader = c.dialHeader

	ws, err := NewWsClient(engineParams)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.WsClient = ws

	return c, nil
}

// dialHeader acquires the session cookie via the keep-alive endpoint and
// builds the dial headers. Runs before every (re)connect.
func (c *GatewayWsClient) dialHeader() http.Header {
	header := http.Header{}
	if c.params.UseOAuth {
		header.Set("User-Agent", "ClientPortalGW/1")
	}

	if c.params.Session == nil {
		return header
	}

	result, err := c.params.Session.Tickle()
	if err != nil {
		c.log.Warn("acquiring session cookie failed, connection to the gateway may be broken")
		return header
	}

	data, ok := result.Data.(map[string]interface{})
	if !ok {
		return header
	}
	sessionID, ok := data["session"].(string)
	if !ok {
		return header
	}

	if c.params.UseOAuth {
		header.Set("Cookie", "api="+sessionID)
	} else {
		payload, _ := json.Marshal(map[string]string{"session": sessionID})
		header.Set("Cookie", "api="+string(payload))
	}
	return header
}

// SubscribeTopic subscribes to a solicited topic. conid, when non-empty,
// becomes the channel suffix; params travel as the payload data. A nil
// needsConfirmation derives the default from the topic.
func (c *GatewayWsClient) SubscribeTopic(key Topic, conid string, params map[string]interface{}, needsConfirmation *bool) bool {
	confirm := key.ConfirmsSubscribing()
	if needsConfirmation != nil {
		confirm = *needsConfirmation
	}
	return c.Subscribe(channelFor(key, conid), params, confirm, nil)
}

// UnsubscribeTopic unsubscribes from a solicited topic, mirroring
// SubscribeTopic.
func (c *GatewayWsClient) UnsubscribeTopic(key Topic, conid string, params map[string]interface{}, needsConfirmation *bool) bool {
	confirm := key.ConfirmsUnsubscribing()
	if needsConfirmation != nil {
		confirm = *needsConfirmation
	}
	return c.Unsubscribe(channelFor(key, conid), params, confirm, nil)
}

func channelFor(key Topic, conid string) string {
	channel := key.Channel()
	if conid != "" {
		channel += "+" + conid
	}
	return channel
}

// Accessor returns the queue accessor for a topic.
func (c *GatewayWsClient) Accessor(key Topic) QueueAccessor {
	return c.hub.Accessor(key)
}

// Get pops the next queued message for a topic; see QueueAccessor.Get.
func (c *GatewayWsClient) Get(key Topic, block bool, timeout *time.Duration) interface{} {
	return c.hub.Accessor(key).Get(block, timeout)
}

// Empty reports whether a topic's queue is empty.
func (c *GatewayWsClient) Empty(key Topic) bool {
	return c.hub.Accessor(key).Empty()
}

// ServerIDs returns the serverId→conid pairs observed for a topic.
func (c *GatewayWsClient) ServerIDs(key Topic) map[string]string {
	c.serverIDMtx.Lock()
	defer c.serverIDMtx.Unlock()

	out := map[string]string{}
	for k, v := range c.serverIDConid[key] {
		out[k] = v
	}
	return out
}

// CheckHealth cross-checks ping age, heartbeat age and the REST brokerage
// probe. While connected it returns true only when all three are healthy;
// a failed REST probe additionally triggers a hard reset. While the socket
// is not connected it returns true without probing anything.
func (c *GatewayWsClient) CheckHealth() bool {
	if !c.Connected() {
		return true
	}

	if !c.CheckPing() {
		return false
	}

	if !c.CheckHeartbeat() {
		return false
	}

	if c.params.Session != nil && !c.params.Session.CheckHealth() {
		c.log.Warn("brokerage session unhealthy, restarting")
		if err := c.HardReset(true); err != nil {
			c.log.WithError(err).Error("hard reset failed")
		}
		return false
	}

	return true
}

// onMessage dispatches one inbound frame. It runs on the engine worker.
func (c *GatewayWsClient) onMessage(raw []byte) {
	if c.params.LogRawMessages {
		c.log.Debugf("raw message: %s", raw)
	}

	var message map[string]interface{}
	if err := json.Unmarshal(raw, &message); err != nil {
		c.log.Errorf("unparseable frame: %s", raw)
		return
	}

	topic, hasTopic := message["topic"].(string)
	data, _ := message["args"].(map[string]interface{})

	if _, isErr := message["error"]; isErr {
		c.handleError(message)
		return
	}

	switch {
	case !hasTopic:
		c.handleMessageWithoutTopic(message)

	case topic == "system":
		c.handleSystem(message)

	case topic == "act":
		c.handleAccountUpdate(message, data)

	case topic == "blt":
		c.handleUnsolicited(TopicBulletins, message)

	case topic == "ntf":
		c.handleUnsolicited(TopicNotifications, message)

	case topic == "sts":
		c.handleAuthenticationStatus(message, data)

	case topic == "error":
		c.log.Errorf("error message: %v", message)
		c.handleUnsolicited(TopicError, message)

	default:
		c.handleSolicited(topic, message)
	}
}

func (c *GatewayWsClient) handleError(message map[string]interface{}) {
	c.handleUnsolicited(TopicError, message)
	c.log.Errorf("on_message error: %v", message)
}

func (c *GatewayWsClient) handleSystem(message map[string]interface{}) {
	if hb, ok := message["hb"].(float64); ok {
		c.RecordHeartbeat(int64(hb))
	}
	c.handleUnsolicited(TopicSystem, message)
}

func (c *GatewayWsClient) handleAccountUpdate(message map[string]interface{}, data map[string]interface{}) {
	c.handleUnsolicited(TopicAccountUpdates, message)

	accounts, ok := data["accounts"].([]interface{})
	if !ok {
		c.log.Errorf("unknown account response: %v", message)
		return
	}

	for _, acct := range accounts {
		if acct == c.params.AccountID {
			return
		}
	}
	c.log.Errorf("account ID mismatch: expected=%s, received=%v", c.params.AccountID, accounts)
}

func (c *GatewayWsClient) handleAuthenticationStatus(message map[string]interface{}, data map[string]interface{}) {
	c.handleUnsolicited(TopicAuthentication, data)

	if authenticated, ok := data["authenticated"].(bool); ok {
		if !authenticated {
			c.log.Errorf("status unauthenticated: %v", data)
		}
		c.SetAuthenticated(authenticated)
		return
	}

	if competing, ok := data["competing"].(bool); ok {
		if competing {
			c.log.Errorf("status competing: %v", data)
		}
		return
	}

	if msg, ok := data["message"].(string); ok && msg == "" {
		return
	}

	c.log.Infof("unknown status response: %v", message)
}

func (c *GatewayWsClient) handleMessageWithoutTopic(message map[string]interface{}) {
	if msg, ok := message["message"].(string); ok {
		switch {
		case strings.Contains(msg, "Unsubscribed"):
			c.handleMarketHistoryUnsubscribe(msg)
			return
		case msg == "waiting for session":
			c.log.Info("waiting for an active gateway session")
			return
		}
	} else if result, ok := message["result"].(string); ok {
		switch result {
		case "unsubscribed from summary":
			c.confirmUnsubscribed(channelFor(TopicAccountSummary, c.params.AccountID))
			return
		case "unsubscribed from ledger":
			c.confirmUnsubscribed(channelFor(TopicAccountLedger, c.params.AccountID))
			return
		}
	}

	c.log.Errorf("unrecognised message without a topic: %v", message)
}

func (c *GatewayWsClient) confirmUnsubscribed(channel string) {
	if err := c.ModifySubscription(channel, WithConfirmed(false)); err != nil {
		c.log.WithError(err).Warnf("cannot mark %s as unsubscribed", channel)
	}
}

// handleMarketHistoryUnsubscribe resolves "Unsubscribed <serverId>" frames
// through the serverId→conid pairs recorded from earlier history frames.
func (c *GatewayWsClient) handleMarketHistoryUnsubscribe(msg string) {
	parts := strings.Split(msg, "Unsubscribed ")
	serverID := parts[len(parts)-1]

	c.serverIDMtx.Lock()
	conid, ok := c.serverIDConid[TopicMarketHistory][serverID]
	c.serverIDMtx.Unlock()

	if !ok {
		c.log.Warnf("received unsubscribing confirmation for unknown serverId=%q", serverID)
		return
	}
	if conid == "" {
		c.log.Warnf("unknown conid for serverId=%q, cannot mark the subscription as unsubscribed", serverID)
		return
	}

	c.log.Infof("received unsubscribing confirmation for serverId=%q/conid=%q", serverID, conid)
	c.confirmUnsubscribed(channelFor(TopicMarketHistory, conid))
}

func (c *GatewayWsClient) handleUnsolicited(key Topic, message interface{}) {
	if c.unsolicited[key] {
		c.hub.Put(key, message)
	}
}

// handleSolicited routes a topic-carrying frame to its channel's queue. The
// first frame on a subscribed channel doubles as the subscription
// confirmation.
func (c *GatewayWsClient) handleSolicited(topic string, message map[string]interface{}) {
	if len(topic) < 3 {
		c.log.Errorf("topic %q unrecognised: %v", topic, message)
		return
	}

	// The first letter flags subscribe/unsubscribe; the rest names the
	// channel, e.g. "smd+265598" → channel "md+265598".
	channel := topic[1:]

	if c.HasSubscription(channel) {
		if !c.IsSubscriptionActive(channel) {
			if err := c.ModifySubscription(channel, WithConfirmed(true)); err != nil {
				c.log.WithError(err).Warnf("cannot confirm %s", channel)
			}
		}
		if !c.routeSolicited(channel, message) {
			c.log.Errorf("channel %q subscribed but lacking a handler: %v", channel, message)
		}
		return
	}

	if c.routeSolicited(channel, message) {
		c.log.Warnf("handled a channel %q message that is missing a subscription", channel)
	} else {
		c.log.Errorf("topic %q unrecognised: %v", topic, message)
	}
}

func (c *GatewayWsClient) routeSolicited(channel string, message map[string]interface{}) bool {
	prefix := channel
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}

	key, err := TopicFromChannel(prefix)
	if err != nil {
		return false
	}

	var payload interface{} = message
	switch key {
	case TopicMarketData:
		md := c.preprocessMarketData(message)
		if md == nil {
			// An empty ticker update carries nothing to queue.
			return true
		}
		payload = md
	case TopicMarketHistory:
		c.recordServerID(key, message)
	}

	c.hub.Put(key, payload)
	return true
}

// preprocessMarketData applies the unwrap transformation and keys the
// result by conid. The gateway only sends fields that changed.
func (c *GatewayWsClient) preprocessMarketData(message map[string]interface{}) map[string]interface{} {
	conid, ok := message["conid"]
	if !ok {
		return nil
	}

	unwrapped := c.unwrap(message)
	return map[string]interface{}{fmt.Sprintf("%v", conid): unwrapped}
}

func (c *GatewayWsClient) recordServerID(key Topic, message map[string]interface{}) {
	serverID, ok := message["serverId"].(string)
	if !ok {
		return
	}

	c.serverIDMtx.Lock()
	defer c.serverIDMtx.Unlock()

	pairs, ok := c.serverIDConid[key]
	if !ok {
		pairs = map[string]string{}
		c.serverIDConid[key] = pairs
	}
	if _, seen := pairs[serverID]; !seen {
		pairs[serverID] = extractConid(message)
	}
}

// extractConid pulls the contract id from a frame: the conid field when
// present, otherwise the topic suffix.
func extractConid(message map[string]interface{}) string {
	if conid, ok := message["conid"]; ok {
		return fmt.Sprintf("%v", conid)
	}
	if topic, ok := message["topic"].(string); ok {
		if i := strings.IndexByte(topic, '+'); i >= 0 {
			return topic[i+1:]
		}
	}
	return ""
}
