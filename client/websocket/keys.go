package websocket

import (
	"github.com/juju/errors"
)

// Topic identifies one stream of gateway data, solicited (subscribed) or
// unsolicited (server-initiated). Each topic is backed by its own queue.
type Topic string

const (
	// Solicited topics.
	TopicAccountSummary Topic = "ACCOUNT_SUMMARY"
	TopicAccountLedger  Topic = "ACCOUNT_LEDGER"
	TopicMarketData     Topic = "MARKET_DATA"
	TopicMarketHistory  Topic = "MARKET_HISTORY"
	TopicPriceLadder    Topic = "PRICE_LADDER"
	TopicOrders         Topic = "ORDERS"
	TopicPnL            Topic = "PNL"
	TopicTrades         Topic = "TRADES"

	// Unsolicited topics.
	TopicAccountUpdates Topic = "ACCOUNT_UPDATES"
	TopicAuthentication Topic = "AUTHENTICATION_STATUS"
	TopicBulletins      Topic = "BULLETINS"
	TopicError          Topic = "ERROR"
	TopicSystem         Topic = "SYSTEM"
	TopicNotifications  Topic = "NOTIFICATIONS"
)

// AllTopics lists every topic; queue accessors are valid for each of them.
var AllTopics = []Topic{
	TopicAccountSummary, TopicAccountLedger, TopicMarketData,
	TopicMarketHistory, TopicPriceLadder, TopicOrders, TopicPnL, TopicTrades,
	TopicAccountUpdates, TopicAuthentication, TopicBulletins, TopicError,
	TopicSystem, TopicNotifications,
}

// channelToTopic maps the two-character solicited channel prefixes to their
// topics. It is a static bijection with topicToChannel.
var channelToTopic = map[string]Topic{
	"sd": TopicAccountSummary,
	"ld": TopicAccountLedger,
	"md": TopicMarketData,
	"mh": TopicMarketHistory,
	"bd": TopicPriceLadder,
	"or": TopicOrders,
	"pl": TopicPnL,
	"tr": TopicTrades,
}

var topicToChannel = map[Topic]string{
	TopicAccountSummary: "sd",
	TopicAccountLedger:  "ld",
	TopicMarketData:     "md",
	TopicMarketHistory:  "mh",
	TopicPriceLadder:    "bd",
	TopicOrders:         "or",
	TopicPnL:            "pl",
	TopicTrades:         "tr",
}

// confirmsSubscribing records which solicited channels acknowledge a
// subscribe request with a confirmation frame.
var confirmsSubscribing = map[Topic]bool{
	TopicAccountSummary: true,
	TopicAccountLedger:  true,
	TopicMarketData:     true,
	TopicMarketHistory:  true,
	TopicPriceLadder:    false,
	TopicOrders:         false,
	TopicPnL:            true,
	TopicTrades:         true,
}

// confirmsUnsubscribing records which solicited channels acknowledge an
// unsubscribe request.
var confirmsUnsubscribing = map[Topic]bool{
	TopicAccountSummary: true,
	TopicAccountLedger:  true,
	TopicMarketData:     false,
	TopicMarketHistory:  true,
	TopicPriceLadder:    false,
	TopicOrders:         false,
	TopicPnL:            false,
	TopicTrades:         false,
}

// TopicFromChannel resolves a solicited channel prefix to its Topic.
func TopicFromChannel(channel string) (Topic, error) {
	if t, ok := channelToTopic[channel]; ok {
		return t, nil
	}
	return "", errors.Errorf("no topic associated with channel %q", channel)
}

// Channel returns the solicited channel prefix for the topic, or an empty
// string for unsolicited topics.
func (t Topic) Channel() string {
	return topicToChannel[t]
}

// ConfirmsSubscribing reports whether a subscribe on this topic's channel
// is acknowledged by the gateway.
func (t Topic) ConfirmsSubscribing() bool {
	return confirmsSubscribing[t]
}

// ConfirmsUnsubscribing reports whether an unsubscribe on this topic's
// channel is acknowledged by the gateway.
func (t Topic) ConfirmsUnsubscribing() bool {
	return confirmsUnsubscribing[t]
}
