// Command stream-client connects to the brokerage gateway WebSocket,
// subscribes to the requested channels, and prints inbound messages.
//
// Example:
//
//	stream-client --ws-url wss://localhost:5000/v1/api/ws \
//	    --rest-url https://localhost:5000/v1/api/ \
//	    --account DU000000 --sub md+265598
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"bgw-sdk-go/client/gateway"
	"bgw-sdk-go/client/websocket"
	"bgw-sdk-go/config"
	"bgw-sdk-go/logger"
)

var (
	wsURL     = flag.String("ws-url", "", "Gateway WebSocket URL. Defaults to the environment configuration.")
	restURL   = flag.String("rest-url", "", "Gateway REST URL. Defaults to the environment configuration.")
	accountID = flag.String("account", "", "Account ID. Defaults to the environment configuration.")
	cacert    = flag.String("cacert", "", "Path to CA certificate bundle; empty disables verification.")
	verbose   = flag.Bool("verbose", false, "Log raw frames to stdout.")
	subs      = flag.StringArray("sub", nil, "Channel to subscribe to, e.g. md+265598. Repeatable.")
	fields    = flag.String("fields", "31,84,86", "Market data fields requested for md channels.")
)

func main() {
	flag.Parse()

	config.LoadDotEnv()
	cfg, err := config.FromEnv()
	if err != nil {
		fatal(err)
	}

	if err := logger.Configure(logger.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		ToConsole: cfg.LogToConsole,
		ToFile:    cfg.LogToFile,
		LogsDir:   cfg.LogsDir,
	}); err != nil {
		fatal(err)
	}

	if *restURL != "" {
		cfg.RestURL = *restURL
	}
	if *wsURL != "" {
		cfg.WsURL = *wsURL
	}
	if *accountID != "" {
		cfg.AccountID = *accountID
	}
	if *cacert != "" {
		cfg.Cacert = *cacert
	}

	gwClient, err := gateway.FromConfig(cfg)
	if err != nil {
		fatal(err)
	}
	defer gwClient.Close()

	wsClient, err := websocket.NewGatewayWsClient(websocket.GatewayWsClientParams{
		AccountID:      cfg.AccountID,
		URL:            cfg.WsURL,
		Cacert:         cfg.Cacert,
		Session:        gwClient,
		UseOAuth:       cfg.UseOAuth,
		AccessToken:    cfg.OAuth1aAccessToken,
		LogRawMessages: *verbose,
		UnsolicitedQueued: []websocket.Topic{
			websocket.TopicSystem,
			websocket.TopicError,
			websocket.TopicBulletins,
			websocket.TopicNotifications,
		},
		Engine: websocket.WsClientParams{
			RestartOnClose:      true,
			RestartOnCritical:   true,
			PingInterval:        time.Duration(cfg.WsPingInterval) * time.Second,
			MaxPingInterval:     time.Duration(cfg.WsMaxPingInterval) * time.Second,
			Timeout:             time.Duration(cfg.WsTimeout) * time.Second,
			SubscriptionRetries: cfg.WsSubscriptionRetries,
			SubscriptionTimeout: time.Duration(cfg.WsSubscriptionTimeout) * time.Second,
		},
	})
	if err != nil {
		fatal(err)
	}

	if err := wsClient.Start(); err != nil {
		fatal(err)
	}
	defer wsClient.Shutdown()

	mdFields := strings.Split(*fields, ",")
	for _, channel := range *subs {
		ok := subscribeChannel(wsClient, channel, mdFields)
		status := color.GreenString("subscribed")
		if !ok {
			status = color.RedString("failed")
		}
		fmt.Printf("%s %s\n", status, channel)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	topics := solicitedTopics(*subs)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-interrupt:
			return
		case <-ticker.C:
			for _, topic := range topics {
				for {
					item := wsClient.Get(topic, false, nil)
					if item == nil {
						break
					}
					printItem(topic, item)
				}
			}
		}
	}
}

// subscribeChannel maps a raw channel string onto the topic-level
// subscribe, attaching the fields payload for market data.
func subscribeChannel(wsClient *websocket.GatewayWsClient, channel string, mdFields []string) bool {
	prefix, conid := channel, ""
	if i := strings.IndexByte(channel, '+'); i >= 0 {
		prefix, conid = channel[:i], channel[i+1:]
	}

	topic, err := websocket.TopicFromChannel(prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown channel %q\n", channel)
		return false
	}

	var data map[string]interface{}
	if topic == websocket.TopicMarketData {
		data = map[string]interface{}{"fields": mdFields}
	}

	return wsClient.SubscribeTopic(topic, conid, data, nil)
}

func solicitedTopics(channels []string) []websocket.Topic {
	seen := map[websocket.Topic]bool{}
	var topics []websocket.Topic
	for _, channel := range channels {
		prefix := channel
		if i := strings.IndexByte(channel, '+'); i >= 0 {
			prefix = channel[:i]
		}
		if topic, err := websocket.TopicFromChannel(prefix); err == nil && !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	return topics
}

func printItem(topic websocket.Topic, item interface{}) {
	data, err := json.Marshal(item)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot render %v: %v\n", item, err)
		return
	}
	fmt.Printf("%s %s\n", color.CyanString(string(topic)), data)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
	os.Exit(1)
}
