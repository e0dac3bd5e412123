package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// SubscriptionProcessor formats subscribe and unsubscribe payloads for one
// wire format. Replacing it lets callers target gateways with different
// subscription conventions.
type SubscriptionProcessor interface {
	MakeSubscribePayload(channel string, data map[string]interface{}) string
	MakeUnsubscribePayload(channel string, data map[string]interface{}) string
}

// DefaultSubscriptionProcessor implements the gateway's plain-text payload
// convention: "s<channel>" optionally followed by "+<json-data>", and
// "u<channel>+<json-data or {}>".
type DefaultSubscriptionProcessor struct{}

func (DefaultSubscriptionProcessor) MakeSubscribePayload(channel string, data map[string]interface{}) string {
	payload := "s" + channel
	if data == nil {
		return payload
	}
	return payload + "+" + compactJSON(data)
}

func (DefaultSubscriptionProcessor) MakeUnsubscribePayload(channel string, data map[string]interface{}) string {
	if data == nil {
		data = map[string]interface{}{}
	}
	return "u" + channel + "+" + compactJSON(data)
}

func compactJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Subscription is the registry record for one channel. The set of records
// is the single source of truth for what must be active after any
// reconnect.
type Subscription struct {
	Channel           string
	Data              map[string]interface{}
	Confirmed         bool
	NeedsConfirmation bool
	Processor         SubscriptionProcessor
}

// SubscriptionMod updates one field of a registered subscription; fields
// without a mod are left unchanged.
type SubscriptionMod func(*Subscription)

// WithConfirmed sets the confirmed flag.
func WithConfirmed(confirmed bool) SubscriptionMod {
	return func(s *Subscription) { s.Confirmed = confirmed }
}

// WithData replaces the payload data.
func WithData(data map[string]interface{}) SubscriptionMod {
	return func(s *Subscription) { s.Data = data }
}

// WithNeedsConfirmation sets whether confirmations are expected.
func WithNeedsConfirmation(v bool) SubscriptionMod {
	return func(s *Subscription) { s.NeedsConfirmation = v }
}

// WithProcessor replaces the payload processor.
func WithProcessor(p SubscriptionProcessor) SubscriptionMod {
	return func(s *Subscription) { s.Processor = p }
}

const confirmationPollInterval = 100 * time.Millisecond

// subscriptionController manages the desired-vs-actual subscription state.
// Every mutation of the registry happens under its lock; reconnect replay
// snapshots the registry so no lock is held during I/O.
type subscriptionController struct {
	processor SubscriptionProcessor
	retries   int
	timeout   time.Duration

	sendPayload func(string) bool
	running     func() bool

	// opMtx serializes subscribe/unsubscribe actions; regMtx guards the
	// registry map itself.
	opMtx  sync.Mutex
	regMtx sync.Mutex
	subs   map[string]*Subscription

	log *logrus.Entry
}

func newSubscriptionController(
	processor SubscriptionProcessor,
	retries int,
	timeout time.Duration,
	sendPayload func(string) bool,
	running func() bool,
	log *logrus.Entry,
) *subscriptionController {
	return &subscriptionController{
		processor:   processor,
		retries:     retries,
		timeout:     timeout,
		sendPayload: sendPayload,
		running:     running,
		subs:        make(map[string]*Subscription),
		log:         log,
	}
}

// Subscribe registers the channel and sends its subscribe payload. When the
// channel needs confirmation, the same payload is re-sent up to retries
// extra times, polling for the confirmed flag for timeout each round; it
// returns false on exhaustion. Without confirmation it returns true right
// after the send.
func (sc *subscriptionController) Subscribe(sub Subscription) bool {
	sc.opMtx.Lock()
	defer sc.opMtx.Unlock()

	if sub.Processor == nil {
		sub.Processor = sc.processor
	}

	if sc.isActive(sub.Channel) {
		return true
	}

	sc.regMtx.Lock()
	stored := sub
	sc.subs[sub.Channel] = &stored
	sc.regMtx.Unlock()

	return sc.attemptSubscribing(&stored)
}

func (sc *subscriptionController) attemptSubscribing(sub *Subscription) bool {
	payload := sub.Processor.MakeSubscribePayload(sub.Channel, sub.Data)

	if !sub.NeedsConfirmation {
		if !sc.sendPayload(payload) {
			sc.log.Infof("subscription failed: %s", payload)
			return false
		}
		sc.log.Infof("subscribed without confirmation: %s", payload)
		sc.setConfirmed(sub.Channel, true)
		return true
	}

	for attempt := 0; attempt <= sc.retries; attempt++ {
		if !sc.running() {
			return false
		}

		if attempt > 0 {
			sc.log.Infof("subscribing reattempt (%d/%d) %s", attempt+1, sc.retries+1, payload)
		}

		if !sc.sendPayload(payload) {
			continue
		}

		if sc.waitUntil(func() bool { return sc.isActive(sub.Channel) }) {
			sc.log.Infof("subscribed: %s", payload)
			return true
		}
	}

	sc.log.Errorf("subscribing failed after %d attempts: %s", sc.retries+1, payload)
	return false
}

// Unsubscribe sends the channel's unsubscribe payload, mirroring Subscribe's
// confirmation handling, and removes the registry record on success.
func (sc *subscriptionController) Unsubscribe(sub Subscription) bool {
	sc.opMtx.Lock()
	defer sc.opMtx.Unlock()

	if sub.Processor == nil {
		sub.Processor = sc.processor
	}

	confirmed := sc.attemptUnsubscribing(&sub)

	if confirmed {
		sc.regMtx.Lock()
		delete(sc.subs, sub.Channel)
		sc.regMtx.Unlock()
	}

	return confirmed
}

func (sc *subscriptionController) attemptUnsubscribing(sub *Subscription) bool {
	payload := sub.Processor.MakeUnsubscribePayload(sub.Channel, sub.Data)

	if !sub.NeedsConfirmation {
		sc.sendPayload(payload)
		sc.log.Infof("unsubscribed without confirmation: %s", payload)
		return true
	}

	for attempt := 0; attempt <= sc.retries; attempt++ {
		if !sc.running() {
			return false
		}

		if attempt > 0 {
			sc.log.Infof("unsubscribing reattempt (%d/%d) %s", attempt+1, sc.retries+1, payload)
		}

		if !sc.sendPayload(payload) {
			continue
		}

		if sc.waitUntil(func() bool { return !sc.isActive(sub.Channel) }) {
			sc.log.Infof("unsubscribed: %s", payload)
			return true
		}
	}

	sc.log.Errorf("unsubscribing failed after %d attempts: %s", sc.retries+1, payload)
	return false
}

// waitUntil polls the condition until it holds or the controller timeout
// elapses.
func (sc *subscriptionController) waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(sc.timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(confirmationPollInterval)
	}
	return cond()
}

// Modify updates a registered subscription in place; unspecified fields are
// left unchanged. It errors when the channel is not registered.
func (sc *subscriptionController) Modify(channel string, mods ...SubscriptionMod) error {
	sc.regMtx.Lock()
	defer sc.regMtx.Unlock()

	sub, ok := sc.subs[channel]
	if !ok {
		return errors.Errorf("subscription %q does not exist", channel)
	}

	for _, mod := range mods {
		mod(sub)
	}
	return nil
}

func (sc *subscriptionController) setConfirmed(channel string, confirmed bool) {
	sc.regMtx.Lock()
	defer sc.regMtx.Unlock()
	if sub, ok := sc.subs[channel]; ok {
		sub.Confirmed = confirmed
	}
}

func (sc *subscriptionController) isActive(channel string) bool {
	sc.regMtx.Lock()
	defer sc.regMtx.Unlock()
	sub, ok := sc.subs[channel]
	return ok && sub.Confirmed
}

// IsActive reports whether the channel is registered and confirmed.
func (sc *subscriptionController) IsActive(channel string) bool {
	return sc.isActive(channel)
}

// Has reports whether the channel is registered, confirmed or not.
func (sc *subscriptionController) Has(channel string) bool {
	sc.regMtx.Lock()
	defer sc.regMtx.Unlock()
	_, ok := sc.subs[channel]
	return ok
}

// Get returns a copy of the registered subscription, if any.
func (sc *subscriptionController) Get(channel string) (Subscription, bool) {
	sc.regMtx.Lock()
	defer sc.regMtx.Unlock()
	sub, ok := sc.subs[channel]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Invalidate clears the confirmed flag on every record; called when the
// connection drops so replay knows what to re-issue.
func (sc *subscriptionController) Invalidate() {
	sc.regMtx.Lock()
	defer sc.regMtx.Unlock()
	for channel, sub := range sc.subs {
		if sub.Confirmed {
			sub.Confirmed = false
			sc.log.Infof("invalidated subscription: %s", channel)
		}
	}
}

// Recreate re-issues a subscribe for every registered record that is not
// currently confirmed. The registry is snapshotted first so the lock is not
// held during I/O; records that fail to resubscribe stay registered
// unconfirmed for the next cycle.
func (sc *subscriptionController) Recreate() {
	sc.regMtx.Lock()
	inactive := make([]Subscription, 0, len(sc.subs))
	for _, sub := range sc.subs {
		if !sub.Confirmed {
			inactive = append(inactive, *sub)
		}
	}
	total := len(sc.subs)
	sc.regMtx.Unlock()

	if len(inactive) == 0 {
		return
	}

	sc.log.Infof("recreating %d/%d subscriptions", len(inactive), total)

	for i := range inactive {
		sub := inactive[i]
		sub.Confirmed = false

		sc.regMtx.Lock()
		delete(sc.subs, sub.Channel)
		sc.regMtx.Unlock()

		if !sc.Subscribe(sub) {
			sc.log.Errorf("failed to re-subscribe channel: %s", sub.Channel)
		}
	}
}
