package websocket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgw-sdk-go/logger"
)

type payloadRecorder struct {
	mtx      sync.Mutex
	payloads []string
	fail     bool
}

func (r *payloadRecorder) send(payload string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.fail {
		return false
	}
	r.payloads = append(r.payloads, payload)
	return true
}

func (r *payloadRecorder) sent() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]string, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func newTestController(rec *payloadRecorder, retries int, timeout time.Duration) *subscriptionController {
	return newSubscriptionController(
		DefaultSubscriptionProcessor{},
		retries,
		timeout,
		rec.send,
		func() bool { return true },
		logger.WithComponent("test"),
	)
}

func TestDefaultProcessorPayloads(t *testing.T) {
	p := DefaultSubscriptionProcessor{}

	assert.Equal(t, "smd+265598", p.MakeSubscribePayload("md+265598", nil))
	assert.Equal(t,
		`smd+265598+{"fields":["31","84","86"]}`,
		p.MakeSubscribePayload("md+265598", map[string]interface{}{
			"fields": []string{"31", "84", "86"},
		}))

	assert.Equal(t, "umd+265598+{}", p.MakeUnsubscribePayload("md+265598", nil))
	assert.Equal(t,
		`umd+265598+{"days":30}`,
		p.MakeUnsubscribePayload("md+265598", map[string]interface{}{"days": 30}))
}

func TestSubscribeWithoutConfirmation(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 100*time.Millisecond)

	ok := sc.Subscribe(Subscription{
		Channel: "md+265598",
		Data:    map[string]interface{}{"fields": []string{"31", "84", "86"}},
	})

	require.True(t, ok)
	assert.Equal(t, []string{`smd+265598+{"fields":["31","84","86"]}`}, rec.sent())
	assert.True(t, sc.IsActive("md+265598"))
}

func TestSubscribeConfirmationTimeout(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 150*time.Millisecond)

	ok := sc.Subscribe(Subscription{
		Channel:           "sd+1234",
		NeedsConfirmation: true,
	})

	assert.False(t, ok)
	// subscription_retries=2 means three identical subscribe frames.
	assert.Equal(t, []string{"ssd+1234", "ssd+1234", "ssd+1234"}, rec.sent())
	assert.False(t, sc.IsActive("sd+1234"))
	assert.True(t, sc.Has("sd+1234"))
}

func TestSubscribeConfirmed(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 2*time.Second)

	go func() {
		time.Sleep(100 * time.Millisecond)
		sc.setConfirmed("sd+1234", true)
	}()

	ok := sc.Subscribe(Subscription{
		Channel:           "sd+1234",
		NeedsConfirmation: true,
	})

	require.True(t, ok)
	assert.Equal(t, []string{"ssd+1234"}, rec.sent())
	assert.True(t, sc.IsActive("sd+1234"))
}

func TestSubscribeAlreadyActive(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 100*time.Millisecond)

	require.True(t, sc.Subscribe(Subscription{Channel: "or"}))
	require.True(t, sc.Subscribe(Subscription{Channel: "or"}))

	// The second call is a no-op: one payload only.
	assert.Len(t, rec.sent(), 1)
}

func TestUnsubscribeRemovesRecord(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 100*time.Millisecond)

	require.True(t, sc.Subscribe(Subscription{Channel: "md+1"}))
	require.True(t, sc.Unsubscribe(Subscription{Channel: "md+1"}))

	assert.False(t, sc.Has("md+1"))
	assert.Equal(t, []string{"smd+1", "umd+1+{}"}, rec.sent())
}

func TestUnsubscribeConfirmationTimeout(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 1, 120*time.Millisecond)

	require.True(t, sc.Subscribe(Subscription{Channel: "sd+9"}))

	ok := sc.Unsubscribe(Subscription{
		Channel:           "sd+9",
		NeedsConfirmation: true,
	})

	// Still confirmed, so unsubscription never confirms and the record
	// stays.
	assert.False(t, ok)
	assert.True(t, sc.Has("sd+9"))
	assert.Equal(t, []string{"ssd+9", "usd+9+{}", "usd+9+{}"}, rec.sent())
}

func TestModifySubscription(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 100*time.Millisecond)

	require.True(t, sc.Subscribe(Subscription{Channel: "md+7"}))

	require.NoError(t, sc.Modify("md+7",
		WithConfirmed(false),
		WithData(map[string]interface{}{"fields": []string{"31"}}),
	))

	sub, ok := sc.Get("md+7")
	require.True(t, ok)
	assert.False(t, sub.Confirmed)
	assert.Equal(t, map[string]interface{}{"fields": []string{"31"}}, sub.Data)

	// Unregistered channels error.
	assert.Error(t, sc.Modify("nope", WithConfirmed(true)))
}

func TestInvalidateAndRecreate(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 100*time.Millisecond)

	require.True(t, sc.Subscribe(Subscription{
		Channel: "md+265598",
		Data:    map[string]interface{}{"fields": []string{"31", "84", "86"}},
	}))

	sc.Invalidate()
	assert.False(t, sc.IsActive("md+265598"))

	sc.Recreate()

	// Exactly one replayed subscribe with the stored data.
	sent := rec.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0], sent[1])
	assert.Equal(t, `smd+265598+{"fields":["31","84","86"]}`, sent[1])
	assert.True(t, sc.IsActive("md+265598"))
}

func TestRecreateSkipsActive(t *testing.T) {
	rec := &payloadRecorder{}
	sc := newTestController(rec, 2, 100*time.Millisecond)

	require.True(t, sc.Subscribe(Subscription{Channel: "md+1"}))
	require.True(t, sc.Subscribe(Subscription{Channel: "md+2"}))

	require.NoError(t, sc.Modify("md+2", WithConfirmed(false)))

	sc.Recreate()

	sent := rec.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "smd+2", sent[2])
}
