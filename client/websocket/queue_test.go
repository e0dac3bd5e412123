package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	hub := NewQueueHub()

	for i := 0; i < 5; i++ {
		hub.Put(TopicMarketData, i)
	}

	qa := hub.Accessor(TopicMarketData)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, qa.Get(false, nil))
	}
	assert.Nil(t, qa.Get(false, nil))
	assert.True(t, qa.Empty())
}

func TestQueueNonBlockingEmpty(t *testing.T) {
	hub := NewQueueHub()
	qa := hub.Accessor(TopicOrders)

	assert.True(t, qa.Empty())
	assert.Nil(t, qa.Get(false, nil))
}

func TestQueueBlockingTimeout(t *testing.T) {
	hub := NewQueueHub()
	qa := hub.Accessor(TopicTrades)

	timeout := 100 * time.Millisecond
	start := time.Now()
	item := qa.Get(true, &timeout)
	elapsed := time.Since(start)

	assert.Nil(t, item)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestQueueBlockingReceivesLateItem(t *testing.T) {
	hub := NewQueueHub()
	qa := hub.Accessor(TopicPnL)

	go func() {
		time.Sleep(50 * time.Millisecond)
		hub.Put(TopicPnL, "late")
	}()

	timeout := 2 * time.Second
	item := qa.Get(true, &timeout)
	assert.Equal(t, "late", item)
}

func TestQueueLazyCreationAndIsolation(t *testing.T) {
	hub := NewQueueHub()

	hub.Put(TopicSystem, "sys")
	require.True(t, hub.Accessor(TopicError).Empty())
	assert.Equal(t, "sys", hub.Accessor(TopicSystem).Get(false, nil))
}

func TestQueuePrefixProperty(t *testing.T) {
	hub := NewQueueHub()

	enqueued := []interface{}{"a", "b", "c", "d", "e"}
	for _, item := range enqueued {
		hub.Put(TopicBulletins, item)
	}

	qa := hub.Accessor(TopicBulletins)
	var drained []interface{}
	for i := 0; i < 3; i++ {
		drained = append(drained, qa.Get(false, nil))
	}

	assert.Equal(t, enqueued[:3], drained)
}
