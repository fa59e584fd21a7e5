package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewEventBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish("node_health", map[string]string{"node_id": "n1"})

	select {
	case ev := <-ch:
		assert.Equal(t, "node_health", ev.Kind)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "n1", data["node_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewEventBus()
	ch, unsub := b.Subscribe()
	unsub()

	b.Publish("workload_state", map[string]string{"id": "w1"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewEventBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < 64; i++ {
		b.Publish("spam", map[string]int{"i": i})
	}

	assert.Len(t, ch, cap(ch), "channel should be full, not unbounded")
}

func TestMultipleSubscribersEachReceiveTheEvent(t *testing.T) {
	b := NewEventBus()
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish("node_health", map[string]bool{"ok": true})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "node_health", ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
