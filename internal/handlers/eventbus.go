package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/clawbernetes/clawbernetes-sub007/internal/infra"
)

// Event is one cluster-state change fanned out to SSE subscribers.
type Event struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EventBus fans out Events to every local SSE subscriber, and —
// optionally — to a Redis channel so multiple REST front-ends sitting
// in front of one gateway stay in sync. Redis is disabled by default;
// a single process needs nothing beyond the in-memory fan-out.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}

	redis   *infra.GoRedisAdapter
	channel string
}

// NewEventBus creates a local-only event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan Event]struct{})}
}

// WithRedis attaches a Redis pub/sub backend so Publish also broadcasts
// cluster-wide and Subscribe also receives from peers, used when the
// gateway runs multiple REST replicas behind a shared load balancer.
func (b *EventBus) WithRedis(adapter *infra.GoRedisAdapter, channel string) *EventBus {
	b.redis = adapter
	b.channel = channel
	_, err := adapter.Subscribe(context.Background(), channel, func(payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("eventbus: dropping malformed redis payload", "error", err)
			return
		}
		b.broadcastLocal(ev)
	})
	if err != nil {
		slog.Warn("eventbus: redis subscribe failed, falling back to local-only fan-out", "error", err)
		b.redis = nil
	}
	return b
}

// Publish fans out an event to local subscribers and, if configured, to
// the Redis channel.
func (b *EventBus) Publish(kind string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("eventbus: marshal failed", "kind", kind, "error", err)
		return
	}
	ev := Event{Kind: kind, Data: raw}
	b.broadcastLocal(ev)

	if b.redis != nil {
		payload, _ := json.Marshal(ev)
		if err := b.redis.Publish(context.Background(), b.channel, payload); err != nil {
			slog.Warn("eventbus: redis publish failed", "error", err)
		}
	}
}

func (b *EventBus) broadcastLocal(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber: drop rather than block publishers.
		}
	}
}

// Subscribe registers a new SSE listener, returning its channel and an
// unsubscribe function.
func (b *EventBus) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}
