package notify

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Hub fans messages out to in-process subscribers by topic. Slow subscribers
// miss messages instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string][]chan Message
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string][]chan Message)}
}

// Subscribe streams messages for topic until ctx is done, then closes the
// channel.
func (h *Hub) Subscribe(ctx context.Context, topic string) <-chan Message {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	h.clients[topic] = append(h.clients[topic], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(topic, ch)
	}()
	return ch
}

// Deliver hands msg to current subscribers of msg.Topic.
func (h *Hub) Deliver(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients[msg.Topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Publish delivers locally. Used where there is no relay, such as the
// gate agent.
func (h *Hub) Publish(_ context.Context, topic, key string, payload any) error {
	msg, err := NewMessage(topic, key, payload)
	if err != nil {
		return err
	}
	h.Deliver(msg)
	return nil
}

func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func (h *Hub) remove(topic string, ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[topic]
	for i, c := range clients {
		if c == ch {
			h.clients[topic] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.clients[topic]) == 0 {
		delete(h.clients, topic)
	}
}
