package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Message is one event delivered to topic subscribers.
type Message struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	SenderID    int64           `json:"senderId,omitempty"`
	MemberID    int64           `json:"memberId,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	SentAt      time.Time       `json:"sentAt"`
}

// RoomTopic is the topic chat rooms publish to.
func RoomTopic(orgID, roomID int64) string {
	return fmt.Sprintf("/sub/orgs/%d/rooms/%d", orgID, roomID)
}

// NotificationTopic is the per-user notification topic. Notification
// producers live outside this module and deliver through Hub.Publish.
func NotificationTopic(userID int64) string {
	return fmt.Sprintf("/sub/users/%d/notifications", userID)
}

// Hub fans out messages to the subscribers of each topic (WebSocket and
// SSE clients).
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[int]chan Message
	next   int
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[int]chan Message)}
}

// Subscribe registers a subscriber for topic and returns a channel which
// receives its messages. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, topic string) <-chan Message {
	ch := make(chan Message, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[int]chan Message)
		h.topics[topic] = subs
	}
	subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers msg to every subscriber of topic and reports how many
// received it. Slow subscribers miss the message instead of blocking.
func (h *Hub) Publish(topic string, msg Message) int {
	if msg.Destination == "" {
		msg.Destination = topic
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.topics[topic] {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers reports the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
