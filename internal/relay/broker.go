package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabwarden/internal/tabs"
	"github.com/google/uuid"
)

const subscriberBufSize = 256

// Feed names used by the daemon.
const (
	FeedAdmission = "admission"
	FeedAgent     = "agent"
	FeedSettings  = "settings"
)

// Event is a single message fanned out to stream subscribers.
type Event struct {
	ID      string    `json:"id"`
	Feed    string    `json:"feed"`
	At      time.Time `json:"at"`
	Payload string    `json:"payload"`
}

// NewEvent encodes data as the JSON payload of a new event on feed.
func NewEvent(feed string, data any) Event {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Debug("relay event encode failed", "feed", feed, "error", err)
		payload = []byte("null")
	}
	return Event{
		ID:      uuid.NewString(),
		Feed:    feed,
		At:      time.Now().UTC(),
		Payload: string(payload),
	}
}

// Broker fans out events to all subscribed stream clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers will have
// events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Activity kinds published on the admission and agent feeds.
const (
	KindTabRemoved      = "tab_removed"
	KindLimitChanged    = "limit_changed"
	KindNotified        = "notified"
	KindChallengePassed = "challenge_passed"
)

// Activity is the payload of admission and agent events.
type Activity struct {
	Kind      string        `json:"kind"`
	TabID     tabs.ID       `json:"tab_id,omitempty"`
	WindowID  tabs.WindowID `json:"window_id,omitempty"`
	URL       string        `json:"url,omitempty"`
	Limit     int           `json:"limit,omitempty"`
	Count     int           `json:"count,omitempty"`
	Strategy  string        `json:"strategy,omitempty"`
	ElapsedMS int64         `json:"elapsed_ms,omitempty"`
}
