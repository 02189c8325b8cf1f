package p2p

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the network layer.
const (
	EventPeerConnected    = "peer_connected"
	EventPeerDisconnected = "peer_disconnected"
	EventBanAdded         = "ban_added"
	EventBanRemoved       = "ban_removed"
	EventBansCleared      = "bans_cleared"
)

// Event is one observable network state change, shaped for direct JSON
// delivery to stream subscribers.
type Event struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	Addr      string    `json:"addr,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Subnet    string    `json:"subnet,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// EventFeed fans network events out to stream subscribers. Slow
// subscribers lose events rather than stalling publishers.
type EventFeed struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

func NewEventFeed() *EventFeed {
	return &EventFeed{subs: make(map[string]chan Event)}
}

// Subscribe registers a buffered subscription. The cancel function
// releases it and closes the channel.
func (f *EventFeed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := uuid.NewString()

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if existing, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(existing)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers reports the number of active subscriptions.
func (f *EventFeed) Subscribers() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Publish delivers the event to every subscriber without blocking.
func (f *EventFeed) Publish(evt Event) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
