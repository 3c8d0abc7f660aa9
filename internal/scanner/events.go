package scanner

import (
	"sync"
	"time"

	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/rs/zerolog/log"
)

// EventType names a change notification.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventResult         EventType = "result"
	EventDuplicate      EventType = "duplicate"
	EventNotDetected    EventType = "not_detected"
	EventError          EventType = "error"
	EventPreviewCleared EventType = "preview_cleared"
)

// Event is published after every observable change of the controller.
type Event struct {
	Type    EventType           `json:"type"`
	Status  Status              `json:"status"`
	Result  *listing.ScanResult `json:"result,omitempty"`
	Message string              `json:"message,omitempty"`
	Manual  bool                `json:"manual"`
	At      time.Time           `json:"at"`
}

const subscriberBuffer = 32

// broadcaster fans events out to subscribers. A subscriber whose buffer is
// full is dropped and its channel closed.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, ch)
			close(ch)
			log.Warn().Str("event", string(ev.Type)).Msg("dropped slow event subscriber")
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
