package console

import (
	"sync"
	"time"

	"github.com/hazyhaar/pointscan/scanner"
)

// Message is one frame of the /ws stream.
type Message struct {
	Type         string            `json:"type"` // "state", "scan", "notification"
	State        *scanner.Snapshot `json:"state,omitempty"`
	Scan         any               `json:"scan,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
}

// Notification is a transient operator message.
type Notification struct {
	Message  string           `json:"message"`
	Severity scanner.Severity `json:"severity"`
	At       time.Time        `json:"at"`
}

// Hub fans notifications out to the connected consoles. It implements
// scanner.Notifier and never blocks: a slow client misses messages.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Message]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Message]struct{})}
}

// Notify implements scanner.Notifier.
func (h *Hub) Notify(msg string, severity scanner.Severity) {
	h.Publish(Message{Type: "notification", Notification: &Notification{Message: msg, Severity: severity, At: time.Now()}})
}

// Publish sends m to every subscriber that has room.
func (h *Hub) Publish(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// Subscribe returns a message channel and its cancel func.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}
