package decode

import (
	"image"
	"sync"
)

// Mailbox is a single-slot latest-frame buffer: Put overwrites an
// unconsumed frame (counted as a drop), Take empties the slot.
type Mailbox struct {
	mu        sync.Mutex
	frame     image.Image
	closed    bool
	published uint64
	dropped   uint64
}

// Put stores img, replacing any unconsumed frame. No-op after Close.
func (m *Mailbox) Put(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.frame != nil {
		m.dropped++
	}
	m.frame = img
	m.published++
}

// Take returns the latest unconsumed frame, or nil.
func (m *Mailbox) Take() image.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.frame
	m.frame = nil
	return f
}

// Close discards the slot and rejects further frames.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.frame = nil
	m.mu.Unlock()
}

// Stats returns the number of frames published and dropped unconsumed.
func (m *Mailbox) Stats() (published, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.dropped
}
