// Package realtime keeps the station's activity feed: one deduplicated,
// capped list of scan results fed by optimistic local entries, the push
// channel, the poll fallback and the initial batch load.
package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/pointscan/backend"
)

// Source tells where an entry came from.
type Source string

const (
	SourceOptimistic Source = "optimistic"
	SourcePush       Source = "push"
	SourcePoll       Source = "poll"
	SourceBatch      Source = "batch"
)

// Entry is one scan result as shown in the feed. ScanID is the idempotency
// key: server-issued when known, else local-<actor>-<unix ms>.
type Entry struct {
	ScanID       string    `json:"scan_id"`
	Success      bool      `json:"success"`
	Points       int       `json:"points,omitempty"`
	CustomerName string    `json:"customer_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	ErrorClass   string    `json:"error_class,omitempty"`
	Code         string    `json:"code,omitempty"`
	Message      string    `json:"message,omitempty"`
	Source       Source    `json:"source"`
	At           time.Time `json:"at"`
}

// richness counts the display fields present.
func (e Entry) richness() int {
	n := 0
	if e.CustomerName != "" {
		n++
	}
	if e.AvatarURL != "" {
		n++
	}
	return n
}

// EntryFromScan converts a backend activity row.
func EntryFromScan(s backend.ActivityScan, src Source) Entry {
	at := time.Now()
	if s.ScannedAtMs > 0 {
		at = time.UnixMilli(s.ScannedAtMs)
	}
	return Entry{
		ScanID:       s.ScanID,
		Success:      s.Success,
		Points:       s.Points,
		CustomerName: s.CustomerName,
		AvatarURL:    s.CustomerAvatar,
		ErrorClass:   s.ErrorCode,
		Code:         s.Code,
		Message:      s.Message,
		Source:       src,
		At:           at,
	}
}

// Update is sent to subscribers for every change to the log.
type Update struct {
	Entry Entry `json:"entry"`
	// Replaced is true when an existing entry was superseded.
	Replaced bool `json:"replaced"`
}

// DefaultCap is the number of entries kept.
const DefaultCap = 50

// Log is the single dedupe point for every entry source. Safe for
// concurrent use.
type Log struct {
	cap    int
	policy *bluemonday.Policy

	mu      sync.Mutex
	entries []Entry // most recent first, except batch tail
	index   map[string]int
	subs    map[chan Update]struct{}
}

// NewLog returns a log keeping at most capacity entries (DefaultCap if <= 0).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Log{
		cap:    capacity,
		policy: bluemonday.StrictPolicy(),
		index:  make(map[string]int),
		subs:   make(map[chan Update]struct{}),
	}
}

// Merge adds e at the position its source implies: batch entries go to
// the tail, everything else to the head. It returns true when the log
// changed.
func (l *Log) Merge(e Entry) bool {
	if e.Source == SourceBatch {
		return l.insert(e, false)
	}
	return l.insert(e, true)
}

// Prepend adds a realtime or optimistic entry at the head.
func (l *Log) Prepend(e Entry) bool {
	return l.insert(e, true)
}

// AppendBatch appends entries at the tail in the given order and returns
// how many changed the log.
func (l *Log) AppendBatch(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if l.insert(e, false) {
			n++
		}
	}
	return n
}

func (l *Log) insert(e Entry, head bool) bool {
	if e.ScanID == "" {
		return false
	}
	e.CustomerName = l.sanitize(e.CustomerName)
	e.Message = l.sanitize(e.Message)
	if e.At.IsZero() {
		e.At = time.Now()
	}

	l.mu.Lock()
	var upd Update
	changed := false
	if i, ok := l.index[e.ScanID]; ok {
		if e.richness() >= l.entries[i].richness() {
			l.entries[i] = e
			upd = Update{Entry: e, Replaced: true}
			changed = true
		}
	} else if head {
		l.entries = append([]Entry{e}, l.entries...)
		l.trim()
		l.reindex()
		upd = Update{Entry: e}
		changed = true
	} else if len(l.entries) < l.cap {
		l.entries = append(l.entries, e)
		l.index[e.ScanID] = len(l.entries) - 1
		upd = Update{Entry: e}
		changed = true
	}
	if changed {
		for ch := range l.subs {
			select {
			case ch <- upd:
			default:
			}
		}
	}
	l.mu.Unlock()
	return changed
}

func (l *Log) trim() {
	if len(l.entries) > l.cap {
		l.entries = l.entries[:l.cap]
	}
}

func (l *Log) reindex() {
	clear(l.index)
	for i, e := range l.entries {
		l.index[e.ScanID] = i
	}
}

func (l *Log) sanitize(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimSpace(l.policy.Sanitize(s))
}

// Entries returns a copy of the log, head first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Has reports whether scanID is in the log.
func (l *Log) Has(scanID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.index[scanID]
	return ok
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel of updates and a cancel func. Updates are
// dropped for a subscriber that does not keep up.
func (l *Log) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}
