package backend

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor tracks whether the backend is reachable. It probes a health URL
// on an interval and also learns from real traffic (see Reachability).
// Every offline to online transition is signalled on Reconnected, which
// the offline queue listens to; every transition either way is signalled
// on Changed.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	since     time.Time
	listeners []chan struct{}
	watchers  []chan struct{}

	healthURL string
	client    *http.Client
	logger    *slog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithHealthURL sets the URL probed by Run. Without it Run only waits.
func WithHealthURL(u string) MonitorOption { return func(m *Monitor) { m.healthURL = u } }

// WithHealthClient sets the probe HTTP client.
func WithHealthClient(c *http.Client) MonitorOption { return func(m *Monitor) { m.client = c } }

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption { return func(m *Monitor) { m.logger = l } }

// NewMonitor returns a Monitor that starts optimistic (online).
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		online: true,
		since:  time.Now(),
		client: &http.Client{Timeout: 3 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Online reports the current reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since returns when the current reachability state began.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Reconnected returns a channel that receives a value on every offline to
// online transition. Slow listeners coalesce signals; none are blocked on.
func (m *Monitor) Reconnected() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

// Changed returns a channel that receives a value on every reachability
// transition, online or offline. Read Online for the new state. Signals
// coalesce like Reconnected.
func (m *Monitor) Changed() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch
}

// SetOnline records a reachability observation.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.since = time.Now()
	notify := append([]chan struct{}(nil), m.watchers...)
	if online {
		notify = append(notify, m.listeners...)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("backend reachable again")
	} else {
		m.logger.Warn("backend unreachable, station offline")
	}
	for _, ch := range notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Probe checks the health URL once. Any HTTP answer below 500 counts as
// reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.healthURL == "" {
		return m.Online()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		m.logger.Error("health probe request", "error", err)
		return m.Online()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			m.SetOnline(false)
		}
		return false
	}
	resp.Body.Close()
	ok := resp.StatusCode < 500
	m.SetOnline(ok)
	return ok
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if m.healthURL == "" {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
