package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hazyhaar/pointscan/backend"
)

// Status of the push channel.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Event types on the push channel.
const (
	EventNewScan        = "new-scan"
	EventCampaignUpdate = "campaign-update"
	EventRewardUpdate   = "reward-update"
)

// PushEvent is one message on the push channel.
type PushEvent struct {
	Type  string               `json:"type"`
	Store string               `json:"store"`
	Scan  backend.ActivityScan `json:"scan"`
}

// PushTransport subscribes to the store's websocket channel.
type PushTransport struct {
	URL    string
	Origin string
	Store  string
	Logger *slog.Logger
}

// Run dials the channel and delivers new-scan events to onScan until the
// connection drops or ctx is done. onStatus sees connected after the dial,
// failed if the dial fails, and disconnected when an open connection ends
// while ctx is still live.
func (p *PushTransport) Run(ctx context.Context, onScan func(Entry), onStatus func(Status)) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	target, err := p.endpoint()
	if err != nil {
		onStatus(StatusFailed)
		return err
	}
	origin := p.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(target, origin)
	if err != nil {
		onStatus(StatusFailed)
		return fmt.Errorf("realtime: push config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		onStatus(StatusFailed)
		return fmt.Errorf("realtime: push dial: %w", err)
	}
	onStatus(StatusConnected)
	logger.InfoContext(ctx, "realtime: push connected", "store", p.Store)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var ev PushEvent
		if err := websocket.JSON.Receive(conn, &ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			onStatus(StatusDisconnected)
			return fmt.Errorf("realtime: push receive: %w", err)
		}
		if ev.Type != EventNewScan {
			continue
		}
		if ev.Store != "" && ev.Store != p.Store {
			continue
		}
		onScan(EntryFromScan(ev.Scan, SourcePush))
	}
}

func (p *PushTransport) endpoint() (string, error) {
	if p.URL == "" {
		return "", errors.New("realtime: no push url")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("realtime: push url: %w", err)
	}
	q := u.Query()
	q.Set("store", p.Store)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RecentFetcher loads the latest activity of a store.
type RecentFetcher interface {
	Recent(ctx context.Context, req backend.RecentRequest) (*backend.RecentResponse, error)
}

// Visibility reports whether the feed is on screen.
type Visibility interface {
	Visible() bool
}

// VisibilityFlag is a settable Visibility, visible by default.
type VisibilityFlag struct {
	hidden atomic.Bool
}

// Visible implements Visibility.
func (v *VisibilityFlag) Visible() bool { return !v.hidden.Load() }

// Set records whether the feed is visible.
func (v *VisibilityFlag) Set(visible bool) { v.hidden.Store(!visible) }

// PollTransport fetches recent activity at a fixed interval.
type PollTransport struct {
	Fetcher    RecentFetcher
	Store      string
	Interval   time.Duration
	Limit      int
	Visibility Visibility
	Logger     *slog.Logger
}

// Run polls until ctx is done, skipping ticks while the feed is hidden.
// Each batch is delivered newest first.
func (p *PollTransport) Run(ctx context.Context, onBatch func([]Entry)) {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if p.Visibility != nil && !p.Visibility.Visible() {
			continue
		}
		entries, err := fetch(ctx, p.Fetcher, p.Store, p.Limit, SourcePoll)
		if err != nil {
			if ctx.Err() == nil {
				logger.WarnContext(ctx, "realtime: poll failed", "store", p.Store, "error", err)
			}
			continue
		}
		onBatch(entries)
	}
}

func fetch(ctx context.Context, f RecentFetcher, store string, limit int, src Source) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultCap
	}
	resp, err := f.Recent(ctx, backend.RecentRequest{StoreContext: store, Limit: limit})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	out := make([]Entry, 0, len(resp.Scans))
	for _, s := range resp.Scans {
		out = append(out, EntryFromScan(s, src))
	}
	return out, nil
}
