package observability

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/pointscan/idgen"
)

// ParseLevel maps "debug", "warn", "error" to their slog level; anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger. format "text" selects the text
// handler, anything else JSON.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Event is one entry of the station journal: a scan outcome, a lifecycle
// transition, a sync cycle.
type Event struct {
	Kind    string // "scan", "lifecycle", "sync", "authorize"
	Station string
	Store   string
	State   string
	Code    string
	ScanID  string
	Detail  string
	Success bool
}

// EventLogger writes Events to the station_events table.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the generator used for event ids.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger returns a journal writer on db.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records e. Errors are logged and swallowed: a broken journal
// never blocks scanning.
func (l *EventLogger) LogEvent(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO station_events (
			event_id, kind, station_id, store_context, state, code, scan_id,
			detail, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), e.Kind, e.Station, e.Store, e.State, e.Code, e.ScanID,
		e.Detail, e.Success, l.now().UnixMilli())
	if err != nil {
		slog.Error("station event log failed", "error", err, "kind", e.Kind)
	}
}

// Recent returns the newest events, newest first.
func (l *EventLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT kind, station_id, store_context, state, code, scan_id, detail, success
		FROM station_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Kind, &e.Station, &e.Store, &e.State, &e.Code, &e.ScanID, &e.Detail, &e.Success); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionConfig is per-table retention in days. Zero disables cleanup
// for that table.
type RetentionConfig struct {
	MetricsDays    int
	EventsDays     int
	HeartbeatsDays int
}

// Cleanup deletes rows older than the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig, now time.Time) error {
	targets := []struct {
		query string
		days  int
		unit  time.Duration
	}{
		{"DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricsDays, time.Second},
		{"DELETE FROM station_events WHERE created_at < ?", cfg.EventsDays, time.Millisecond},
		{"DELETE FROM station_heartbeats WHERE timestamp < ?", cfg.HeartbeatsDays, time.Second},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days)
		var arg int64
		if t.unit == time.Millisecond {
			arg = cutoff.UnixMilli()
		} else {
			arg = cutoff.Unix()
		}
		if _, err := db.ExecContext(ctx, t.query, arg); err != nil {
			return fmt.Errorf("observability: cleanup: %w", err)
		}
	}
	return nil
}
