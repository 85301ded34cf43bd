package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// StationStatus is sampled on every beat.
type StationStatus func(ctx context.Context) (state string, queueLen int)

// Heartbeat writes periodic liveness rows for an unattended station, so a
// leaking camera handle or a stuck queue shows up in the database.
type Heartbeat struct {
	db        *sql.DB
	stationID string
	hostname  string
	pid       int
	interval  time.Duration
	status    StationStatus
}

// NewHeartbeat returns a heartbeat writer. status may be nil.
func NewHeartbeat(db *sql.DB, stationID string, interval time.Duration, status StationStatus) *Heartbeat {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Heartbeat{
		db:        db,
		stationID: stationID,
		hostname:  hostname,
		pid:       os.Getpid(),
		interval:  interval,
		status:    status,
	}
}

// Beat writes one row.
func (h *Heartbeat) Beat(ctx context.Context) error {
	m := CollectRuntimeMetrics()
	var (
		state string
		qlen  int
	)
	if h.status != nil {
		state, qlen = h.status(ctx)
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO station_heartbeats (
			station_id, hostname, pid, state, queue_len,
			goroutines_count, memory_alloc_mb, gc_count, timestamp
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		h.stationID, h.hostname, h.pid, state, qlen,
		m.GoroutinesCount, m.MemoryAllocMB, m.GCCount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// Run beats immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			slog.Error("heartbeat write failed", "error", err, "station", h.stationID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
