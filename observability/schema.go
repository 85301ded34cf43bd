package observability

// Schema holds the DDL for the station's metrics, event journal and
// heartbeats. It lives in the station database next to the offline queue.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS station_events (
    event_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    station_id TEXT NOT NULL DEFAULT '',
    store_context TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT '',
    code TEXT NOT NULL DEFAULT '',
    scan_id TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_station_events_time ON station_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_station_events_kind ON station_events(kind, created_at DESC);

CREATE TABLE IF NOT EXISTS station_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    station_id TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT '',
    queue_len INTEGER NOT NULL DEFAULT 0,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    gc_count INTEGER,
    timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_station_heartbeats_time
    ON station_heartbeats(station_id, timestamp DESC);
`
