// Package prefs persists the station's client-side preferences as plain
// key/value rows: whether the scanner should be running, the station
// position label and the distance filter. No schema versioning.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hazyhaar/pointscan/stationdb"
)

// Schema is the DDL of the preferences table.
const Schema = `
CREATE TABLE IF NOT EXISTS station_prefs (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

const (
	KeyShouldRun       = "should_run"
	KeyStationPosition = "station_position"
	KeyDistanceFilter  = "distance_filter"
)

// Snapshot is every preference at once, as the console shows them.
type Snapshot struct {
	ShouldRun       bool   `json:"should_run"`
	StationPosition string `json:"station_position"`
	DistanceFilterM int    `json:"distance_filter"`
}

// Store reads and writes preferences.
type Store struct {
	db *sql.DB
}

// New returns a Store on a database that has Schema applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the raw value of key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM station_prefs WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("prefs: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := stationdb.Exec(ctx, s.db, `
		INSERT INTO station_prefs (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("prefs: set %s: %w", key, err)
	}
	return nil
}

// ShouldRun reports the persisted "scanner should be running" intent.
// A missing or unreadable value means false.
func (s *Store) ShouldRun(ctx context.Context) bool {
	v, ok, err := s.Get(ctx, KeyShouldRun)
	if err != nil || !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// SetShouldRun persists the running intent.
func (s *Store) SetShouldRun(ctx context.Context, run bool) error {
	return s.Set(ctx, KeyShouldRun, strconv.FormatBool(run))
}

// StationPosition returns the position label ("" if unset).
func (s *Store) StationPosition(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, KeyStationPosition)
	return v, err
}

// SetStationPosition stores the position label.
func (s *Store) SetStationPosition(ctx context.Context, pos string) error {
	return s.Set(ctx, KeyStationPosition, pos)
}

// DistanceFilter returns the distance filter in metres (0 if unset).
func (s *Store) DistanceFilter(ctx context.Context) (int, error) {
	v, ok, err := s.Get(ctx, KeyDistanceFilter)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("prefs: distance_filter %q: %w", v, err)
	}
	return n, nil
}

// SetDistanceFilter stores the distance filter in metres.
func (s *Store) SetDistanceFilter(ctx context.Context, metres int) error {
	if metres < 0 {
		return fmt.Errorf("prefs: distance_filter must be >= 0, got %d", metres)
	}
	return s.Set(ctx, KeyDistanceFilter, strconv.Itoa(metres))
}

// Load returns every preference.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	snap.ShouldRun = s.ShouldRun(ctx)
	var err error
	if snap.StationPosition, err = s.StationPosition(ctx); err != nil {
		return snap, err
	}
	if snap.DistanceFilterM, err = s.DistanceFilter(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}
