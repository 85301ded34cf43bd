package prefs

import (
	"context"
	"testing"

	"github.com/hazyhaar/pointscan/stationdb"

	_ "modernc.org/sqlite"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(stationdb.OpenMemory(t, stationdb.WithSchema(Schema)))
}

func TestShouldRun_DefaultFalse(t *testing.T) {
	s := newStore(t)
	if s.ShouldRun(context.Background()) {
		t.Fatal("unset should_run must read as false")
	}
}

func TestShouldRun_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SetShouldRun(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !s.ShouldRun(ctx) {
		t.Fatal("expected true")
	}
	s.SetShouldRun(ctx, false)
	if s.ShouldRun(ctx) {
		t.Fatal("expected false after reset")
	}
}

func TestLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	s.SetStationPosition(ctx, "counter-2")
	s.SetDistanceFilter(ctx, 250)
	s.SetShouldRun(ctx, true)

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap != (Snapshot{ShouldRun: true, StationPosition: "counter-2", DistanceFilterM: 250}) {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestDistanceFilter_Invalid(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.SetDistanceFilter(ctx, -1); err == nil {
		t.Fatal("negative distance should be rejected")
	}
	s.Set(ctx, KeyDistanceFilter, "far")
	if _, err := s.DistanceFilter(ctx); err == nil {
		t.Fatal("garbage value should error")
	}
}
