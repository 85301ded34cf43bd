package watch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/pointscan/stationdb"

	_ "modernc.org/sqlite"
)

func setUserVersion(t *testing.T, db *sql.DB, v int) {
	t.Helper()
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		t.Fatal(err)
	}
}

func TestPragmaUserVersion(t *testing.T) {
	db := stationdb.OpenMemory(t)
	ctx := context.Background()

	v, err := PragmaUserVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
	setUserVersion(t, db, 42)
	if v, _ = PragmaUserVersion(ctx, db); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestSum(t *testing.T) {
	db := stationdb.OpenMemory(t)
	ctx := context.Background()
	setUserVersion(t, db, 5)

	det := Sum(PragmaUserVersion, PragmaUserVersion)
	v, err := det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Fatalf("expected 10, got %d", v)
	}

	failing := func(context.Context, *sql.DB) (int64, error) { return 0, errors.New("boom") }
	if _, err := Sum(PragmaUserVersion, failing)(ctx, db); err == nil {
		t.Fatal("expected error from failing detector")
	}
}

func TestOnChange_FiresOnVersionChange(t *testing.T) {
	db := stationdb.OpenMemory(t)
	var reloads atomic.Int32
	w := New(db, Options{Interval: 20 * time.Millisecond, Detector: PragmaUserVersion})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	setUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload, got %d", got)
	}

	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("no change should not reload, got %d", got)
	}
	if w.Version() != 1 {
		t.Fatalf("version: got %d", w.Version())
	}
}

func TestOnChange_Debounce(t *testing.T) {
	db := stationdb.OpenMemory(t)
	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 10 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: PragmaUserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	for i := 1; i <= 4; i++ {
		setUserVersion(t, db, i)
		time.Sleep(25 * time.Millisecond)
	}
	if got := reloads.Load(); got != 0 {
		t.Fatalf("burst should still be debouncing, got %d reloads", got)
	}

	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload after debounce, got %d", got)
	}
	if w.Version() != 4 {
		t.Fatalf("version: got %d, want 4", w.Version())
	}
}

func TestOnChange_FailedActionIsRetried(t *testing.T) {
	db := stationdb.OpenMemory(t)
	var calls atomic.Int32
	w := New(db, Options{Interval: 20 * time.Millisecond, Detector: PragmaUserVersion})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	time.Sleep(40 * time.Millisecond)
	setUserVersion(t, db, 7)
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected a failed call then a retry, got %d calls", got)
	}
	if w.Version() != 7 {
		t.Fatalf("version after retry: got %d", w.Version())
	}
	s := w.Stats()
	if s.Errors != 1 || s.Reloads != 1 {
		t.Fatalf("stats: %+v", s)
	}
}
