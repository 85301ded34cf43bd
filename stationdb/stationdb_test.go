package stationdb_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pointscan/stationdb"
)

func TestOpenMemory_Pragmas(t *testing.T) {
	db := stationdb.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busy int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if busy != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", busy)
	}
}

func TestOpen_AppliesSchemas(t *testing.T) {
	db := stationdb.OpenMemory(t,
		stationdb.WithSchema(`CREATE TABLE a (id INTEGER PRIMARY KEY)`),
		stationdb.WithSchema(`CREATE TABLE b (id INTEGER PRIMARY KEY)`),
	)
	for _, table := range []string{"a", "b"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_BadSchemaFails(t *testing.T) {
	_, err := stationdb.Open(":memory:", stationdb.WithSchema("NOT SQL"))
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestOpen_MkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "station.db")
	db, err := stationdb.Open(path, stationdb.WithMkdirAll())
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
}

func TestRunTx_RollbackOnError(t *testing.T) {
	db := stationdb.OpenMemory(t, stationdb.WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY)`))
	ctx := context.Background()
	boom := errors.New("boom")

	err := stationdb.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows = %d, want 0 after rollback", n)
	}
}

func TestIsBusy(t *testing.T) {
	if stationdb.IsBusy(nil) {
		t.Fatal("nil is not busy")
	}
	if !stationdb.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("expected busy")
	}
	if stationdb.IsBusy(errors.New("no such table")) {
		t.Fatal("expected not busy")
	}
}
