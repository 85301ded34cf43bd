package trace

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/pointscan/kit"
	"github.com/hazyhaar/pointscan/stationdb"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { SetLogger(nil) })
	return &buf
}

func TestDriver_LogsStatements(t *testing.T) {
	buf := capture(t)
	db := stationdb.OpenMemory(t, stationdb.WithDriver(DriverName))

	ctx := kit.WithRequestID(context.Background(), "req_1")
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "CREATE TABLE t (id INTEGER)") || !strings.Contains(out, "SELECT COUNT(*) FROM t") {
		t.Fatalf("statements not logged:\n%s", out)
	}
	if !strings.Contains(out, "request_id=req_1") {
		t.Fatalf("request id missing:\n%s", out)
	}
	if strings.Contains(out, "PRAGMA journal_mode") {
		t.Fatal("fast pragmas must not be logged")
	}
}

func TestDriver_LogsErrors(t *testing.T) {
	buf := capture(t)
	db := stationdb.OpenMemory(t, stationdb.WithDriver(DriverName))
	if _, err := db.Exec("INSERT INTO missing VALUES (1)"); err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Fatalf("error not logged at Error:\n%s", buf.String())
	}
}

func TestCompact(t *testing.T) {
	if got := compact("SELECT a,\n\t b\n FROM t"); got != "SELECT a, b FROM t" {
		t.Fatalf("compact: %q", got)
	}
}
