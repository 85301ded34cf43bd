// Package trace registers a "sqlite-trace" database/sql driver that wraps
// modernc.org/sqlite and logs every statement through slog. Open the
// station database with stationdb.WithDriver(trace.DriverName) to turn it
// on; nothing else changes.
//
// Levels: Debug for ordinary statements, Warn above SlowThreshold, Error on
// failure. Fast successful PRAGMAs (the route watcher polls data_version)
// are not logged. The request id from kit is attached when present.
package trace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/hazyhaar/pointscan/kit"
)

// DriverName is the name the tracing driver is registered under.
const DriverName = "sqlite-trace"

// SlowThreshold is the duration above which a statement logs at Warn.
var SlowThreshold = 100 * time.Millisecond

var logger atomic.Pointer[slog.Logger]

// SetLogger sets the logger used for statements. Default: slog.Default().
func SetLogger(l *slog.Logger) { logger.Store(l) }

func getLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func init() {
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}

// Driver wraps another driver and traces its statements.
type Driver struct {
	driver.Driver
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c}, nil
}

type conn struct {
	driver.Conn
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	st, err := c.Conn.Prepare(query)
	if err != nil {
		record(context.Background(), "Prepare", query, 0, err)
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	pc, ok := c.Conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	st, err := pc.PrepareContext(ctx, query)
	if err != nil {
		record(ctx, "Prepare", query, 0, err)
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.Conn.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args)) //nolint:staticcheck
	}
	record(ctx, "Exec", s.query, time.Since(start), err)
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args)) //nolint:staticcheck
	}
	record(ctx, "Query", s.query, time.Since(start), err)
	return rows, err
}

func record(ctx context.Context, op, query string, d time.Duration, err error) {
	if err == nil && d < 10*time.Millisecond && strings.HasPrefix(strings.TrimSpace(query), "PRAGMA ") {
		return
	}
	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > SlowThreshold:
		level = slog.LevelWarn
	}
	l := getLogger()
	if !l.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", compact(query)),
		slog.Duration("duration", d),
	}
	if id := kit.GetRequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.LogAttrs(ctx, level, "sql", attrs...)
}

// compact folds the whitespace of multi-line DDL and queries.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
