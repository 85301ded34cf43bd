// Package watch runs "poll the station database, detect a change, debounce,
// act" loops. The backend router uses it to pick up route edits without a
// restart; edits may come from the console or from a fleet tool writing the
// SQLite file directly.
//
//	w := watch.New(db, watch.Options{Interval: time.Second, Detector: watch.Sum(watch.PragmaDataVersion, watch.PragmaUserVersion)})
//	go w.OnChange(ctx, func(ctx context.Context) error { return router.Reload(ctx, db) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two different values mean
// "something changed".
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling period. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires;
	// further changes restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a database and runs an action on change.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New returns a Watcher. Call OnChange to start it.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last version whose action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is done. When the detector reports a new
// version and the debounce window passes, action runs. A failed action
// does not advance the version, so it is retried on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce   *time.Timer
		debounceC  <-chan time.Time
		pending    int64
		hasPending bool
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() == nil {
					w.errors.Add(1)
					log.Warn("watch: version check failed", "error", err)
				}
				continue
			}
			switch {
			case hasPending && cur == pending:
				if debounceC == nil {
					// the last action failed: retry it
					w.fire(ctx, action, pending, &hasPending)
				}
				continue
			case !hasPending && cur == w.version.Load():
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending, &hasPending)
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if hasPending {
				w.fire(ctx, action, pending, &hasPending)
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, ver int64, hasPending *bool) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: action failed", "error", err, "version", ver)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	*hasPending = false
	w.opts.Logger.Debug("watch: action complete", "version", ver, "duration", time.Since(start))
}

// PragmaDataVersion changes when another connection writes the database
// file, including other processes.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// PragmaUserVersion reads the application-controlled user_version, which
// writers bump explicitly. It catches writes made through the same
// connection, which data_version does not.
func PragmaUserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// Sum combines monotonic detectors into one token.
func Sum(detectors ...ChangeDetector) ChangeDetector {
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var total int64
		for _, d := range detectors {
			v, err := d(ctx, db)
			if err != nil {
				return 0, err
			}
			total += v
		}
		return total, nil
	}
}
