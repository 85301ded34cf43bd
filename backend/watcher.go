package backend

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/pointscan/watch"
)

// Watch loads the routes table, then reloads it whenever the station
// database changes. data_version catches writes from other processes;
// user_version catches SetRoute/DeleteRoute through this process's pool.
// Watch blocks until ctx is done.
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("backend: initial route load failed", "error", err)
	}
	w := watch.New(db, watch.Options{
		Interval: interval,
		Detector: watch.Sum(watch.PragmaDataVersion, watch.PragmaUserVersion),
		Logger:   r.logger,
	})
	w.OnChange(ctx, func(ctx context.Context) error { return r.Reload(ctx, db) })
}
