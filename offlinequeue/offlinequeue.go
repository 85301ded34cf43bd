// Package offlinequeue keeps scans the backend could not accept right now
// and replays them in batches when connectivity returns.
//
// Rows are claimed with a visibility timeout before a batch is sent: a
// claimed row is invisible to other sync cycles until it is acknowledged
// (deleted) or released. A crashed cycle releases its rows implicitly when
// the claim expires.
//
// Schema:
//
//	CREATE TABLE offline_submissions (
//	    id               TEXT PRIMARY KEY,   -- <store>:<code>:<unix ms>
//	    store_context    TEXT NOT NULL,
//	    code             TEXT NOT NULL,
//	    queued_at_ms     INTEGER NOT NULL,
//	    claimed_until_ms INTEGER NOT NULL DEFAULT 0,
//	    attempts         INTEGER NOT NULL DEFAULT 0
//	);
//
// Acknowledged rows are deleted, so every stored row is unsynced.
package offlinequeue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pointscan/backend"
	"github.com/hazyhaar/pointscan/idgen"
	"github.com/hazyhaar/pointscan/observability"
	"github.com/hazyhaar/pointscan/stationdb"
)

// Schema is the DDL of the queue table.
const Schema = `
CREATE TABLE IF NOT EXISTS offline_submissions (
    id               TEXT PRIMARY KEY,
    store_context    TEXT NOT NULL,
    code             TEXT NOT NULL,
    queued_at_ms     INTEGER NOT NULL,
    claimed_until_ms INTEGER NOT NULL DEFAULT 0,
    attempts         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_offline_code ON offline_submissions (store_context, code, queued_at_ms);
`

var (
	// ErrDuplicate is returned by Save when the same code was queued for
	// the same store inside the dedupe window.
	ErrDuplicate = errors.New("offlinequeue: duplicate submission")
	// ErrSyncInFlight is returned by Sync while another Sync runs.
	ErrSyncInFlight = errors.New("offlinequeue: sync already in flight")
)

// Submission is a queued scan.
type Submission struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	StoreContext string    `json:"store_context"`
	QueuedAt     time.Time `json:"queued_at"`
	Attempts     int       `json:"attempts"`
}

// BulkSender replays a batch and returns the ids the backend committed.
type BulkSender interface {
	BulkSync(ctx context.Context, req backend.BulkRequest) (*backend.BulkResponse, error)
}

// SyncResult summarises one sync cycle.
type SyncResult struct {
	Sent      int `json:"sent"`
	Committed int `json:"committed"`
	Remaining int `json:"remaining"`
}

// Options configures a Queue.
type Options struct {
	Store   string
	Station string
	// DedupeWindow rejects a repeated (code, store) inside it. Default 2m.
	DedupeWindow time.Duration
	// ClaimTimeout is how long a sync cycle owns its rows. Default 30s.
	ClaimTimeout time.Duration
	// BatchSize caps the rows per bulk request; Sync sends as many batches
	// as needed. Default 200.
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
	Recorder  observability.Recorder
}

func (o *Options) defaults() {
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 2 * time.Minute
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the only writer of offline_submissions.
type Queue struct {
	db       *sql.DB
	sender   BulkSender
	opts     Options
	inFlight atomic.Bool
}

// New returns a Queue on a database that has Schema applied.
func New(db *sql.DB, sender BulkSender, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, sender: sender, opts: opts}
}

// Save queues code for the configured store. A repeat of the same code
// queued less than DedupeWindow ago returns ErrDuplicate and stores nothing.
func (q *Queue) Save(ctx context.Context, code string) (*Submission, error) {
	now := q.opts.Now()
	sub := &Submission{
		ID:           idgen.QueueID(q.opts.Store, code, now),
		Code:         code,
		StoreContext: q.opts.Store,
		QueuedAt:     now,
	}
	err := stationdb.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM offline_submissions
			WHERE store_context = ? AND code = ? AND queued_at_ms > ?`,
			q.opts.Store, code, now.Add(-q.opts.DedupeWindow).UnixMilli()).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offline_submissions (id, store_context, code, queued_at_ms)
			VALUES (?,?,?,?)`,
			sub.ID, sub.StoreContext, sub.Code, now.UnixMilli())
		return err
	})
	if errors.Is(err, ErrDuplicate) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: save: %w", err)
	}
	q.opts.Logger.InfoContext(ctx, "offline: scan queued", "id", sub.ID, "code", code, "store", q.opts.Store)
	return sub, nil
}

// Sync sends every unclaimed row of the store to the bulk endpoint, in
// consecutive batches of at most BatchSize, deletes the acknowledged ids and
// releases the rest. Rows the backend did not acknowledge stay claimed until
// the cycle ends so a later batch does not resend them. The cycle stops at
// the first batch that fails or commits nothing; a transport failure
// releases that batch. Concurrent calls return ErrSyncInFlight.
func (q *Queue) Sync(ctx context.Context) (SyncResult, error) {
	if !q.inFlight.CompareAndSwap(false, true) {
		return SyncResult{}, ErrSyncInFlight
	}
	defer q.inFlight.Store(false)

	var (
		total SyncResult
		held  []string
	)
	defer func() {
		if len(held) == 0 {
			return
		}
		if err := q.release(context.WithoutCancel(ctx), held); err != nil {
			q.opts.Logger.ErrorContext(ctx, "offline: release unacknowledged rows", "error", err)
		}
	}()

	for {
		b, rest, err := q.syncBatch(ctx)
		total.Sent += b.Sent
		total.Committed += b.Committed
		total.Remaining += b.Remaining
		held = append(held, rest...)
		if err != nil {
			return total, err
		}
		if b.Sent < q.opts.BatchSize || b.Committed == 0 || ctx.Err() != nil {
			break
		}
	}

	if total.Sent > 0 {
		q.opts.Logger.InfoContext(ctx, "offline: sync done", "sent", total.Sent, "committed", total.Committed, "remaining", total.Remaining)
	}
	return total, nil
}

// syncBatch claims and sends one batch. It returns the ids that were sent
// but not acknowledged; they are still claimed.
func (q *Queue) syncBatch(ctx context.Context) (SyncResult, []string, error) {
	claimed, err := q.claim(ctx)
	if err != nil {
		return SyncResult{}, nil, err
	}
	if len(claimed) == 0 {
		return SyncResult{}, nil, nil
	}

	req := backend.BulkRequest{
		StoreContext:    q.opts.Store,
		StationIdentity: q.opts.Station,
		Submissions:     make([]backend.BulkSubmission, len(claimed)),
	}
	sent := make(map[string]bool, len(claimed))
	ids := make([]string, len(claimed))
	for i, s := range claimed {
		req.Submissions[i] = backend.BulkSubmission{ID: s.ID, Code: s.Code, QueuedAtMs: s.QueuedAt.UnixMilli()}
		sent[s.ID] = true
		ids[i] = s.ID
	}

	resp, err := q.sender.BulkSync(ctx, req)
	if err != nil {
		if rerr := q.release(context.WithoutCancel(ctx), ids); rerr != nil {
			q.opts.Logger.ErrorContext(ctx, "offline: release after failed sync", "error", rerr)
		}
		return SyncResult{Sent: len(claimed), Remaining: len(claimed)}, nil, fmt.Errorf("offlinequeue: bulk sync: %w", err)
	}

	var acked []string
	if resp != nil {
		for _, id := range resp.Committed {
			if !sent[id] {
				q.opts.Logger.DebugContext(ctx, "offline: ignoring ack for id not in batch", "id", id)
				continue
			}
			acked = append(acked, id)
			delete(sent, id)
		}
	}
	rest := make([]string, 0, len(sent))
	for _, id := range ids {
		if sent[id] {
			rest = append(rest, id)
		}
	}

	// The backend has committed; record it even if ctx was cancelled meanwhile.
	bg := context.WithoutCancel(ctx)
	err = stationdb.RunTx(bg, q.db, func(tx *sql.Tx) error {
		for _, id := range acked {
			if _, err := tx.ExecContext(bg, `DELETE FROM offline_submissions WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SyncResult{Sent: len(claimed), Remaining: len(claimed)}, ids, fmt.Errorf("offlinequeue: apply acks: %w", err)
	}

	res := SyncResult{Sent: len(claimed), Committed: len(acked), Remaining: len(rest)}
	q.opts.Logger.DebugContext(ctx, "offline: batch acknowledged", "sent", res.Sent, "committed", res.Committed)
	observability.Record(q.opts.Recorder, observability.MetricSyncCommitted, float64(res.Committed), "count",
		map[string]string{"store": q.opts.Store})
	return res, rest, nil
}

// claim marks up to BatchSize visible rows as owned by this cycle.
func (q *Queue) claim(ctx context.Context) ([]Submission, error) {
	now := q.opts.Now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE offline_submissions
		SET claimed_until_ms = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM offline_submissions
			WHERE store_context = ? AND claimed_until_ms <= ?
			ORDER BY queued_at_ms ASC
			LIMIT ?
		)
		RETURNING id, store_context, code, queued_at_ms, attempts`,
		now.Add(q.opts.ClaimTimeout).UnixMilli(), q.opts.Store, now.UnixMilli(), q.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: claim: %w", err)
	}
	defer rows.Close()
	subs, err := scanSubmissions(rows)
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: claim: %w", err)
	}
	return subs, nil
}

func (q *Queue) release(ctx context.Context, ids []string) error {
	return stationdb.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE offline_submissions SET claimed_until_ms = 0 WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending returns the store's queued rows, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Submission, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, store_context, code, queued_at_ms, attempts
		FROM offline_submissions WHERE store_context = ?
		ORDER BY queued_at_ms ASC`, q.opts.Store)
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: pending: %w", err)
	}
	defer rows.Close()
	return scanSubmissions(rows)
}

// Len returns the number of queued rows for the store.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_submissions WHERE store_context = ?`, q.opts.Store).Scan(&n)
	return n, err
}

// Purge deletes every queued row for the store.
func (q *Queue) Purge(ctx context.Context) error {
	_, err := stationdb.Exec(ctx, q.db, `DELETE FROM offline_submissions WHERE store_context = ?`, q.opts.Store)
	return err
}

// RunOpportunistic syncs once at startup and again on every value received
// from online, until ctx is done.
func (q *Queue) RunOpportunistic(ctx context.Context, online <-chan struct{}) {
	q.syncLogged(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-online:
			if !ok {
				return
			}
			q.syncLogged(ctx, "reconnect")
		}
	}
}

func (q *Queue) syncLogged(ctx context.Context, trigger string) {
	_, err := q.Sync(ctx)
	switch {
	case err == nil, errors.Is(err, ErrSyncInFlight):
	case ctx.Err() != nil:
	default:
		q.opts.Logger.WarnContext(ctx, "offline: sync failed", "trigger", trigger, "error", err)
	}
}

func scanSubmissions(rows *sql.Rows) ([]Submission, error) {
	var out []Submission
	for rows.Next() {
		var s Submission
		var at int64
		if err := rows.Scan(&s.ID, &s.StoreContext, &s.Code, &at, &s.Attempts); err != nil {
			return nil, err
		}
		s.QueuedAt = time.UnixMilli(at)
		out = append(out, s)
	}
	return out, rows.Err()
}
