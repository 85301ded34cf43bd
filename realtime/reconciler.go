package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mode is the active update channel.
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Reconciler merges server truth into the Log: one batch load, then push,
// then poll for the rest of the run once push is lost.
type Reconciler struct {
	log          *Log
	store        string
	fetcher      RecentFetcher
	push         *PushTransport
	poll         *PollTransport
	initialLimit int
	logger       *slog.Logger

	mu     sync.Mutex
	mode   Mode
	status Status
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithPush enables the push channel. Without it the reconciler polls.
func WithPush(p *PushTransport) ReconcilerOption { return func(r *Reconciler) { r.push = p } }

// WithInitialLimit sets the size of the initial batch load.
func WithInitialLimit(n int) ReconcilerOption { return func(r *Reconciler) { r.initialLimit = n } }

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler feeds log with the activity of store: a batch load from
// fetcher, then push (if configured), then poll.
func NewReconciler(log *Log, store string, fetcher RecentFetcher, poll *PollTransport, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		log:          log,
		store:        store,
		fetcher:      fetcher,
		poll:         poll,
		initialLimit: DefaultCap,
		logger:       slog.Default(),
		mode:         ModePoll,
	}
	for _, o := range opts {
		o(r)
	}
	if r.push != nil {
		r.mode = ModePush
	}
	return r
}

// Mode reports the active channel.
func (r *Reconciler) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// PushStatus reports the last push status ("" before the first dial).
func (r *Reconciler) PushStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run blocks until ctx is done. There is no automatic upgrade back to push
// within a run.
func (r *Reconciler) Run(ctx context.Context) {
	r.loadBatch(ctx)

	if r.push != nil {
		r.setMode(ModePush)
		start := time.Now()
		err := r.push.Run(ctx, func(e Entry) { r.log.Prepend(e) }, r.setStatus)
		if ctx.Err() != nil {
			return
		}
		r.logger.WarnContext(ctx, "realtime: push lost, switching to poll",
			"status", r.PushStatus(), "after", time.Since(start), "error", err)
	}

	r.setMode(ModePoll)
	if r.poll == nil {
		<-ctx.Done()
		return
	}
	r.poll.Run(ctx, func(entries []Entry) {
		// Newest first on the wire: prepend oldest first to keep order.
		for i := len(entries) - 1; i >= 0; i-- {
			r.log.Prepend(entries[i])
		}
	})
}

func (r *Reconciler) loadBatch(ctx context.Context) {
	if r.fetcher == nil {
		return
	}
	entries, err := fetch(ctx, r.fetcher, r.store, r.initialLimit, SourceBatch)
	if err != nil {
		r.logger.WarnContext(ctx, "realtime: initial load failed", "store", r.store, "error", err)
		return
	}
	n := r.log.AppendBatch(entries)
	r.logger.DebugContext(ctx, "realtime: initial load", "store", r.store, "entries", n)
}

func (r *Reconciler) setMode(m Mode) {
	r.mu.Lock()
	r.mode = m
	r.mu.Unlock()
}

func (r *Reconciler) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}
