// Command pointscan runs a loyalty scan station: camera or managed scanner
// input, submission to the backend with an offline queue, the realtime
// activity feed and the local operator console.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pointscan/authz"
	"github.com/hazyhaar/pointscan/backend"
	"github.com/hazyhaar/pointscan/capability"
	"github.com/hazyhaar/pointscan/config"
	"github.com/hazyhaar/pointscan/console"
	"github.com/hazyhaar/pointscan/decode"
	"github.com/hazyhaar/pointscan/observability"
	"github.com/hazyhaar/pointscan/offlinequeue"
	"github.com/hazyhaar/pointscan/prefs"
	"github.com/hazyhaar/pointscan/realtime"
	"github.com/hazyhaar/pointscan/scanner"
	"github.com/hazyhaar/pointscan/stationdb"
	"github.com/hazyhaar/pointscan/submit"
	"github.com/hazyhaar/pointscan/trace"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig(env("POINTSCAN_CONFIG", ""))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format).
		With("station", cfg.StationID, "store", cfg.StoreContext)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dbOpts := []stationdb.Option{
		stationdb.WithMkdirAll(),
		stationdb.WithSchema(backend.Schema),
		stationdb.WithSchema(prefs.Schema),
		stationdb.WithSchema(offlinequeue.Schema),
		stationdb.WithSchema(observability.Schema),
	}
	if cfg.DBTrace {
		trace.SetLogger(logger)
		dbOpts = append(dbOpts, stationdb.WithDriver(trace.DriverName))
	}
	db, err := stationdb.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		slog.Error("station db", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer db.Close()

	// Observability.
	metrics := observability.NewMetricsManager(db, cfg.Metrics.BufferSize, cfg.Metrics.FlushInterval)
	defer metrics.Close()
	events := observability.NewEventLogger(db)
	go retention(ctx, db, cfg.Metrics.RetentionDays)

	// Backend: routes table, per-service middleware chain, reachability.
	monitor := backend.NewMonitor(
		backend.WithHealthURL(cfg.Backend.HealthURL),
		backend.WithMonitorLogger(logger),
	)
	go monitor.Run(ctx, cfg.Backend.HealthInterval)

	breakers := backend.NewBreakers(
		backend.WithBreakerThreshold(cfg.Backend.BreakerThreshold),
		backend.WithBreakerResetTimeout(cfg.Backend.BreakerReset),
	)
	router := backend.NewRouter(
		backend.WithLogger(logger),
		backend.WithChain(func(service string, raw json.RawMessage) backend.HandlerMiddleware {
			rc := backend.ParseRouteConfig(raw)
			return backend.Chain(
				backend.WithObservability(metrics, service),
				backend.Logging(logger, service),
				backend.Reachability(monitor),
				backend.WithRetry(rc.Retries(cfg.Backend.MaxRetries), rc.Backoff(cfg.Backend.RetryBackoff), logger),
				backend.WithCircuitBreaker(breakers.For(service), service),
				backend.Timeout(rc.Timeout(cfg.Backend.Timeout)),
				backend.Recovery(logger),
			)
		}),
	)
	router.RegisterTransport("http", backend.HTTPFactory(nil, func(r *http.Request) {
		r.Header.Set("X-Station-ID", cfg.StationID)
		r.Header.Set("User-Agent", "pointscan/"+version)
	}))
	defer router.Close()

	// A submission is never retried inside the chain: a timed-out submit
	// may have been committed, and the offline queue replays it safely.
	noRetry := 0
	err = backend.SeedRoutes(ctx, db, cfg.RouteEndpoints(), func(service string) backend.RouteConfig {
		if service == config.ServiceSubmit {
			return backend.RouteConfig{MaxRetries: &noRetry}
		}
		return backend.RouteConfig{}
	})
	if err != nil {
		slog.Error("seed routes", "error", err)
		os.Exit(1)
	}
	if err := router.Reload(ctx, db); err != nil {
		slog.Error("load routes", "error", err)
		os.Exit(1)
	}
	go router.Watch(ctx, db, cfg.Backend.ReloadInterval)
	client := backend.NewClient(router)

	// Preferences and authorization.
	prefStore := prefs.New(db)
	authOpts := []authz.Option{authz.WithLogger(logger)}
	var geo func() *backend.Geo
	if cfg.Geo.Known() {
		lat, lng := *cfg.Geo.Latitude, *cfg.Geo.Longitude
		authOpts = append(authOpts, authz.WithPosition(authz.StaticPosition(lat, lng)))
		geo = func() *backend.Geo { return &backend.Geo{Lat: lat, Lng: lng} }
	}
	authorizer := authz.New(client, cfg.StationID, cfg.StoreContext, authOpts...)

	// Decode backends, in configured priority order.
	var backends []decode.Backend
	for _, name := range cfg.Decode.Backends {
		switch name {
		case "managed":
			backends = append(backends, decode.NewManagedBackend(cfg.Decode.ManagedDevice, nil, logger))
		case "frames":
			src := decode.NewV4L2Source(cfg.Decode.V4L2Device, logger)
			backends = append(backends, decode.NewFrameBackend(src,
				decode.WithSampleInterval(cfg.Decode.SampleInterval),
				decode.WithFrameLogger(logger),
				decode.WithFrameRecorder(metrics),
			))
		}
	}
	camera := decode.NewChain(logger, backends...)

	// Offline queue, replayed on every reconnection.
	queue := offlinequeue.New(db, client, offlinequeue.Options{
		Store:        cfg.StoreContext,
		Station:      cfg.StationID,
		DedupeWindow: cfg.Offline.DedupeWindow,
		ClaimTimeout: cfg.Offline.ClaimTimeout,
		Logger:       logger,
		Recorder:     metrics,
	})
	go queue.RunOpportunistic(ctx, monitor.Reconnected())

	// Realtime activity feed.
	feed := realtime.NewLog(cfg.Realtime.LogCap)
	visibility := &realtime.VisibilityFlag{}
	poll := &realtime.PollTransport{
		Fetcher:    client,
		Store:      cfg.StoreContext,
		Interval:   cfg.Realtime.PollInterval,
		Limit:      cfg.Realtime.InitialLimit,
		Visibility: visibility,
		Logger:     logger,
	}
	recOpts := []realtime.ReconcilerOption{
		realtime.WithInitialLimit(cfg.Realtime.InitialLimit),
		realtime.WithReconcilerLogger(logger),
	}
	if cfg.Realtime.PushURL != "" {
		recOpts = append(recOpts, realtime.WithPush(&realtime.PushTransport{
			URL:    cfg.Realtime.PushURL,
			Store:  cfg.StoreContext,
			Logger: logger,
		}))
	}
	reconciler := realtime.NewReconciler(feed, cfg.StoreContext, client, poll, recOpts...)
	go reconciler.Run(ctx)

	// Submission pipeline and scan state machine.
	pipeline := submit.New(client, submit.Options{
		Station:  cfg.StationID,
		Store:    cfg.StoreContext,
		Throttle: cfg.Submit.Throttle,
		Geo:      geo,
		Log:      feed,
		Queue:    queue,
		Recorder: metrics,
		Logger:   logger,
	})
	hub := console.NewHub()
	machine := scanner.New(
		scanner.Session{StationID: cfg.StationID, StoreContext: cfg.StoreContext},
		camera, pipeline,
		scanner.Options{
			PauseCountdown:  cfg.Scanner.PauseCountdown,
			WarningReturn:   cfg.Scanner.WarningReturn,
			RefocusInterval: cfg.Scanner.RefocusInterval,
			Constraints: decode.Constraints{
				FacingMode: "environment",
				Width:      cfg.Decode.Width,
				Height:     cfg.Decode.Height,
			},
			Authorizer:   authorizer,
			Prefs:        prefStore,
			Reachability: monitor,
			Notifier:     hub,
			Controller: capability.NewController(
				capability.WithLogger(logger),
				capability.WithSettle(cfg.Scanner.FocusSettle),
			),
			Events: events,
			Logger: logger,
		},
	)
	go machine.WatchReachability(ctx, monitor.Changed())

	heartbeat := observability.NewHeartbeat(db, cfg.StationID, cfg.Metrics.HeartbeatInterval,
		func(ctx context.Context) (string, int) {
			n, err := queue.Len(ctx)
			if err != nil {
				n = -1
			}
			return string(machine.Snapshot().State), n
		})
	go heartbeat.Run(ctx)

	// Operator console and MCP.
	con := console.New(console.Deps{
		Station:      cfg.StationID,
		Store:        cfg.StoreContext,
		Scanner:      machine,
		Queue:        queue,
		Feed:         feed,
		Visibility:   visibility,
		Reachability: monitor,
		Prefs:        prefStore,
		FeedMode:     reconciler,
		Hub:          hub,
		Logger:       logger,
	})
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "pointscan", Version: version}, nil)
	con.RegisterMCP(mcpSrv)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           con.Router(mcpSrv),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("console listening", "addr", cfg.Listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("console server", "error", err)
			cancel()
		}
	}()

	// Pick up where the previous process left off.
	go func() {
		if err := machine.Resume(ctx); err != nil {
			slog.Warn("scanner did not resume", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	machine.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("station stopped")
}

// retention prunes old metrics, events and heartbeats once at startup and
// then daily.
func retention(ctx context.Context, db *sql.DB, days int) {
	if days <= 0 {
		return
	}
	cfg := observability.RetentionConfig{MetricsDays: days, EventsDays: days, HeartbeatsDays: days}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := observability.Cleanup(ctx, db, cfg, time.Now()); err != nil && ctx.Err() == nil {
			slog.Error("retention cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
