package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/pointscan/config"
	"github.com/hazyhaar/pointscan/stationdb"

	_ "modernc.org/sqlite"
)

func setupRoutesDB(t *testing.T) *sql.DB {
	t.Helper()
	return stationdb.OpenMemory(t, stationdb.WithSchema(Schema))
}

func jsonServer(t *testing.T, status int, body any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type: got %q", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRouter_LocalAndNotFound(t *testing.T) {
	r := NewRouter()
	r.RegisterLocal("echo", func(_ context.Context, p []byte) ([]byte, error) { return p, nil })

	resp, err := r.Call(context.Background(), "echo", []byte(`{"a":1}`))
	if err != nil || string(resp) != `{"a":1}` {
		t.Fatalf("echo: %q %v", resp, err)
	}

	_, err = r.Call(context.Background(), "missing", nil)
	var snf *ErrServiceNotFound
	if !errors.As(err, &snf) || snf.Service != "missing" {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if !IsTransport(err) {
		t.Fatal("an unroutable service should be queued like a transport failure")
	}
}

func TestRouter_ReloadHTTPAndNoop(t *testing.T) {
	db := setupRoutesDB(t)
	ctx := context.Background()
	srv, hits := jsonServer(t, 200, SubmitResponse{Success: true, ScanID: "S1"})

	var chained atomic.Int32
	r := NewRouter(WithChain(func(service string, _ json.RawMessage) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				chained.Add(1)
				return next(ctx, p)
			}
		}
	}))
	r.RegisterTransport("http", HTTPFactory(srv.Client()))

	if err := SetRoute(ctx, db, RouteRow{Service: config.ServiceSubmit, Strategy: "http", Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}
	if err := SetRoute(ctx, db, RouteRow{Service: config.ServiceRecent, Strategy: "noop"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(ctx, config.ServiceSubmit, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	var sr SubmitResponse
	json.Unmarshal(resp, &sr)
	if sr.ScanID != "S1" || hits.Load() != 1 || chained.Load() != 1 {
		t.Fatalf("resp=%+v hits=%d chained=%d", sr, hits.Load(), chained.Load())
	}

	resp, err = r.Call(ctx, config.ServiceRecent, nil)
	if err != nil || resp != nil {
		t.Fatalf("noop: %q %v", resp, err)
	}

	if got := len(r.Services()); got != 2 {
		t.Fatalf("services: got %d", got)
	}
}

func TestRouter_UnchangedRouteKeepsHandler(t *testing.T) {
	db := setupRoutesDB(t)
	ctx := context.Background()

	var built, closed atomic.Int32
	r := NewRouter()
	r.RegisterTransport("http", func(service, endpoint string, _ json.RawMessage) (Handler, func(), error) {
		built.Add(1)
		return func(context.Context, []byte) ([]byte, error) { return []byte(endpoint), nil },
			func() { closed.Add(1) }, nil
	})

	SetRoute(ctx, db, RouteRow{Service: "svc", Strategy: "http", Endpoint: "http://a"})
	r.Reload(ctx, db)
	r.Reload(ctx, db)
	if built.Load() != 1 {
		t.Fatalf("unchanged route rebuilt: %d builds", built.Load())
	}

	SetRoute(ctx, db, RouteRow{Service: "svc", Strategy: "http", Endpoint: "http://b"})
	r.Reload(ctx, db)
	if built.Load() != 2 || closed.Load() != 1 {
		t.Fatalf("changed route: built=%d closed=%d", built.Load(), closed.Load())
	}
	resp, _ := r.Call(ctx, "svc", nil)
	if string(resp) != "http://b" {
		t.Fatalf("endpoint: got %q", resp)
	}

	DeleteRoute(ctx, db, "svc")
	r.Reload(ctx, db)
	if closed.Load() != 2 {
		t.Fatalf("removed route should close: %d", closed.Load())
	}
}

func TestRouter_WatchPicksUpSetRoute(t *testing.T) {
	db := setupRoutesDB(t)
	r := NewRouter()
	r.RegisterTransport("http", func(_, endpoint string, _ json.RawMessage) (Handler, func(), error) {
		return func(context.Context, []byte) ([]byte, error) { return []byte(endpoint), nil }, nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx, db, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if err := SetRoute(context.Background(), db, RouteRow{Service: "svc", Strategy: "http", Endpoint: "http://new"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if resp, err := r.Call(context.Background(), "svc", nil); err == nil && string(resp) == "http://new" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("route change not picked up by Watch")
}

func TestSeedRoutes_KeepsOperatorEdits(t *testing.T) {
	db := setupRoutesDB(t)
	ctx := context.Background()
	SetRoute(ctx, db, RouteRow{Service: config.ServiceBulk, Strategy: "noop"})

	err := SeedRoutes(ctx, db, map[string]string{
		config.ServiceSubmit: "http://x/api/scan",
		config.ServiceBulk:   "http://x/api/scan/bulk",
	}, func(svc string) RouteConfig {
		zero := 0
		return RouteConfig{TimeoutMs: 2000, MaxRetries: &zero}
	})
	if err != nil {
		t.Fatal(err)
	}
	routes, _ := ListRoutes(ctx, db)
	if len(routes) != 2 {
		t.Fatalf("routes: %d", len(routes))
	}
	for _, rt := range routes {
		switch rt.Service {
		case config.ServiceBulk:
			if rt.Strategy != "noop" {
				t.Fatalf("operator edit overwritten: %+v", rt)
			}
		case config.ServiceSubmit:
			rc := ParseRouteConfig(rt.Config)
			if rc.Timeout(0) != 2*time.Second || rc.Retries(3) != 0 {
				t.Fatalf("seeded config: %s", rt.Config)
			}
		}
	}
}

func TestParseRouteConfig_Defaults(t *testing.T) {
	rc := ParseRouteConfig(json.RawMessage(`not json`))
	if rc.Timeout(time.Second) != time.Second || rc.Retries(2) != 2 || rc.Backoff(time.Millisecond) != time.Millisecond {
		t.Fatalf("malformed config should yield defaults: %+v", rc)
	}
}

func TestHTTPFactory_StatusErrors(t *testing.T) {
	srv5, _ := jsonServer(t, 503, map[string]string{"error": "down"})
	h, _, err := HTTPFactory(srv5.Client())("scan.submit", srv5.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h(context.Background(), []byte(`{}`))
	var st *ErrStatus
	if !errors.As(err, &st) || st.StatusCode != 503 || !IsTransport(err) {
		t.Fatalf("503: %v", err)
	}

	srv4, _ := jsonServer(t, 409, SubmitResponse{Success: false, ErrorCode: "already_scanned_today"})
	h, _, _ = HTTPFactory(srv4.Client())("scan.submit", srv4.URL, nil)
	_, err = h(context.Background(), []byte(`{}`))
	if !errors.As(err, &st) || st.StatusCode != 409 || IsTransport(err) {
		t.Fatalf("409: %v", err)
	}

	if _, _, err := HTTPFactory(nil)("svc", "ftp://nope", nil); err == nil {
		t.Fatal("non-http endpoint should be rejected")
	}
}

func TestHTTPFactory_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h, _, _ := HTTPFactory(nil)("scan.submit", url, nil)
	_, err := h(context.Background(), nil)
	var te *ErrTransport
	if !errors.As(err, &te) || !IsTransport(err) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestClient_BusinessRejectionOn4xx(t *testing.T) {
	srv, _ := jsonServer(t, 409, SubmitResponse{Success: false, Message: "Already scanned today", ErrorCode: "already_scanned_today"})
	r := NewRouter()
	h, _, _ := HTTPFactory(srv.Client())(config.ServiceSubmit, srv.URL, nil)
	r.RegisterLocal(config.ServiceSubmit, h)

	resp, err := NewClient(r).Submit(context.Background(), SubmitRequest{Code: "ABC123"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.ErrorCode != "already_scanned_today" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestClient_MalformedBodyIsTransport(t *testing.T) {
	r := NewRouter()
	r.RegisterLocal(config.ServiceBulk, func(context.Context, []byte) ([]byte, error) { return []byte("<html>"), nil })
	_, err := NewClient(r).BulkSync(context.Background(), BulkRequest{})
	if !IsTransport(err) {
		t.Fatalf("expected transport-class error, got %v", err)
	}
}

func TestClient_RequestShape(t *testing.T) {
	var got map[string]any
	r := NewRouter()
	r.RegisterLocal(config.ServiceAuthorize, func(_ context.Context, p []byte) ([]byte, error) {
		json.Unmarshal(p, &got)
		return []byte(`{"allowed":true,"geofence":{"lat":1,"lng":2,"radius_m":50}}`), nil
	})
	resp, err := NewClient(r).Authorize(context.Background(), AuthorizeRequest{Fingerprint: "fp", StationIdentity: "till-1", StoreContext: "store-9"})
	if err != nil {
		t.Fatal(err)
	}
	if got["fingerprint"] != "fp" || got["station_identity"] != "till-1" || got["store_context"] != "store-9" {
		t.Fatalf("payload: %v", got)
	}
	if !resp.Allowed || resp.Geofence == nil || resp.Geofence.RadiusM != 50 {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Second),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)
	fail := func(context.Context, []byte) ([]byte, error) {
		return nil, &ErrTransport{Service: "s", Cause: io.ErrUnexpectedEOF}
	}
	h := WithCircuitBreaker(cb, "s")(fail)
	h(context.Background(), nil)
	h(context.Background(), nil)
	if cb.State() != BreakerOpen {
		t.Fatalf("state: %v", cb.State())
	}
	_, err := h(context.Background(), nil)
	var co *ErrCircuitOpen
	if !errors.As(err, &co) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state after reset timeout: %v", cb.State())
	}
	ok := WithCircuitBreaker(cb, "s")(func(context.Context, []byte) ([]byte, error) { return nil, nil })
	ok(context.Background(), nil)
	if cb.State() != BreakerClosed {
		t.Fatalf("state after probe: %v", cb.State())
	}
}

func TestCircuitBreaker_BusinessAnswersDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	h := WithCircuitBreaker(cb, "s")(func(context.Context, []byte) ([]byte, error) {
		return nil, &ErrStatus{StatusCode: 404}
	})
	h(context.Background(), nil)
	h(context.Background(), nil)
	if cb.State() != BreakerClosed {
		t.Fatalf("4xx tripped the breaker: %v", cb.State())
	}
}

func TestBreakers_PerService(t *testing.T) {
	b := NewBreakers(WithBreakerThreshold(1))
	b.For("scan.bulk").RecordFailure()
	if b.For("scan.submit").State() != BreakerClosed {
		t.Fatal("breakers should be independent")
	}
	if b.States()["scan.bulk"] != "open" {
		t.Fatalf("states: %v", b.States())
	}
}

func TestWithRetry_OnlyTransport(t *testing.T) {
	var calls atomic.Int32
	transient := func(context.Context, []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, &ErrTransport{Service: "s", Cause: io.EOF}
		}
		return []byte("ok"), nil
	}
	resp, err := WithRetry(3, time.Millisecond, nil)(transient)(context.Background(), nil)
	if err != nil || string(resp) != "ok" || calls.Load() != 3 {
		t.Fatalf("resp=%q err=%v calls=%d", resp, err, calls.Load())
	}

	calls.Store(0)
	business := func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, &ErrStatus{StatusCode: 409}
	}
	WithRetry(3, time.Millisecond, nil)(business)(context.Background(), nil)
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d calls", calls.Load())
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(testLogger())(func(context.Context, []byte) ([]byte, error) { panic("camera on fire") })
	_, err := h(context.Background(), nil)
	var pe *ErrPanic
	if !errors.As(err, &pe) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
}

func TestMonitor_TransitionsAndReconnected(t *testing.T) {
	m := NewMonitor(WithMonitorLogger(testLogger()))
	ch := m.Reconnected()

	m.SetOnline(false)
	if m.Online() {
		t.Fatal("should be offline")
	}
	m.SetOnline(true)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no reconnect signal")
	}
	m.SetOnline(true)
	select {
	case <-ch:
		t.Fatal("online to online is not a reconnect")
	default:
	}
}

func TestMonitor_ChangedFiresOnBothEdges(t *testing.T) {
	m := NewMonitor(WithMonitorLogger(testLogger()))
	changed := m.Changed()
	reconnected := m.Reconnected()

	m.SetOnline(false)
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("going offline must signal Changed")
	}
	select {
	case <-reconnected:
		t.Fatal("going offline is not a reconnect")
	default:
	}

	m.SetOnline(false)
	select {
	case <-changed:
		t.Fatal("no transition, no signal")
	default:
	}

	m.SetOnline(true)
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("coming back must signal Changed")
	}
}

func TestMonitor_Probe(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	m := NewMonitor(WithHealthURL(srv.URL), WithMonitorLogger(testLogger()))
	if m.Probe(context.Background()) || m.Online() {
		t.Fatal("503 should be offline")
	}
	healthy.Store(true)
	if !m.Probe(context.Background()) || !m.Online() {
		t.Fatal("200 should be online")
	}
}

func TestReachability_Middleware(t *testing.T) {
	m := NewMonitor(WithMonitorLogger(testLogger()))
	down := Reachability(m)(func(context.Context, []byte) ([]byte, error) {
		return nil, &ErrTransport{Service: "s", Cause: io.EOF}
	})
	down(context.Background(), nil)
	if m.Online() {
		t.Fatal("transport failure should mark offline")
	}
	rejected := Reachability(m)(func(context.Context, []byte) ([]byte, error) {
		return nil, &ErrStatus{StatusCode: 409}
	})
	rejected(context.Background(), nil)
	if !m.Online() {
		t.Fatal("a business answer proves the backend is reachable")
	}
}
