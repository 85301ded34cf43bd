package submit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/pointscan/backend"
	"github.com/hazyhaar/pointscan/decode"
	"github.com/hazyhaar/pointscan/idgen"
	"github.com/hazyhaar/pointscan/observability"
	"github.com/hazyhaar/pointscan/offlinequeue"
	"github.com/hazyhaar/pointscan/realtime"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []backend.SubmitRequest
	resp  *backend.SubmitResponse
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, req backend.SubmitRequest) (*backend.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

type fakeQueue struct {
	codes []string
	err   error
}

func (q *fakeQueue) Save(_ context.Context, code string) (*offlinequeue.Submission, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.codes = append(q.codes, code)
	return &offlinequeue.Submission{Code: code}, nil
}

type recorder struct {
	mu      sync.Mutex
	metrics []*observability.Metric
}

func (r *recorder) Record(m *observability.Metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newPipeline(s Submitter, q Queue) (*Pipeline, *realtime.Log, *testClock, *recorder) {
	log := realtime.NewLog(10)
	c := &testClock{now: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	p := New(s, Options{
		Station:  "till-1",
		Store:    "store-1",
		Log:      log,
		Queue:    q,
		Recorder: rec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      c.Now,
	})
	return p, log, c, rec
}

func read(code string) decode.Read { return decode.Read{Code: code, ReadAt: time.Now()} }

func TestProcess_Success(t *testing.T) {
	s := &fakeSubmitter{resp: &backend.SubmitResponse{Success: true, Points: 10, CustomerName: "Ana", ScanID: "S1"}}
	p, log, _, rec := newPipeline(s, &fakeQueue{})
	p.opts.Geo = func() *backend.Geo { return &backend.Geo{Lat: 1, Lng: 2} }

	res, err := p.Process(context.Background(), read("ABC123"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess || res.Points != 10 || res.ScanID != "S1" || res.CustomerName != "Ana" {
		t.Fatalf("result: %+v", res)
	}
	req := s.calls[0]
	if req.Code != "ABC123" || req.StoreContext != "store-1" || req.StationIdentity != "till-1" || req.Geolocation == nil {
		t.Fatalf("request: %+v", req)
	}
	if !log.Has("S1") || log.Entries()[0].Source != realtime.SourceOptimistic {
		t.Fatal("optimistic entry expected")
	}
	if len(rec.metrics) != 2 {
		t.Fatalf("expected duration and outcome metrics, got %d", len(rec.metrics))
	}
}

func TestProcess_SuccessWithoutScanIDUsesLocalID(t *testing.T) {
	s := &fakeSubmitter{resp: &backend.SubmitResponse{Success: true, Points: 3}}
	p, log, c, _ := newPipeline(s, &fakeQueue{})
	res, _ := p.Process(context.Background(), read("A"))
	want := idgen.LocalScanID("till-1", c.now)
	if res.ScanID != want || !log.Has(want) {
		t.Fatalf("scan id %q, want %q", res.ScanID, want)
	}
}

func TestProcess_RepeatedReadMakesOneCall(t *testing.T) {
	s := &fakeSubmitter{resp: &backend.SubmitResponse{Success: true}}
	p, _, c, _ := newPipeline(s, &fakeQueue{})
	ctx := context.Background()
	p.Process(ctx, read("ABC123"))
	c.Advance(2 * time.Second)
	if _, err := p.Process(ctx, read("ABC123")); !errors.Is(err, ErrRepeatedRead) {
		t.Fatalf("got %v", err)
	}
	if len(s.calls) != 1 {
		t.Fatalf("backend calls: %d", len(s.calls))
	}

	p.Reset()
	if _, err := p.Process(ctx, read("ABC123")); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestProcess_Throttle(t *testing.T) {
	s := &fakeSubmitter{resp: &backend.SubmitResponse{Success: true}}
	p, _, c, _ := newPipeline(s, &fakeQueue{})
	ctx := context.Background()
	p.Process(ctx, read("A"))
	c.Advance(300 * time.Millisecond)
	if _, err := p.Process(ctx, read("B")); !errors.Is(err, ErrThrottled) {
		t.Fatalf("got %v", err)
	}
	c.Advance(300 * time.Millisecond)
	if _, err := p.Process(ctx, read("B")); err != nil {
		t.Fatalf("after 600ms: %v", err)
	}
	if len(s.calls) != 2 {
		t.Fatalf("calls: %d", len(s.calls))
	}
}

func TestProcess_BusinessRejection(t *testing.T) {
	q := &fakeQueue{}
	s := &fakeSubmitter{resp: &backend.SubmitResponse{Success: false, ErrorCode: "not_found", Message: "Unknown card"}}
	p, log, _, _ := newPipeline(s, q)
	res, err := p.Process(context.Background(), read("ZZZ"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeWarning || res.ErrorClass != ClassNotFound || res.Message != "Unknown card" {
		t.Fatalf("result: %+v", res)
	}
	if !res.Queued || len(q.codes) != 1 {
		t.Fatal("non-duplicate rejection is handed to the queue")
	}
	if log.Len() != 1 || log.Entries()[0].Success {
		t.Fatal("failed entry expected in the log")
	}
}

func TestProcess_DuplicateRejectionNotQueued(t *testing.T) {
	q := &fakeQueue{}
	s := &fakeSubmitter{resp: &backend.SubmitResponse{Success: false, Message: "Customer already scanned today"}}
	p, _, _, _ := newPipeline(s, q)
	res, _ := p.Process(context.Background(), read("DUP"))
	if res.ErrorClass != ClassAlreadyScannedToday || res.Queued || len(q.codes) != 0 {
		t.Fatalf("result: %+v queued=%v", res, q.codes)
	}
}

func TestProcess_TransportErrorQueues(t *testing.T) {
	q := &fakeQueue{}
	s := &fakeSubmitter{err: &backend.ErrTransport{Service: "scan.submit", Cause: io.ErrUnexpectedEOF}}
	p, log, _, _ := newPipeline(s, q)
	res, err := p.Process(context.Background(), read("XYZ999"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeError || res.ErrorClass != ClassNetwork || !res.Queued {
		t.Fatalf("result: %+v", res)
	}
	if len(q.codes) != 1 || q.codes[0] != "XYZ999" {
		t.Fatalf("queue: %v", q.codes)
	}
	if !strings.Contains(res.Message, "saved offline") {
		t.Fatalf("message: %s", res.Message)
	}
	if log.Len() != 0 {
		t.Fatal("transport errors do not enter the feed")
	}
}

func TestProcess_TransportErrorDuplicateInQueue(t *testing.T) {
	q := &fakeQueue{err: offlinequeue.ErrDuplicate}
	s := &fakeSubmitter{err: &backend.ErrCircuitOpen{Service: "scan.submit"}}
	p, _, _, _ := newPipeline(s, q)
	res, _ := p.Process(context.Background(), read("XYZ999"))
	if res.Queued || !strings.Contains(res.Message, "not queued") {
		t.Fatalf("result: %+v", res)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code, msg string
		want      ErrorClass
	}{
		{"ALREADY_SCANNED_TODAY", "", ClassAlreadyScannedToday},
		{"duplicate_scan", "", ClassDuplicate},
		{"customer_not_found", "", ClassNotFound},
		{"campaign_closed", "already scanned today", ClassRejected},
		{"", "You have already scanned today", ClassAlreadyScannedToday},
		{"", "Duplicate submission", ClassDuplicate},
		{"", "Card not found", ClassNotFound},
		{"", "Store closed", ClassRejected},
	}
	for _, c := range cases {
		if got := Classify(c.code, c.msg); got != c.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", c.code, c.msg, got, c.want)
		}
	}
}

func TestAccept_GuardsWithoutBackendCall(t *testing.T) {
	s := &fakeSubmitter{resp: &backend.SubmitResponse{Success: true}}
	p, _, clock, _ := newPipeline(s, &fakeQueue{})

	if err := p.Accept(read("ABC123")); err != nil {
		t.Fatal(err)
	}
	if err := p.Accept(read("ABC123")); !errors.Is(err, ErrRepeatedRead) {
		t.Fatalf("same code: %v", err)
	}
	if err := p.Accept(read("DEF456")); !errors.Is(err, ErrThrottled) {
		t.Fatalf("inside throttle: %v", err)
	}
	clock.Advance(700 * time.Millisecond)
	if err := p.Accept(read("DEF456")); err != nil {
		t.Fatalf("after throttle: %v", err)
	}
	if len(s.calls) != 0 {
		t.Fatalf("Accept must not submit, calls: %d", len(s.calls))
	}

	res := p.Send(context.Background(), read("DEF456"))
	if res.Outcome != OutcomeSuccess || len(s.calls) != 1 {
		t.Fatalf("send: %+v calls %d", res, len(s.calls))
	}
}
