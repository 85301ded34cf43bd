package authz

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/hazyhaar/pointscan/backend"
)

func fakeFiles(m map[string]string) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		if v, ok := m[p]; ok {
			return []byte(v), nil
		}
		return nil, fs.ErrNotExist
	}
}

var testFP = Fingerprinter{ReadFile: fakeFiles(map[string]string{
	"/sys/class/dmi/id/product_uuid": "4C4C4544-0037-3010-8052-B4C04F4D4E32\n",
})}

type stubClient struct {
	resp  *backend.AuthorizeResponse
	err   error
	calls int
	last  backend.AuthorizeRequest
}

func (s *stubClient) Authorize(_ context.Context, req backend.AuthorizeRequest) (*backend.AuthorizeResponse, error) {
	s.calls++
	s.last = req
	return s.resp, s.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFingerprint_StableAndStationBound(t *testing.T) {
	a, err := testFP.Fingerprint("till-1")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := testFP.Fingerprint("till-1")
	c, _ := testFP.Fingerprint("till-2")
	if a != b {
		t.Fatal("fingerprint not stable")
	}
	if a == c {
		t.Fatal("fingerprint should depend on the station identity")
	}
	if len(a) != 64 {
		t.Fatalf("hex blake2b-256 length: %d", len(a))
	}
}

func TestFingerprint_CPUSerialAndNoIDs(t *testing.T) {
	f := Fingerprinter{ReadFile: fakeFiles(map[string]string{
		"/proc/cpuinfo": "processor\t: 0\nSerial\t\t: 00000000a1b2c3d4\n",
	})}
	ids := f.HardwareIDs()
	if len(ids) != 1 || ids[0] != "cpu:00000000a1b2c3d4" {
		t.Fatalf("ids: %v", ids)
	}

	empty := Fingerprinter{ReadFile: fakeFiles(nil)}
	if _, err := empty.Fingerprint("s"); !errors.Is(err, ErrNoHardwareID) {
		t.Fatalf("expected ErrNoHardwareID, got %v", err)
	}
	withApp := Fingerprinter{ReadFile: fakeFiles(nil), Extra: []string{"android-123"}}
	if _, err := withApp.Fingerprint("s"); err != nil {
		t.Fatalf("app-supplied id should be enough: %v", err)
	}
}

func TestCheck_AllowedNoFence(t *testing.T) {
	c := &stubClient{resp: &backend.AuthorizeResponse{Allowed: true}}
	a := New(c, "till-1", "store-9", WithFingerprinter(testFP), WithLogger(quiet()))
	g, err := a.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.last.StoreContext != "store-9" || c.last.StationIdentity != "till-1" || c.last.Fingerprint != g.Fingerprint {
		t.Fatalf("request: %+v", c.last)
	}
}

func TestCheck_NotAllowed(t *testing.T) {
	c := &stubClient{resp: &backend.AuthorizeResponse{Allowed: false, Reason: "unknown device"}}
	a := New(c, "till-1", "store-9", WithFingerprinter(testFP))
	_, err := a.Check(context.Background())
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	var de *DeniedError
	if !errors.As(err, &de) || de.Reason != "unknown device" {
		t.Fatalf("reason: %v", err)
	}
}

func TestCheck_Geofence(t *testing.T) {
	fence := &backend.Geofence{Lat: 48.8566, Lng: 2.3522, RadiusM: 200}
	c := &stubClient{resp: &backend.AuthorizeResponse{Allowed: true, Geofence: fence}}

	inside := New(c, "till-1", "s", WithFingerprinter(testFP), WithPosition(StaticPosition(48.8570, 2.3525)))
	if _, err := inside.Check(context.Background()); err != nil {
		t.Fatalf("inside: %v", err)
	}

	outside := New(c, "till-1", "s", WithFingerprinter(testFP), WithPosition(StaticPosition(48.8738, 2.2950)))
	_, err := outside.Check(context.Background())
	if !errors.Is(err, ErrOutsideGeofence) {
		t.Fatalf("outside: %v", err)
	}

	unknown := New(c, "till-1", "s", WithFingerprinter(testFP))
	if _, err := unknown.Check(context.Background()); !errors.Is(err, ErrOutsideGeofence) {
		t.Fatalf("unknown position with a fence should be refused: %v", err)
	}
}

func TestCheck_GraceOnTransportFailure(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	c := &stubClient{resp: &backend.AuthorizeResponse{Allowed: true}}
	a := New(c, "till-1", "s", WithFingerprinter(testFP), WithLogger(quiet()),
		WithGraceTTL(time.Hour), WithClock(func() time.Time { return now }))

	if _, err := a.Check(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.resp, c.err = nil, &backend.ErrTransport{Service: "device.authorize", Cause: io.EOF}
	g, err := a.Check(context.Background())
	if err != nil || !g.Cached {
		t.Fatalf("within grace: g=%+v err=%v", g, err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := a.Check(context.Background()); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("grace expired: %v", err)
	}
}

func TestCheck_TransportWithoutGrantIsDenied(t *testing.T) {
	c := &stubClient{err: &backend.ErrTransport{Service: "device.authorize", Cause: io.EOF}}
	a := New(c, "till-1", "s", WithFingerprinter(testFP))
	if _, err := a.Check(context.Background()); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("got %v", err)
	}
}

func TestDistanceM(t *testing.T) {
	// Paris to London, roughly 344 km.
	d := DistanceM(backend.Geo{Lat: 48.8566, Lng: 2.3522}, backend.Geo{Lat: 51.5074, Lng: -0.1278})
	if math.Abs(d-343_500) > 2_000 {
		t.Fatalf("distance: %.0f", d)
	}
	if DistanceM(backend.Geo{Lat: 1, Lng: 1}, backend.Geo{Lat: 1, Lng: 1}) != 0 {
		t.Fatal("same point should be 0")
	}
}
