// Package authz is the start-of-session preflight: is this device
// registered for the store, and is it standing inside the store's geofence.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hazyhaar/pointscan/backend"
)

var (
	ErrNotAuthorized   = errors.New("authz: device not authorized")
	ErrOutsideGeofence = errors.New("authz: station outside geofence")
)

// DeniedError explains a refusal. It unwraps to ErrNotAuthorized or
// ErrOutsideGeofence.
type DeniedError struct {
	Cause     error
	Reason    string
	DistanceM float64
	RadiusM   float64
}

func (e *DeniedError) Error() string {
	if errors.Is(e.Cause, ErrOutsideGeofence) && e.RadiusM > 0 {
		return fmt.Sprintf("%v: %s (%.0fm from centre, radius %.0fm)", e.Cause, e.Reason, e.DistanceM, e.RadiusM)
	}
	if e.Reason == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%v: %s", e.Cause, e.Reason)
}

func (e *DeniedError) Unwrap() error { return e.Cause }

// AuthorizeClient is the backend call used by Check.
type AuthorizeClient interface {
	Authorize(ctx context.Context, req backend.AuthorizeRequest) (*backend.AuthorizeResponse, error)
}

// PositionFunc returns the station's current coordinates, ok=false when
// unknown.
type PositionFunc func(ctx context.Context) (pos backend.Geo, ok bool)

// Grant is a successful authorization.
type Grant struct {
	Fingerprint string
	Geofence    *backend.Geofence
	At          time.Time
	Cached      bool
}

// Authorizer runs the preflight.
type Authorizer struct {
	client   AuthorizeClient
	fp       Fingerprinter
	station  string
	store    string
	position PositionFunc
	graceTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *Grant
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithPosition sets the coordinate source used for geofence checks.
func WithPosition(p PositionFunc) Option { return func(a *Authorizer) { a.position = p } }

// WithFingerprinter overrides hardware id collection.
func WithFingerprinter(f Fingerprinter) Option { return func(a *Authorizer) { a.fp = f } }

// WithGraceTTL sets how long a previous grant is honoured while the
// backend is unreachable. Zero disables the grace period. Default 12h.
func WithGraceTTL(d time.Duration) Option { return func(a *Authorizer) { a.graceTTL = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Authorizer) { a.logger = l } }

// WithClock sets the clock.
func WithClock(now func() time.Time) Option { return func(a *Authorizer) { a.now = now } }

// New returns an Authorizer for station in store.
func New(client AuthorizeClient, station, store string, opts ...Option) *Authorizer {
	a := &Authorizer{
		client:   client,
		station:  station,
		store:    store,
		graceTTL: 12 * time.Hour,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Check asks the backend whether this device may scan and validates the
// returned geofence locally. When the backend is unreachable, a grant
// younger than the grace TTL is reused (its geofence is still enforced).
func (a *Authorizer) Check(ctx context.Context) (*Grant, error) {
	fp, err := a.fp.Fingerprint(a.station)
	if err != nil {
		return nil, &DeniedError{Cause: ErrNotAuthorized, Reason: err.Error()}
	}

	resp, err := a.client.Authorize(ctx, backend.AuthorizeRequest{
		Fingerprint:     fp,
		StationIdentity: a.station,
		StoreContext:    a.store,
	})
	if err != nil {
		if !backend.IsTransport(err) {
			return nil, &DeniedError{Cause: ErrNotAuthorized, Reason: err.Error()}
		}
		a.mu.Lock()
		last := a.last
		a.mu.Unlock()
		if last == nil || last.Fingerprint != fp || a.graceTTL <= 0 || a.now().Sub(last.At) > a.graceTTL {
			return nil, &DeniedError{Cause: ErrNotAuthorized, Reason: "authorization service unreachable"}
		}
		a.logger.WarnContext(ctx, "authorization backend unreachable, reusing previous grant",
			"granted_at", last.At, "error", err)
		if err := a.checkFence(ctx, last.Geofence); err != nil {
			return nil, err
		}
		g := *last
		g.Cached = true
		return &g, nil
	}

	if !resp.Allowed {
		reason := resp.Reason
		if reason == "" {
			reason = "device is not registered for this store"
		}
		return nil, &DeniedError{Cause: ErrNotAuthorized, Reason: reason}
	}
	if err := a.checkFence(ctx, resp.Geofence); err != nil {
		return nil, err
	}

	g := &Grant{Fingerprint: fp, Geofence: resp.Geofence, At: a.now()}
	a.mu.Lock()
	a.last = g
	a.mu.Unlock()
	return g, nil
}

// checkFence validates the station position against fence. No fence means
// no constraint; a fence with an unknown station position is refused.
func (a *Authorizer) checkFence(ctx context.Context, fence *backend.Geofence) error {
	if fence == nil || fence.RadiusM <= 0 {
		return nil
	}
	if a.position == nil {
		return &DeniedError{Cause: ErrOutsideGeofence, Reason: "station position unknown"}
	}
	pos, ok := a.position(ctx)
	if !ok {
		return &DeniedError{Cause: ErrOutsideGeofence, Reason: "station position unknown"}
	}
	d := DistanceM(pos, backend.Geo{Lat: fence.Lat, Lng: fence.Lng})
	if d > fence.RadiusM {
		return &DeniedError{Cause: ErrOutsideGeofence, Reason: "too far from store", DistanceM: d, RadiusM: fence.RadiusM}
	}
	return nil
}

const earthRadiusM = 6371008.8

// DistanceM is the great-circle (haversine) distance in metres.
func DistanceM(a, b backend.Geo) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// StaticPosition returns a PositionFunc for a fixed kiosk location.
func StaticPosition(lat, lng float64) PositionFunc {
	return func(context.Context) (backend.Geo, bool) {
		return backend.Geo{Lat: lat, Lng: lng}, true
	}
}
