// Package backend is the station's gateway to the loyalty backend. Every
// call goes through a Router that maps a service name (scan.submit,
// scan.bulk, device.authorize, activity.recent) to a transport, according
// to a routes table in the station database that is reloaded at runtime.
//
//	router := backend.NewRouter(backend.WithChain(chainFor))
//	router.RegisterTransport("http", backend.HTTPFactory(nil))
//	go router.Watch(ctx, db, time.Second)
//	client := backend.NewClient(router)
//	resp, err := client.Submit(ctx, req)
//
// Pointing a kiosk at a staging backend, or disabling a service, is one
// UPDATE on the routes table.
package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Handler is a transport-agnostic service call: JSON in, JSON out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint. The returned
// close function runs when the route is removed or replaced; it may be nil.
type TransportFactory func(service, endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

// ChainFunc returns the middleware wrapped around the handler of one
// service. It receives the route config so timeouts and retries can be
// tuned per service.
type ChainFunc func(service string, config json.RawMessage) HandlerMiddleware

type route struct {
	Service  string
	Strategy string
	Endpoint string
	Config   json.RawMessage
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls according to the routes table.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]route
	factories     map[string]TransportFactory
	chain         ChainFunc
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithChain sets the per-service middleware builder applied to remote
// handlers.
func WithChain(fn ChainFunc) Option {
	return func(r *Router) { r.chain = fn }
}

// NewRouter returns a Router with no routes.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]route),
		factories:     make(map[string]TransportFactory),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler, used when the route
// strategy is "local" or when no remote route exists (demo stations, tests).
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers a factory for a route strategy.
func (r *Router) RegisterTransport(strategy string, f TransportFactory) {
	r.mu.Lock()
	r.factories[strategy] = f
	r.mu.Unlock()
}

// Call dispatches a service call. Resolution order: noop route, remote
// route, local handler, ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	if hasRoute && snap.Strategy == "noop" {
		r.logger.DebugContext(ctx, "routing noop", "service", service)
		return nil, nil
	}
	if hasRemote {
		return entry.handler(ctx, payload)
	}
	if localH != nil {
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Services lists the routed service names with their strategy and endpoint.
func (r *Router) Services() []RouteRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteRow, 0, len(r.routeSnap))
	for _, rt := range r.routeSnap {
		out = append(out, RouteRow{Service: rt.Service, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Config: rt.Config})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Reload reads the routes table and rebuilds the handlers whose
// (strategy, endpoint, config) changed. Unchanged routes keep their
// handler, and with it their breaker state and idle connections.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := ListRoutes(ctx, db)
	if err != nil {
		return err
	}
	newRoutes := make(map[string]route, len(rows))
	for _, row := range rows {
		newRoutes[row.Service] = route{Service: row.Service, Strategy: row.Strategy, Endpoint: row.Endpoint, Config: row.Config}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newEntries := make(map[string]remoteEntry, len(newRoutes))
	for name, rt := range newRoutes {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routeSnap[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, exists := r.remoteEntries[name]; exists {
				newEntries[name] = existing
				continue
			}
		}
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("no transport factory for strategy", "service", name, "strategy", rt.Strategy)
			continue
		}
		h, closeFn, err := factory(name, rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("transport factory failed",
				"service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint, "error", err)
			continue
		}
		if r.chain != nil {
			h = r.chain(name, rt.Config)(h)
		}
		newEntries[name] = remoteEntry{handler: h, close: closeFn}
		r.logger.Info("route built", "service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, still := newEntries[name]; !still || r.routeSnap[name].fingerprint() != newRoutes[name].fingerprint() {
			old.close()
		}
	}

	r.remoteEntries = newEntries
	r.routeSnap = newRoutes
	r.logger.Info("routes reloaded", "total", len(newRoutes), "remote", len(newEntries))
	return nil
}

// Close releases every remote handler.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]route)
	return nil
}

// RouteConfig is the per-route JSON in the config column.
type RouteConfig struct {
	TimeoutMs  int64 `json:"timeout_ms,omitempty"`
	MaxRetries *int  `json:"max_retries,omitempty"`
	BackoffMs  int64 `json:"backoff_ms,omitempty"`
}

// ParseRouteConfig decodes the config column. Malformed JSON yields the
// zero value.
func ParseRouteConfig(raw json.RawMessage) RouteConfig {
	var rc RouteConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rc); err != nil {
			return RouteConfig{}
		}
	}
	return rc
}

// Timeout returns the configured timeout or def.
func (rc RouteConfig) Timeout(def time.Duration) time.Duration {
	if rc.TimeoutMs > 0 {
		return time.Duration(rc.TimeoutMs) * time.Millisecond
	}
	return def
}

// Retries returns the configured retry count or def.
func (rc RouteConfig) Retries(def int) int {
	if rc.MaxRetries != nil {
		return *rc.MaxRetries
	}
	return def
}

// Backoff returns the configured base backoff or def.
func (rc RouteConfig) Backoff(def time.Duration) time.Duration {
	if rc.BackoffMs > 0 {
		return time.Duration(rc.BackoffMs) * time.Millisecond
	}
	return def
}
