package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Schema defines the routes table. Strategies:
//   - "http":  POST JSON to endpoint.
//   - "local": dispatch to a handler registered with RegisterLocal.
//   - "noop":  succeed without doing anything (service disabled).
//
// The config column holds RouteConfig JSON.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('http', 'local', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// RouteRow is one row of the routes table.
type RouteRow struct {
	Service  string          `json:"service"`
	Strategy string          `json:"strategy"`
	Endpoint string          `json:"endpoint,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// ListRoutes returns every route ordered by service.
func ListRoutes(ctx context.Context, db *sql.DB) ([]RouteRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("backend: query routes: %w", err)
	}
	defer rows.Close()

	var out []RouteRow
	for rows.Next() {
		var r RouteRow
		var cfg string
		if err := rows.Scan(&r.Service, &r.Strategy, &r.Endpoint, &cfg); err != nil {
			return nil, fmt.Errorf("backend: scan route: %w", err)
		}
		r.Config = json.RawMessage(cfg)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRoute inserts or replaces a route and bumps user_version so watchers
// on the same connection pool see the change.
func SetRoute(ctx context.Context, db *sql.DB, r RouteRow) error {
	cfg := string(r.Config)
	if cfg == "" {
		cfg = "{}"
	}
	if !json.Valid([]byte(cfg)) {
		return fmt.Errorf("backend: route %s: config is not valid JSON", r.Service)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO routes (service_name, strategy, endpoint, config) VALUES (?,?,?,?)
		ON CONFLICT(service_name) DO UPDATE SET
			strategy = excluded.strategy,
			endpoint = excluded.endpoint,
			config = excluded.config,
			updated_at = strftime('%s', 'now')`,
		r.Service, r.Strategy, r.Endpoint, cfg)
	if err != nil {
		return fmt.Errorf("backend: set route %s: %w", r.Service, err)
	}
	return bumpVersion(ctx, db)
}

// DeleteRoute removes a route.
func DeleteRoute(ctx context.Context, db *sql.DB, service string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, service); err != nil {
		return fmt.Errorf("backend: delete route %s: %w", service, err)
	}
	return bumpVersion(ctx, db)
}

// SeedRoutes installs an http route for every service that has no row yet.
// Rows edited by an operator are left alone.
func SeedRoutes(ctx context.Context, db *sql.DB, endpoints map[string]string, config func(service string) RouteConfig) error {
	for svc, ep := range endpoints {
		cfg := json.RawMessage("{}")
		if config != nil {
			b, err := json.Marshal(config(svc))
			if err != nil {
				return fmt.Errorf("backend: seed %s: %w", svc, err)
			}
			cfg = b
		}
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO routes (service_name, strategy, endpoint, config) VALUES (?, 'http', ?, ?)`,
			svc, ep, string(cfg))
		if err != nil {
			return fmt.Errorf("backend: seed %s: %w", svc, err)
		}
	}
	return bumpVersion(ctx, db)
}

func bumpVersion(ctx context.Context, db *sql.DB) error {
	var v int64
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return fmt.Errorf("backend: read user_version: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
		return fmt.Errorf("backend: bump user_version: %w", err)
	}
	return nil
}
