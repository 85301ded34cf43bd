// Package config loads the station configuration: YAML file merged over
// DefaultConfig, then POINTSCAN_* environment overrides, then Validate.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend service names. The routes table maps each to an endpoint.
const (
	ServiceSubmit    = "scan.submit"
	ServiceBulk      = "scan.bulk"
	ServiceAuthorize = "device.authorize"
	ServiceRecent    = "activity.recent"
)

// Config holds the full station configuration.
type Config struct {
	StationID    string `yaml:"station_id"`
	StoreContext string `yaml:"store_context"`
	DBPath       string `yaml:"db_path"`
	// DBTrace logs every SQL statement (sqlite-trace driver).
	DBTrace      bool   `yaml:"db_trace"`
	Listen       string `yaml:"listen"`

	Log      LogConfig      `yaml:"log"`
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Submit   SubmitConfig   `yaml:"submit"`
	Offline  OfflineConfig  `yaml:"offline"`
	Decode   DecodeConfig   `yaml:"decode"`
	Geo      GeoConfig      `yaml:"geo"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// BackendConfig configures the backend router and its middleware chain.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// Routes overrides the endpoint of individual services; services not
	// listed get BaseURL + their default path.
	Routes           map[string]string `yaml:"routes"`
	Timeout          time.Duration     `yaml:"timeout"`
	MaxRetries       int               `yaml:"max_retries"`
	RetryBackoff     time.Duration     `yaml:"retry_backoff"`
	BreakerThreshold int               `yaml:"breaker_threshold"`
	BreakerReset     time.Duration     `yaml:"breaker_reset"`
	HealthURL        string            `yaml:"health_url"`
	HealthInterval   time.Duration     `yaml:"health_interval"`
	ReloadInterval   time.Duration     `yaml:"reload_interval"`
}

// RealtimeConfig configures the activity feed transports.
type RealtimeConfig struct {
	PushURL      string        `yaml:"push_url"` // ws:// or wss://, empty disables push
	PollInterval time.Duration `yaml:"poll_interval"`
	LogCap       int           `yaml:"log_cap"`
	InitialLimit int           `yaml:"initial_limit"`
}

// ScannerConfig holds the state machine timings.
type ScannerConfig struct {
	PauseCountdown  time.Duration `yaml:"pause_countdown"`
	WarningReturn   time.Duration `yaml:"warning_return"`
	RefocusInterval time.Duration `yaml:"refocus_interval"`
	FocusSettle     time.Duration `yaml:"focus_settle"`
}

// SubmitConfig holds the submission throttle.
type SubmitConfig struct {
	Throttle time.Duration `yaml:"throttle"`
}

// OfflineConfig configures the offline queue.
type OfflineConfig struct {
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// DecodeConfig lists the decode backends in priority order.
type DecodeConfig struct {
	Backends       []string      `yaml:"backends"`       // "managed", "frames"
	ManagedDevice  string        `yaml:"managed_device"` // e.g. /dev/hidraw0 or a serial tty
	FrameSource    string        `yaml:"frame_source"`   // "v4l2"
	V4L2Device     string        `yaml:"v4l2_device"`
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// GeoConfig is the station's own position, checked against the geofence
// the backend returns on authorization.
type GeoConfig struct {
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
}

// Known reports whether both coordinates are set.
func (g GeoConfig) Known() bool { return g.Latitude != nil && g.Longitude != nil }

// MetricsConfig configures local metrics persistence.
type MetricsConfig struct {
	BufferSize        int           `yaml:"buffer_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	RetentionDays     int           `yaml:"retention_days"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

var defaultPaths = map[string]string{
	ServiceSubmit:    "/api/scan",
	ServiceBulk:      "/api/scan/bulk",
	ServiceAuthorize: "/api/device/authorize",
	ServiceRecent:    "/api/activity/recent",
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		StationID: hostnameOr("station"),
		DBPath:    "data/station.db",
		Listen:    "127.0.0.1:8090",
		Log:       LogConfig{Level: "info", Format: "json"},
		Backend: BackendConfig{
			Timeout:          5 * time.Second,
			MaxRetries:       1,
			RetryBackoff:     200 * time.Millisecond,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
			HealthInterval:   10 * time.Second,
			ReloadInterval:   time.Second,
		},
		Realtime: RealtimeConfig{
			PollInterval: 10 * time.Second,
			LogCap:       50,
			InitialLimit: 20,
		},
		Scanner: ScannerConfig{
			PauseCountdown:  5 * time.Second,
			WarningReturn:   3 * time.Second,
			RefocusInterval: 8 * time.Second,
			FocusSettle:     150 * time.Millisecond,
		},
		Submit:  SubmitConfig{Throttle: 600 * time.Millisecond},
		Offline: OfflineConfig{DedupeWindow: 2 * time.Minute, ClaimTimeout: 30 * time.Second},
		Decode: DecodeConfig{
			Backends:       []string{"managed", "frames"},
			FrameSource:    "v4l2",
			V4L2Device:     "/dev/video0",
			Width:          1280,
			Height:         720,
			SampleInterval: 150 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			BufferSize:        100,
			FlushInterval:     5 * time.Second,
			RetentionDays:     14,
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// LoadConfig reads the YAML file at path (skipped when path is empty),
// applies env overrides and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv in
// production.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"POINTSCAN_STATION_ID":  &c.StationID,
		"POINTSCAN_STORE":       &c.StoreContext,
		"POINTSCAN_DB":          &c.DBPath,
		"POINTSCAN_LISTEN":      &c.Listen,
		"POINTSCAN_BACKEND_URL": &c.Backend.BaseURL,
		"POINTSCAN_PUSH_URL":    &c.Realtime.PushURL,
		"POINTSCAN_LOG_FORMAT":  &c.Log.Format,
		"LOG_LEVEL":             &c.Log.Level,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("POINTSCAN_DB_TRACE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POINTSCAN_DB_TRACE: %w", err)
		}
		c.DBTrace = b
	}
	for key, dst := range map[string]**float64{
		"POINTSCAN_LAT": &c.Geo.Latitude,
		"POINTSCAN_LNG": &c.Geo.Longitude,
	} {
		v := getenv(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = &f
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	if c.StoreContext == "" {
		return fmt.Errorf("store_context is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Backend.BaseURL == "" && len(c.Backend.Routes) < len(defaultPaths) {
		return fmt.Errorf("backend.base_url is required unless every service has a route")
	}
	if c.Backend.BaseURL != "" {
		if err := checkURL(c.Backend.BaseURL, "http", "https"); err != nil {
			return fmt.Errorf("backend.base_url: %w", err)
		}
	}
	for svc, ep := range c.Backend.Routes {
		if _, ok := defaultPaths[svc]; !ok {
			return fmt.Errorf("backend.routes: unknown service %q", svc)
		}
		if err := checkURL(ep, "http", "https"); err != nil {
			return fmt.Errorf("backend.routes[%s]: %w", svc, err)
		}
	}
	if c.Realtime.PushURL != "" {
		if err := checkURL(c.Realtime.PushURL, "ws", "wss"); err != nil {
			return fmt.Errorf("realtime.push_url: %w", err)
		}
	}
	if c.Realtime.PollInterval <= 0 {
		return fmt.Errorf("realtime.poll_interval must be > 0")
	}
	if c.Realtime.LogCap <= 0 {
		return fmt.Errorf("realtime.log_cap must be > 0")
	}
	if c.Submit.Throttle < 0 {
		return fmt.Errorf("submit.throttle must be >= 0")
	}
	if c.Offline.DedupeWindow <= 0 {
		return fmt.Errorf("offline.dedupe_window must be > 0")
	}
	if c.Scanner.PauseCountdown <= 0 || c.Scanner.WarningReturn <= 0 {
		return fmt.Errorf("scanner.pause_countdown and scanner.warning_return must be > 0")
	}
	if len(c.Decode.Backends) == 0 {
		return fmt.Errorf("decode.backends must list at least one backend")
	}
	for i, b := range c.Decode.Backends {
		switch b {
		case "managed":
			if c.Decode.ManagedDevice == "" {
				return fmt.Errorf("decode.backends[%d]: managed requires decode.managed_device", i)
			}
		case "frames":
		default:
			return fmt.Errorf("decode.backends[%d]: unsupported backend %q (use managed or frames)", i, b)
		}
	}
	if (c.Geo.Latitude == nil) != (c.Geo.Longitude == nil) {
		return fmt.Errorf("geo: latitude and longitude must be set together")
	}
	return nil
}

// RouteEndpoints resolves the endpoint of every backend service.
func (c *Config) RouteEndpoints() map[string]string {
	out := make(map[string]string, len(defaultPaths))
	base := strings.TrimRight(c.Backend.BaseURL, "/")
	for svc, path := range defaultPaths {
		if ep, ok := c.Backend.Routes[svc]; ok {
			out[svc] = ep
			continue
		}
		if base != "" {
			out[svc] = base + path
		}
	}
	return out
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q: want scheme %s with a host", raw, strings.Join(schemes, " or "))
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}
