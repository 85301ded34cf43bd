package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	c := DefaultConfig()
	c.StoreContext = "store-9"
	c.Backend.BaseURL = "https://loyalty.example.com"
	c.Decode.Backends = []string{"frames"}
	return c
}

func TestDefaultConfig_Timings(t *testing.T) {
	c := DefaultConfig()
	if c.Submit.Throttle != 600*time.Millisecond {
		t.Fatalf("throttle: got %v", c.Submit.Throttle)
	}
	if c.Offline.DedupeWindow != 2*time.Minute {
		t.Fatalf("dedupe window: got %v", c.Offline.DedupeWindow)
	}
	if c.Scanner.PauseCountdown != 5*time.Second || c.Scanner.WarningReturn != 3*time.Second {
		t.Fatalf("scanner timings: %+v", c.Scanner)
	}
	if c.Scanner.RefocusInterval != 8*time.Second {
		t.Fatalf("refocus: got %v", c.Scanner.RefocusInterval)
	}
	if c.Realtime.PollInterval != 10*time.Second || c.Realtime.LogCap != 50 {
		t.Fatalf("realtime: %+v", c.Realtime)
	}
}

func TestLoadConfig_YAMLMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pointscan.yaml")
	yml := `
station_id: till-3
store_context: store-9
backend:
  base_url: https://loyalty.example.com
  timeout: 2s
realtime:
  push_url: wss://push.example.com/ws
scanner:
  pause_countdown: 4s
decode:
  backends: [frames]
geo:
  latitude: 48.85
  longitude: 2.35
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StationID != "till-3" || cfg.StoreContext != "store-9" {
		t.Fatalf("identity: %q %q", cfg.StationID, cfg.StoreContext)
	}
	if cfg.Backend.Timeout != 2*time.Second {
		t.Fatalf("timeout: got %v", cfg.Backend.Timeout)
	}
	if cfg.Scanner.PauseCountdown != 4*time.Second {
		t.Fatalf("pause: got %v", cfg.Scanner.PauseCountdown)
	}
	if cfg.Scanner.WarningReturn != 3*time.Second {
		t.Fatalf("unset field should keep default: got %v", cfg.Scanner.WarningReturn)
	}
	if !cfg.Geo.Known() || *cfg.Geo.Latitude != 48.85 {
		t.Fatalf("geo: %+v", cfg.Geo)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	c := validConfig()
	env := map[string]string{
		"POINTSCAN_STORE":       "store-1",
		"POINTSCAN_BACKEND_URL": "http://10.0.0.2:8080",
		"LOG_LEVEL":             "debug",
		"POINTSCAN_LAT":         "45.5",
		"POINTSCAN_LNG":         "-73.6",
	}
	if err := c.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if c.StoreContext != "store-1" || c.Backend.BaseURL != "http://10.0.0.2:8080" || c.Log.Level != "debug" {
		t.Fatalf("overrides: %+v", c)
	}
	if *c.Geo.Longitude != -73.6 {
		t.Fatalf("lng: got %v", *c.Geo.Longitude)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestApplyEnv_BadFloat(t *testing.T) {
	c := validConfig()
	err := c.ApplyEnv(func(k string) string {
		if k == "POINTSCAN_LAT" {
			return "north"
		}
		return ""
	})
	if err == nil || !strings.Contains(err.Error(), "POINTSCAN_LAT") {
		t.Fatalf("got %v", err)
	}
}

func TestValidate(t *testing.T) {
	lat := 1.0
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no store", func(c *Config) { c.StoreContext = "" }, "store_context"},
		{"no backend", func(c *Config) { c.Backend.BaseURL = "" }, "base_url"},
		{"bad backend scheme", func(c *Config) { c.Backend.BaseURL = "ftp://x" }, "base_url"},
		{"push not ws", func(c *Config) { c.Realtime.PushURL = "https://push" }, "push_url"},
		{"unknown route", func(c *Config) { c.Backend.Routes = map[string]string{"scan.teleport": "https://x"} }, "unknown service"},
		{"managed without device", func(c *Config) { c.Decode.Backends = []string{"managed"} }, "managed_device"},
		{"bogus backend", func(c *Config) { c.Decode.Backends = []string{"webcam"} }, "unsupported backend"},
		{"half geo", func(c *Config) { c.Geo.Latitude = &lat }, "geo"},
		{"zero window", func(c *Config) { c.Offline.DedupeWindow = 0 }, "dedupe_window"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}
}

func TestRouteEndpoints(t *testing.T) {
	c := validConfig()
	c.Backend.BaseURL = "https://loyalty.example.com/"
	c.Backend.Routes = map[string]string{ServiceBulk: "https://bulk.example.com/v2/sync"}

	eps := c.RouteEndpoints()
	if eps[ServiceSubmit] != "https://loyalty.example.com/api/scan" {
		t.Fatalf("submit: got %q", eps[ServiceSubmit])
	}
	if eps[ServiceBulk] != "https://bulk.example.com/v2/sync" {
		t.Fatalf("bulk override: got %q", eps[ServiceBulk])
	}
	if len(eps) != 4 {
		t.Fatalf("services: got %d", len(eps))
	}
}
