package console

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/pointscan/idgen"
	"github.com/hazyhaar/pointscan/kit"
)

type contextKey string

// LoggerKey holds the per-request logger.
const LoggerKey contextKey = "console_logger"

// HeaderConfig is the set of security headers written on every response.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	PermissionsPolicy   string
}

// KioskHeaders is the header set for the station console. The page itself
// drives the camera, so camera access is allowed for the same origin.
func KioskHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; connect-src 'self' ws: wss:; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		PermissionsPolicy:   "camera=(self), microphone=(), geolocation=(self)",
	}
}

// SecurityHeaders writes cfg on every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if cfg.XContentTypeOptions != "" {
				h.Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}
			if cfg.XFrameOptions != "" {
				h.Set("X-Frame-Options", cfg.XFrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.CSP != "" {
				h.Set("Content-Security-Policy", cfg.CSP)
			}
			if cfg.PermissionsPolicy != "" {
				h.Set("Permissions-Policy", cfg.PermissionsPolicy)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeadToGet lets GET routes answer HEAD (net/http drops the body).
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps request bodies. The console only accepts small JSON
// documents.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

var newRequestID = idgen.Prefixed("req_", idgen.NanoID(10))

// RequestID tags each request with an id (header X-Request-ID, kit context
// value) and a request-scoped logger. Health checks are not logged.
func RequestID(logger *slog.Logger, station string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = newRequestID()
			}
			w.Header().Set("X-Request-ID", id)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithStationID(ctx, station)
			ctx = kit.WithTransport(ctx, "http")
			l := logger.With("request_id", id, "method", r.Method, "path", r.URL.Path)
			ctx = context.WithValue(ctx, LoggerKey, l)

			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			if r.URL.Path != "/healthz" && !strings.HasPrefix(r.URL.Path, "/ws") {
				l.Debug("request", "duration_ms", time.Since(start).Milliseconds())
			}
		})
	}
}

// GetLogger returns the request logger, or slog.Default.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Stack is the middleware chain of the console router. A panicking handler
// answers 500 and the station keeps serving.
func Stack(logger *slog.Logger, station string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(KioskHeaders()),
		MaxBody(64 * 1024),
		RequestID(logger, station),
		chimw.Recoverer,
	}
}
