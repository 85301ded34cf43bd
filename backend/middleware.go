package backend

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/pointscan/observability"
)

// HandlerMiddleware wraps a Handler.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares; the first is the outermost.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)
			if err != nil {
				logger.WarnContext(ctx, "backend call failed",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"error", err)
			} else {
				logger.DebugContext(ctx, "backend call ok",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// Timeout bounds a call. Zero disables it.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next(ctx, payload)
		}
	}
}

// Recovery turns a panic in a downstream handler into ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "backend handler panic recovered",
						"panic", r, "stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}

// WithRetry retries transport-class failures with exponential backoff.
// Business answers, open circuits and unroutable services are returned at
// once.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err
				if ctx.Err() != nil || !retryable(err) || attempt == maxRetries {
					return nil, lastErr
				}
				wait := baseBackoff * (1 << uint(attempt))
				if logger != nil {
					logger.WarnContext(ctx, "retrying backend call",
						"attempt", attempt+1,
						"max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
				select {
				case <-ctx.Done():
					return nil, lastErr
				case <-time.After(wait):
				}
			}
			return nil, lastErr
		}
	}
}

// WithObservability records backend.call.duration_ms for every call and
// backend.call.error on failures.
func WithObservability(rec observability.Recorder, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			labels := map[string]string{"service": service}
			observability.Record(rec, observability.MetricBackendDuration,
				float64(time.Since(start).Milliseconds()), "ms", labels)
			if err != nil {
				observability.Record(rec, observability.MetricBackendError, 1, "count", labels)
			}
			return resp, err
		}
	}
}

// Reachability reports every call outcome to m so the station's online
// indicator follows real traffic between health probes.
func Reachability(m *Monitor) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			switch {
			case err == nil:
				m.SetOnline(true)
			case IsTransport(err):
				// An open circuit already followed failures that marked us offline.
				var co *ErrCircuitOpen
				if !errors.As(err, &co) {
					m.SetOnline(false)
				}
			default:
				m.SetOnline(true)
			}
			return resp, err
		}
	}
}
