// Package kit carries the small cross-cutting pieces every station
// component shares: context values, the Endpoint signature and MCP tool
// registration.
package kit

import "context"

type contextKey string

const (
	StationIDKey  contextKey = "kit_station_id"
	StoreKey      contextKey = "kit_store"
	RequestIDKey  contextKey = "kit_request_id"
	TransportKey  contextKey = "kit_transport" // "http", "ws", "mcp"
	GenerationKey contextKey = "kit_generation"
)

func WithStationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, StationIDKey, id)
}
func GetStationID(ctx context.Context) string {
	v, _ := ctx.Value(StationIDKey).(string)
	return v
}

func WithStore(ctx context.Context, store string) context.Context {
	return context.WithValue(ctx, StoreKey, store)
}
func GetStore(ctx context.Context) string {
	v, _ := ctx.Value(StoreKey).(string)
	return v
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

// WithGeneration tags ctx with the scanner session generation that
// launched the work, so log lines from late continuations can be told apart.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, GenerationKey, gen)
}
func GetGeneration(ctx context.Context) uint64 {
	v, _ := ctx.Value(GenerationKey).(uint64)
	return v
}
