package kit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pointscan/idgen"
)

// Scope is the station a tool call acts for. Every call runs with the
// station, store, transport "mcp" and a fresh request id in its context,
// the same values the console's HTTP middleware sets.
type Scope struct {
	Station string
	Store   string
	Logger  *slog.Logger
}

// Tool is one station operation exposed to assistants.
type Tool struct {
	Name        string
	Description string
	// Properties and Required describe the JSON object of arguments.
	Properties map[string]any
	Required   []string
	// NewRequest returns the value the arguments are decoded into. Nil for
	// tools without arguments; the Endpoint then receives nil.
	NewRequest func() any
	Endpoint   Endpoint
}

var mcpRequestID = idgen.Prefixed("mcp_", idgen.NanoID(10))

// RegisterMCPTool adds t to srv. Bad arguments and Endpoint errors come
// back as tool errors, which the assistant sees, not as protocol errors.
func RegisterMCPTool(srv *mcp.Server, scope Scope, t Tool) {
	logger := scope.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tool := &mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: InputSchema(t.Properties, t.Required),
	}
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithTransport(ctx, "mcp")
		ctx = WithStore(WithStationID(ctx, scope.Station), scope.Store)
		ctx = WithRequestID(ctx, mcpRequestID())

		var in any
		if t.NewRequest != nil {
			in = t.NewRequest()
			if args := req.Params.Arguments; len(args) > 0 {
				if err := json.Unmarshal(args, in); err != nil {
					return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
				}
			}
		}

		start := time.Now()
		resp, err := t.Endpoint(ctx, in)
		logger.DebugContext(ctx, "mcp: tool call", "tool", t.Name, "request_id", GetRequestID(ctx),
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

// InputSchema builds a JSON object schema for tool arguments. A nil
// properties map yields an empty object schema.
func InputSchema(properties map[string]any, required []string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
