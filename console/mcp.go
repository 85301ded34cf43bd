package console

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pointscan/kit"
)

// RegisterMCP adds the station tools to srv. They call the same endpoints
// as the HTTP API.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	scope := kit.Scope{Station: s.deps.Station, Store: s.deps.Store, Logger: s.deps.Logger}

	kit.RegisterMCPTool(srv, scope, kit.Tool{
		Name:        "scanner_status",
		Description: "Current scanner state, backend reachability, realtime feed mode and the number of scans waiting offline.",
		Endpoint:    s.status,
	})
	kit.RegisterMCPTool(srv, scope, kit.Tool{
		Name:        "scanner_activity",
		Description: "Recent scans of the store, newest first, as shown on the station feed.",
		Properties: map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum entries to return (default: all, at most 50)"},
		},
		NewRequest: func() any { return &ActivityRequest{} },
		Endpoint:   s.activity,
	})
	kit.RegisterMCPTool(srv, scope, kit.Tool{
		Name:        "scanner_queue",
		Description: "Scans saved offline and not yet acknowledged by the backend.",
		Endpoint:    s.queue,
	})
}
