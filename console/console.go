// Package console is the station's local operator surface: a JSON API and a
// websocket stream for the kiosk page, and an MCP endpoint for assistants.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/net/websocket"

	"github.com/hazyhaar/pointscan/offlinequeue"
	"github.com/hazyhaar/pointscan/prefs"
	"github.com/hazyhaar/pointscan/realtime"
	"github.com/hazyhaar/pointscan/scanner"
)

// Scanner is the scan machine as the console drives it.
type Scanner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	ToggleTorch() bool
	Refocus(ctx context.Context)
	Snapshot() scanner.Snapshot
	Subscribe() (<-chan scanner.Snapshot, func())
}

// Queue is the offline queue.
type Queue interface {
	Pending(ctx context.Context) ([]offlinequeue.Submission, error)
	Sync(ctx context.Context) (offlinequeue.SyncResult, error)
}

// Reachability is the backend monitor.
type Reachability interface {
	Online() bool
	SetOnline(online bool)
}

// Prefs is the preferences store.
type Prefs interface {
	Load(ctx context.Context) (prefs.Snapshot, error)
	SetStationPosition(ctx context.Context, pos string) error
	SetDistanceFilter(ctx context.Context, metres int) error
}

// FeedMode reports which realtime channel is active.
type FeedMode interface {
	Mode() realtime.Mode
	PushStatus() realtime.Status
}

// Deps are the components behind the console. Scanner is required.
type Deps struct {
	Station      string
	Store        string
	Scanner      Scanner
	Queue        Queue
	Feed         *realtime.Log
	Visibility   *realtime.VisibilityFlag
	Reachability Reachability
	Prefs        Prefs
	FeedMode     FeedMode
	Hub          *Hub
	Logger       *slog.Logger
}

// Server serves the console.
type Server struct {
	deps Deps
}

// New returns a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Server{deps: deps}
}

// Status is the console's view of the station.
type Status struct {
	Station    string           `json:"station"`
	Store      string           `json:"store"`
	Scanner    scanner.Snapshot `json:"scanner"`
	Online     bool             `json:"online"`
	FeedMode   realtime.Mode    `json:"feed_mode,omitempty"`
	PushStatus realtime.Status  `json:"push_status,omitempty"`
	Pending    int              `json:"pending"`
}

// ActivityRequest asks for the newest feed entries.
type ActivityRequest struct {
	Limit int `json:"limit"`
}

// QueueStatus lists the offline submissions.
type QueueStatus struct {
	Count       int                       `json:"count"`
	Submissions []offlinequeue.Submission `json:"submissions"`
}

func (s *Server) status(ctx context.Context, _ any) (any, error) {
	st := Status{
		Station: s.deps.Station,
		Store:   s.deps.Store,
		Scanner: s.deps.Scanner.Snapshot(),
		Online:  true,
	}
	if s.deps.Reachability != nil {
		st.Online = s.deps.Reachability.Online()
	}
	if s.deps.FeedMode != nil {
		st.FeedMode = s.deps.FeedMode.Mode()
		st.PushStatus = s.deps.FeedMode.PushStatus()
	}
	if s.deps.Queue != nil {
		pending, err := s.deps.Queue.Pending(ctx)
		if err != nil {
			return nil, err
		}
		st.Pending = len(pending)
	}
	return &st, nil
}

func (s *Server) activity(_ context.Context, req any) (any, error) {
	if s.deps.Feed == nil {
		return []realtime.Entry{}, nil
	}
	limit := 0
	if r, ok := req.(*ActivityRequest); ok && r != nil {
		limit = r.Limit
	}
	entries := s.deps.Feed.Entries()
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []realtime.Entry{}
	}
	return entries, nil
}

func (s *Server) queue(ctx context.Context, _ any) (any, error) {
	qs := QueueStatus{Submissions: []offlinequeue.Submission{}}
	if s.deps.Queue == nil {
		return &qs, nil
	}
	pending, err := s.deps.Queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		qs.Submissions = pending
	}
	qs.Count = len(pending)
	return &qs, nil
}

// Router returns the console's HTTP handler. mcpSrv may be nil.
func (s *Server) Router(mcpSrv *mcp.Server) http.Handler {
	r := chi.NewRouter()
	for _, mw := range Stack(s.deps.Logger, s.deps.Station) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleEndpoint(s.status))
		r.Get("/activity", s.handleEndpoint(s.activity))
		r.Get("/queue", s.handleEndpoint(s.queue))

		r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
			if err := s.deps.Scanner.Start(r.Context()); err != nil {
				writeJSON(w, http.StatusConflict, map[string]any{
					"error": err.Error(),
					"state": s.deps.Scanner.Snapshot(),
				})
				return
			}
			writeJSON(w, http.StatusOK, s.deps.Scanner.Snapshot())
		})
		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			s.deps.Scanner.Stop(r.Context())
			writeJSON(w, http.StatusOK, s.deps.Scanner.Snapshot())
		})
		r.Post("/torch", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"torch_on": s.deps.Scanner.ToggleTorch()})
		})
		r.Post("/refocus", func(w http.ResponseWriter, r *http.Request) {
			s.deps.Scanner.Refocus(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
			if s.deps.Queue == nil {
				writeError(w, http.StatusNotFound, errors.New("offline queue disabled"))
				return
			}
			res, err := s.deps.Queue.Sync(r.Context())
			switch {
			case errors.Is(err, offlinequeue.ErrSyncInFlight):
				writeError(w, http.StatusConflict, err)
			case err != nil:
				writeError(w, http.StatusBadGateway, err)
			default:
				writeJSON(w, http.StatusOK, res)
			}
		})

		r.Post("/visibility", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Visible bool `json:"visible"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if s.deps.Visibility != nil {
				s.deps.Visibility.Set(body.Visible)
			}
			writeJSON(w, http.StatusOK, body)
		})

		r.Post("/online", func(w http.ResponseWriter, r *http.Request) {
			body := struct {
				Online bool `json:"online"`
			}{Online: true}
			if r.ContentLength != 0 {
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
			}
			if s.deps.Reachability != nil {
				s.deps.Reachability.SetOnline(body.Online)
			}
			GetLogger(r.Context()).Info("console: connectivity signal", "online", body.Online)
			writeJSON(w, http.StatusOK, body)
		})

		r.Get("/prefs", s.handleGetPrefs)
		r.Put("/prefs", s.handlePutPrefs)
	})

	r.Handle("/ws", websocket.Handler(s.serveWS))

	if mcpSrv != nil {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
		r.Handle("/mcp", h)
		r.Handle("/mcp/*", h)
	}
	return r
}

// handleEndpoint serves a request-less endpoint as GET JSON. ?limit= is
// passed as an ActivityRequest.
func (s *Server) handleEndpoint(ep func(context.Context, any) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &ActivityRequest{Limit: queryInt(r, "limit", 0)}
		resp, err := ep(r.Context(), req)
		if err != nil {
			GetLogger(r.Context()).Error("console: endpoint failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prefs == nil {
		writeError(w, http.StatusNotFound, errors.New("preferences disabled"))
		return
	}
	snap, err := s.deps.Prefs.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePutPrefs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prefs == nil {
		writeError(w, http.StatusNotFound, errors.New("preferences disabled"))
		return
	}
	var body struct {
		StationPosition *string `json:"station_position"`
		DistanceFilter  *int    `json:"distance_filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	if body.StationPosition != nil {
		if err := s.deps.Prefs.SetStationPosition(ctx, *body.StationPosition); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if body.DistanceFilter != nil {
		if err := s.deps.Prefs.SetDistanceFilter(ctx, *body.DistanceFilter); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	s.handleGetPrefs(w, r)
}

// serveWS streams state snapshots, feed updates and notifications until
// the client goes away.
func (s *Server) serveWS(ws *websocket.Conn) {
	defer ws.Close()
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()
	logger := GetLogger(ctx)

	states, stopStates := s.deps.Scanner.Subscribe()
	defer stopStates()
	notes, stopNotes := s.deps.Hub.Subscribe()
	defer stopNotes()
	var feed <-chan realtime.Update
	if s.deps.Feed != nil {
		ch, stopFeed := s.deps.Feed.Subscribe()
		defer stopFeed()
		feed = ch
	}

	// Reader: only used to notice the client closing.
	go func() {
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
		cancel()
	}()

	snap := s.deps.Scanner.Snapshot()
	if err := websocket.JSON.Send(ws, Message{Type: "state", State: &snap}); err != nil {
		return
	}
	for {
		var m Message
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			m = Message{Type: "state", State: &st}
		case u, ok := <-feed:
			if !ok {
				return
			}
			m = Message{Type: "scan", Scan: u}
		case n, ok := <-notes:
			if !ok {
				return
			}
			m = n
		}
		if err := websocket.JSON.Send(ws, m); err != nil {
			logger.Debug("console: ws client gone", "error", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
