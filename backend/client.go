package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/pointscan/config"
)

// Caller is what Client needs from a Router.
type Caller interface {
	Call(ctx context.Context, service string, payload []byte) ([]byte, error)
}

// Geo is a WGS84 position.
type Geo struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// SubmitRequest is the scan.submit payload.
type SubmitRequest struct {
	Code            string `json:"code"`
	StoreContext    string `json:"store_context"`
	StationIdentity string `json:"station_identity"`
	Geolocation     *Geo   `json:"geolocation,omitempty"`
}

// SubmitResponse is the scan.submit answer. ErrorCode is the structured
// rejection reason when the backend provides one.
type SubmitResponse struct {
	Success        bool   `json:"success"`
	Points         int    `json:"points,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
	CustomerAvatar string `json:"customer_avatar,omitempty"`
	ScanID         string `json:"scan_id,omitempty"`
	Message        string `json:"message,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// BulkSubmission is one queued scan replayed through scan.bulk.
type BulkSubmission struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	QueuedAtMs int64  `json:"queued_at"`
}

// BulkRequest is the scan.bulk payload.
type BulkRequest struct {
	StoreContext    string           `json:"store_context"`
	StationIdentity string           `json:"station_identity"`
	Submissions     []BulkSubmission `json:"submissions"`
}

// BulkResponse lists the ids the backend committed.
type BulkResponse struct {
	Committed []string `json:"committed"`
}

// AuthorizeRequest is the device.authorize payload.
type AuthorizeRequest struct {
	Fingerprint     string `json:"fingerprint"`
	StationIdentity string `json:"station_identity"`
	StoreContext    string `json:"store_context"`
}

// Geofence is a circle the station must be inside.
type Geofence struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
}

// AuthorizeResponse is the device.authorize answer.
type AuthorizeResponse struct {
	Allowed  bool      `json:"allowed"`
	Reason   string    `json:"reason,omitempty"`
	Geofence *Geofence `json:"geofence,omitempty"`
}

// RecentRequest is the activity.recent payload.
type RecentRequest struct {
	StoreContext string `json:"store_context"`
	Limit        int    `json:"limit"`
}

// ActivityScan is one scan as the backend reports it, in activity.recent
// answers and in push events.
type ActivityScan struct {
	ScanID         string `json:"scan_id"`
	Success        bool   `json:"success"`
	Points         int    `json:"points,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
	CustomerAvatar string `json:"customer_avatar,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	StationID      string `json:"station_id,omitempty"`
	ScannedAtMs    int64  `json:"scanned_at,omitempty"`
}

// RecentResponse lists scans newest first.
type RecentResponse struct {
	Scans []ActivityScan `json:"scans"`
}

// Client is the typed face of the backend services.
type Client struct {
	caller Caller
}

// NewClient wraps a Router (or any Caller).
func NewClient(c Caller) *Client {
	return &Client{caller: c}
}

// Submit sends one scan.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.call(ctx, config.ServiceSubmit, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkSync replays queued scans.
func (c *Client) BulkSync(ctx context.Context, req BulkRequest) (*BulkResponse, error) {
	var out BulkResponse
	if err := c.call(ctx, config.ServiceBulk, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Authorize asks whether this device may scan for the store.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error) {
	var out AuthorizeResponse
	if err := c.call(ctx, config.ServiceAuthorize, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recent fetches the store's latest activity.
func (c *Client) Recent(ctx context.Context, req RecentRequest) (*RecentResponse, error) {
	var out RecentResponse
	if err := c.call(ctx, config.ServiceRecent, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call marshals in, dispatches and decodes into out. A 4xx whose body
// decodes is a business answer, not an error. An empty body (noop route)
// leaves out at its zero value.
func (c *Client) call(ctx context.Context, service string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: %s: marshal request: %w", service, err)
	}
	body, err := c.caller.Call(ctx, service, payload)
	if err != nil {
		var st *ErrStatus
		if errors.As(err, &st) && !IsTransport(err) && st.Body != "" {
			if json.Unmarshal([]byte(st.Body), out) == nil {
				return nil
			}
		}
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ErrTransport{Service: service, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
