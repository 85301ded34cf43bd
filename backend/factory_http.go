package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBody caps what is read from the backend (1 MiB).
const maxResponseBody int64 = 1 << 20

// HTTPFactory builds handlers that POST the JSON payload to the route
// endpoint. client may be nil; timeouts come from the Timeout middleware.
//
//	router.RegisterTransport("http", backend.HTTPFactory(nil))
func HTTPFactory(client *http.Client, headers ...func(*http.Request)) TransportFactory {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return func(service, endpoint string, _ json.RawMessage) (Handler, func(), error) {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return nil, nil, fmt.Errorf("backend/http: %s: endpoint %q is not http(s)", service, endpoint)
		}
		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("backend/http: %s: create request: %w", service, err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			for _, h := range headers {
				h(req)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, &ErrTransport{Service: service, Cause: err}
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
			if err != nil {
				return nil, &ErrTransport{Service: service, Cause: err}
			}
			if int64(len(body)) > maxResponseBody {
				return nil, &ErrTransport{Service: service, Cause: fmt.Errorf("response exceeds %d bytes", maxResponseBody)}
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return body, &ErrStatus{Service: service, StatusCode: resp.StatusCode, Body: string(body)}
			}
			return body, nil
		}
		return handler, client.CloseIdleConnections, nil
	}
}
