package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody caps the response read from a remote snapwatch (10 MiB).
const maxResponseBody int64 = 10 << 20

// HTTPCaller posts envelopes to a remote snapwatch message endpoint, e.g.
// http://127.0.0.1:8787/api/pages/{pageID}/message.
type HTTPCaller struct {
	Endpoint string
	Username string
	Password string
	Client   *http.Client
}

// NewHTTPCaller returns a caller with a 30s client timeout.
func NewHTTPCaller(endpoint string) *HTTPCaller {
	return &HTTPCaller{Endpoint: endpoint, Client: &http.Client{Timeout: 30 * time.Second}}
}

// Call sends {"action": verb, ...payload} and returns the response body.
// Failures carried in the body are returned as errors.
func (h *HTTPCaller) Call(ctx context.Context, verb string, payload []byte) ([]byte, error) {
	body, err := withAction(verb, payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("protocol/http: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Username != "" {
		req.SetBasicAuth(h.Username, h.Password)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("protocol/http: do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("protocol/http: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("protocol/http: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := ResponseError(verb, data); err != nil {
		return nil, err
	}
	return data, nil
}

func withAction(verb string, payload []byte) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(payload)) > 0 && !bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("protocol/http: payload must be a JSON object: %w", err)
		}
	}
	action, _ := json.Marshal(verb)
	fields["action"] = action
	return json.Marshal(fields)
}
