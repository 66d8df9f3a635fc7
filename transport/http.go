package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// httpConn posts one envelope per call to a stateless cattackle endpoint.
// There is no connection state; Close is a no-op.
type httpConn struct {
	desc   HTTP
	client *http.Client
}

func newHTTPConn(desc HTTP) *httpConn {
	return &httpConn{
		desc:   desc,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *httpConn) Call(ctx context.Context, command string, payload json.RawMessage) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, wireRequest{
		Type:    typeRequest,
		ID:      uuid.NewString(),
		Command: command,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	return unwrapResponse(resp)
}

func (c *httpConn) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, wireRequest{Type: typePing, ID: uuid.NewString()})
	return err
}

func (c *httpConn) roundTrip(ctx context.Context, wreq wireRequest) (wireResponse, error) {
	body, err := json.Marshal(wreq)
	if err != nil {
		return wireResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.desc.URL, bytes.NewReader(body))
	if err != nil {
		return wireResponse{}, fmt.Errorf("http transport: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.desc.Headers {
		req.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("http transport: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return wireResponse{}, fmt.Errorf("http transport: status %d from %s", httpResp.StatusCode, c.desc.URL)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return wireResponse{}, fmt.Errorf("http transport: read body: %w", err)
	}

	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("http transport: decode response: %w", err)
	}
	return resp, nil
}

func (c *httpConn) Close() error { return nil }
