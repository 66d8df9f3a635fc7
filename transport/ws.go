package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn holds one persistent websocket to a cattackle server. Responses are
// matched to requests by ID off a single read loop.
type wsConn struct {
	conn    *websocket.Conn
	pending *pendingCalls

	writeMu sync.Mutex

	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func dialWebSocket(ctx context.Context, desc WebSocket) (Conn, error) {
	url := desc.URL
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	}

	header := http.Header{}
	for k, v := range desc.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket transport: dial %s: %w", url, err)
	}

	c := &wsConn{
		conn:    conn,
		pending: newPendingCalls(),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	slog.Debug("websocket transport connected", "url", url)
	return c, nil
}

func (c *wsConn) readLoop() {
	defer close(c.done)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			slog.Debug("websocket transport: read loop ended", "err", err)
			return
		}
		var resp wireResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if resp.Type == typeResponse || resp.Type == typePong {
			c.pending.deliver(resp)
		}
	}
}

func (c *wsConn) Call(ctx context.Context, command string, payload json.RawMessage) (json.RawMessage, error) {
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

func (c *wsConn) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, wireRequest{Type: typePing, ID: uuid.NewString()})
	return err
}

func (c *wsConn) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	ch := c.pending.add(req.ID)

	data, err := json.Marshal(req)
	if err != nil {
		c.pending.remove(req.ID)
		return wireResponse{}, err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.remove(req.ID)
		return wireResponse{}, fmt.Errorf("websocket transport: write: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.pending.remove(req.ID)
		return wireResponse{}, ctx.Err()
	case <-c.done:
		c.pending.remove(req.ID)
		return wireResponse{}, fmt.Errorf("websocket transport: connection closed")
	}
}

func (c *wsConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
