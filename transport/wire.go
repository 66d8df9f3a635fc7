package transport

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Wire format shared by the stdio and websocket transports, and reused as
// the HTTP request/response body.
type wireRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Command string          `json:"command,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireResponse struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	typeRequest  = "req"
	typeResponse = "res"
	typePing     = "ping"
	typePong     = "pong"
)

// AppError is a failure reported by the cattackle itself, as opposed to a
// transport failure. Application errors are terminal and must not be retried.
type AppError struct {
	Code    string
	Message string
}

func (e *AppError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("cattackle error: %s", e.Message)
	}
	return fmt.Sprintf("cattackle error %s: %s", e.Code, e.Message)
}

// unwrapResponse turns a wire response into its payload or an *AppError.
func unwrapResponse(resp wireResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, &AppError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if !resp.OK {
		return nil, &AppError{Message: "request rejected"}
	}
	return resp.Payload, nil
}

// pendingCalls correlates in-flight request IDs with their reply channels.
// Shared by the stdio and websocket connections, which both multiplex
// responses off a single read loop.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]chan wireResponse
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan wireResponse)}
}

func (p *pendingCalls) add(id string) chan wireResponse {
	ch := make(chan wireResponse, 1)
	p.mu.Lock()
	p.calls[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// deliver routes a response to its waiting caller. Unmatched responses are
// dropped; the caller may already have timed out and moved on.
func (p *pendingCalls) deliver(resp wireResponse) {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}
