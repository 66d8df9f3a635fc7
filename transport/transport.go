// Package transport provides a uniform call abstraction over the three ways
// a cattackle process can be reached: a subprocess speaking line-delimited
// JSON on its pipes, a persistent websocket, or plain request/response HTTP.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Conn is a live connection to one cattackle. Implementations are safe for
// concurrent use; Close is idempotent.
type Conn interface {
	// Call sends one command envelope and waits for the matching response.
	// A response that carries a wire-level error is returned as *AppError.
	Call(ctx context.Context, command string, payload json.RawMessage) (json.RawMessage, error)

	// Ping performs a lightweight round-trip to check the peer is alive.
	Ping(ctx context.Context) error

	Close() error
}

// Descriptor tells Dial how to reach a cattackle.
type Descriptor interface {
	Kind() string
}

// Stdio runs the cattackle as a child process and speaks line-delimited
// JSON over its stdin/stdout.
type Stdio struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (Stdio) Kind() string { return "stdio" }

// WebSocket keeps one persistent connection to a cattackle server.
type WebSocket struct {
	URL     string
	Headers map[string]string
}

func (WebSocket) Kind() string { return "websocket" }

// HTTP posts one envelope per call to a stateless cattackle endpoint.
type HTTP struct {
	URL     string
	Headers map[string]string
}

func (HTTP) Kind() string { return "http" }

// Dial opens a connection for the given descriptor.
func Dial(ctx context.Context, desc Descriptor) (Conn, error) {
	switch d := desc.(type) {
	case Stdio:
		return dialStdio(ctx, d)
	case *Stdio:
		return dialStdio(ctx, *d)
	case WebSocket:
		return dialWebSocket(ctx, d)
	case *WebSocket:
		return dialWebSocket(ctx, *d)
	case HTTP:
		return newHTTPConn(d), nil
	case *HTTP:
		return newHTTPConn(*d), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", desc.Kind())
	}
}
