// Package dispatch issues RPC calls to cattackles with per-call timeouts,
// retry with exponential backoff, and a typed error taxonomy. Transport and
// timeout failures are retried here and never escape raw; callers only ever
// see a finished response or a terminal typed error.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meowkov/catmandu/registry"
	"github.com/meowkov/catmandu/transport"
)

const (
	backoffBase = 250 * time.Millisecond
	backoffMax  = 5 * time.Second
)

// Payload is the argument envelope sent to a cattackle command. Text is the
// effective argument; AccumulatedParams carries the flushed per-chat buffer.
type Payload struct {
	Text              string   `json:"text"`
	AccumulatedParams []string `json:"accumulated_params"`
	Username          string   `json:"username,omitempty"`
	ChatID            int64    `json:"chat_id"`
}

// Response is the structured result a cattackle returns.
type Response struct {
	Data  string `json:"data"`
	Error string `json:"error,omitempty"`
}

// Sessions is the slice of the session manager the client needs.
type Sessions interface {
	Get(ctx context.Context, manifest *registry.Manifest) (transport.Conn, error)
	Invalidate(name string)
}

// Client is the RPC client manager.
type Client struct {
	sessions Sessions

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(sessions Sessions) *Client {
	return &Client{sessions: sessions, sleep: sleepCtx}
}

// Call executes one command with the manifest's call policy: a per-attempt
// timeout and up to MaxRetries retries with exponential backoff. Timeout
// and transport errors are retried after invalidating the session so the
// next attempt re-validates or recreates it. Application errors are
// terminal and returned immediately.
func (c *Client) Call(ctx context.Context, manifest *registry.Manifest, command string, payload Payload) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	backoff := Backoff{Base: backoffBase, Max: backoffMax}
	attempts := manifest.Policy.MaxRetries + 1

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoff.Next()); err != nil {
				lastErr = err
				break
			}
		}
		made = attempt

		resp, err := c.attempt(ctx, manifest, command, body)
		if err == nil {
			return resp, nil
		}

		var appErr *ApplicationError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		lastErr = err
		c.sessions.Invalidate(manifest.Name)
		slog.Warn("cattackle call failed, will retry",
			"cattackle", manifest.Name, "command", command,
			"attempt", attempt, "max_attempts", attempts, "err", err)
	}

	return nil, &ExecutionError{
		Cattackle: manifest.Name,
		Command:   command,
		Attempts:  made,
		Cause:     lastErr,
	}
}

func (c *Client) attempt(ctx context.Context, manifest *registry.Manifest, command string, body json.RawMessage) (*Response, error) {
	conn, err := c.sessions.Get(ctx, manifest)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, manifest.Policy.Timeout)
	defer cancel()

	raw, err := conn.Call(callCtx, command, body)
	if err != nil {
		var appErr *transport.AppError
		if errors.As(err, &appErr) {
			return nil, &ApplicationError{
				Cattackle: manifest.Name,
				Command:   command,
				Message:   appErr.Message,
			}
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{
				Cattackle: manifest.Name,
				Command:   command,
				Timeout:   manifest.Policy.Timeout,
			}
		}
		return nil, err
	}

	var resp Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			// A malformed result is the cattackle's fault, not the
			// transport's. Not retried.
			return nil, &ApplicationError{
				Cattackle: manifest.Name,
				Command:   command,
				Message:   fmt.Sprintf("invalid response payload: %v", err),
			}
		}
	}
	if resp.Error != "" {
		return nil, &ApplicationError{
			Cattackle: manifest.Name,
			Command:   command,
			Message:   resp.Error,
		}
	}
	return &resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
