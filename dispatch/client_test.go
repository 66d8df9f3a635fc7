package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meowkov/catmandu/registry"
	"github.com/meowkov/catmandu/transport"
)

type scriptedConn struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, command string, payload json.RawMessage) (json.RawMessage, error)
}

func (c *scriptedConn) Call(ctx context.Context, command string, payload json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return c.fn(n, command, payload)
}

func (c *scriptedConn) Ping(ctx context.Context) error { return nil }
func (c *scriptedConn) Close() error                   { return nil }

type fakeSessions struct {
	conn        transport.Conn
	getErr      error
	invalidated int
}

func (s *fakeSessions) Get(ctx context.Context, manifest *registry.Manifest) (transport.Conn, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.conn, nil
}

func (s *fakeSessions) Invalidate(name string) { s.invalidated++ }

func testManifest(retries int) *registry.Manifest {
	return &registry.Manifest{
		Name:      "echo",
		Version:   "1.0.0",
		Commands:  map[string]registry.CommandSpec{"echo": {}},
		Transport: transport.HTTP{URL: "http://localhost:0"},
		Policy:    registry.Policy{Timeout: 100 * time.Millisecond, MaxRetries: retries},
	}
}

func newTestClient(sessions Sessions) (*Client, *[]time.Duration) {
	c := NewClient(sessions)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestCallSuccess(t *testing.T) {
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"data":"meow"}`), nil
	}}
	client, _ := newTestClient(&fakeSessions{conn: conn})

	resp, err := client.Call(context.Background(), testManifest(3), "echo", Payload{Text: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Data != "meow" {
		t.Errorf("data = %q, want meow", resp.Data)
	}
	if conn.calls != 1 {
		t.Errorf("calls = %d, want 1", conn.calls)
	}
}

func TestRetriesExhaustedOnTimeout(t *testing.T) {
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	}}
	sessions := &fakeSessions{conn: conn}
	client, slept := newTestClient(sessions)

	const maxRetries = 3
	_, err := client.Call(context.Background(), testManifest(maxRetries), "echo", Payload{})

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Call = %v, want *ExecutionError", err)
	}
	if conn.calls != maxRetries+1 {
		t.Errorf("attempts = %d, want %d (initial + %d retries)", conn.calls, maxRetries+1, maxRetries)
	}
	if execErr.Attempts != maxRetries+1 {
		t.Errorf("ExecutionError.Attempts = %d, want %d", execErr.Attempts, maxRetries+1)
	}
	var timeoutErr *TimeoutError
	if !errors.As(execErr.Cause, &timeoutErr) {
		t.Errorf("cause = %v, want *TimeoutError", execErr.Cause)
	}
	if len(*slept) != maxRetries {
		t.Errorf("backoff sleeps = %d, want %d", len(*slept), maxRetries)
	}
	if sessions.invalidated != maxRetries+1 {
		t.Errorf("invalidations = %d, want one per failed attempt", sessions.invalidated)
	}
}

func TestBackoffDelaysGrow(t *testing.T) {
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("broken pipe")
	}}
	client, slept := newTestClient(&fakeSessions{conn: conn})

	client.Call(context.Background(), testManifest(3), "echo", Payload{})

	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep %d = %s, want %s", i, (*slept)[i], want[i])
		}
	}
}

func TestApplicationErrorNotRetried(t *testing.T) {
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, &transport.AppError{Code: "BAD_INPUT", Message: "invalid argument"}
	}}
	sessions := &fakeSessions{conn: conn}
	client, _ := newTestClient(sessions)

	_, err := client.Call(context.Background(), testManifest(3), "echo", Payload{})
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Call = %v, want *ApplicationError", err)
	}
	if conn.calls != 1 {
		t.Errorf("attempts = %d, want 1 (application errors are terminal)", conn.calls)
	}
	if sessions.invalidated != 0 {
		t.Errorf("invalidations = %d, want 0", sessions.invalidated)
	}
}

func TestErrorFieldIsApplicationError(t *testing.T) {
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"data":"","error":"no such page"}`), nil
	}}
	client, _ := newTestClient(&fakeSessions{conn: conn})

	_, err := client.Call(context.Background(), testManifest(3), "echo", Payload{})
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Call = %v, want *ApplicationError", err)
	}
	if appErr.Message != "no such page" {
		t.Errorf("message = %q", appErr.Message)
	}
	if conn.calls != 1 {
		t.Errorf("attempts = %d, want 1", conn.calls)
	}
}

func TestMalformedPayloadNotRetried(t *testing.T) {
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`not json`), nil
	}}
	client, _ := newTestClient(&fakeSessions{conn: conn})

	_, err := client.Call(context.Background(), testManifest(3), "echo", Payload{})
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Call = %v, want *ApplicationError", err)
	}
	if conn.calls != 1 {
		t.Errorf("attempts = %d, want 1", conn.calls)
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		if call == 1 {
			return nil, errors.New("broken pipe")
		}
		return json.RawMessage(`{"data":"recovered"}`), nil
	}}
	client, _ := newTestClient(&fakeSessions{conn: conn})

	resp, err := client.Call(context.Background(), testManifest(3), "echo", Payload{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Data != "recovered" {
		t.Errorf("data = %q", resp.Data)
	}
	if conn.calls != 2 {
		t.Errorf("attempts = %d, want 2", conn.calls)
	}
}

func TestPayloadReachesConn(t *testing.T) {
	var got Payload
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatal(err)
		}
		return json.RawMessage(`{"data":"ok"}`), nil
	}}
	client, _ := newTestClient(&fakeSessions{conn: conn})

	sent := Payload{Text: "hello", AccumulatedParams: []string{"a", "b"}, Username: "kov", ChatID: 42}
	if _, err := client.Call(context.Background(), testManifest(0), "echo", sent); err != nil {
		t.Fatal(err)
	}
	if got.Text != sent.Text || got.ChatID != sent.ChatID || got.Username != sent.Username {
		t.Errorf("payload = %+v, want %+v", got, sent)
	}
	if len(got.AccumulatedParams) != 2 {
		t.Errorf("accumulated params = %v", got.AccumulatedParams)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &scriptedConn{fn: func(call int, command string, payload json.RawMessage) (json.RawMessage, error) {
		cancel()
		return nil, context.Canceled
	}}
	client, _ := newTestClient(&fakeSessions{conn: conn})

	_, err := client.Call(ctx, testManifest(5), "echo", Payload{})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Call = %v, want *ExecutionError", err)
	}
	if conn.calls != 1 {
		t.Errorf("attempts = %d, want 1 after cancellation", conn.calls)
	}
}
