package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// stdioConn runs a cattackle as a child process and exchanges one JSON
// envelope per line over its stdin/stdout. stderr is drained to the log.
type stdioConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending *pendingCalls

	writeMu sync.Mutex

	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func dialStdio(ctx context.Context, desc Stdio) (Conn, error) {
	if desc.Command == "" {
		return nil, fmt.Errorf("stdio transport: empty command")
	}

	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Dir = desc.Dir
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio transport: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio transport: start %s: %w", desc.Command, err)
	}

	c := &stdioConn{
		cmd:     cmd,
		stdin:   stdin,
		pending: newPendingCalls(),
		done:    make(chan struct{}),
	}

	go c.readLoop(stdout)
	go drainStderr(desc.Command, stderr)

	slog.Debug("stdio transport started", "command", desc.Command, "pid", cmd.Process.Pid)

	// The caller's context bounds the dial, not the process lifetime.
	if err := ctx.Err(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *stdioConn) readLoop(stdout io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp wireResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("stdio transport: unparseable line", "err", err)
			continue
		}
		if resp.Type == typeResponse || resp.Type == typePong {
			c.pending.deliver(resp)
		}
	}
}

func drainStderr(command string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.Debug("cattackle stderr", "command", command, "line", scanner.Text())
	}
}

func (c *stdioConn) Call(ctx context.Context, command string, payload json.RawMessage) (json.RawMessage, error) {
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

func (c *stdioConn) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, wireRequest{Type: typePing, ID: uuid.NewString()})
	return err
}

func (c *stdioConn) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	ch := c.pending.add(req.ID)

	data, err := json.Marshal(req)
	if err != nil {
		c.pending.remove(req.ID)
		return wireResponse{}, err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.remove(req.ID)
		return wireResponse{}, fmt.Errorf("stdio transport: write: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.pending.remove(req.ID)
		return wireResponse{}, ctx.Err()
	case <-c.done:
		c.pending.remove(req.ID)
		return wireResponse{}, fmt.Errorf("stdio transport: process exited")
	}
}

// Close terminates the child process. Safe to call more than once.
func (c *stdioConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.stdin.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
	return nil
}
