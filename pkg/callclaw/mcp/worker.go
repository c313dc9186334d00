package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"log/slog"
)

// protocolVersion is the MCP protocol revision spoken by the bridge.
const protocolVersion = "2024-11-05"

// ErrWorkerDead indicates the server process is gone; the next call
// through the bridge respawns it.
var ErrWorkerDead = fmt.Errorf("mcp: worker process is dead")

// jsonRPCRequest is a JSON-RPC 2.0 request or notification (no ID).
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCResponse is a JSON-RPC 2.0 response. Messages without an ID are
// notifications from the server and are not matched to a waiter.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("mcp: server error %d: %s", e.Code, e.Message)
}

// Worker owns one MCP server process. Requests are written one per line
// under a write mutex; a single reader goroutine demultiplexes responses
// to waiting callers by request id, so out-of-order responses are fine.
type Worker struct {
	name   string
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu serializes frame writes so they never interleave.
	writeMu sync.Mutex

	nextID atomic.Int64

	// mu guards waiters and the dead flag.
	mu      sync.Mutex
	waiters map[int64]chan *jsonRPCResponse
	dead    bool
	exitErr error
}

// newWorker wires a worker over explicit pipes. spawnWorker uses the
// process pipes; tests use in-memory ones.
func newWorker(name string, stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		name:    name,
		logger:  logger.With("component", "mcp", "server", name),
		stdin:   stdin,
		waiters: make(map[int64]chan *jsonRPCResponse),
	}
	go w.readLoop(bufio.NewReader(stdout))
	return w
}

// spawnWorker starts the server process and completes the MCP handshake.
func spawnWorker(ctx context.Context, name string, cfg ServerConfig, logger *slog.Logger) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp: server %q has no command", name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	cmd.Stderr = &stderrLogger{logger: logger, server: name}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: starting %q: %w", cfg.Command, err)
	}

	w := newWorker(name, stdin, stdout, logger)
	w.cmd = cmd

	// Reap the process; a crash fails all in-flight calls.
	go func() {
		err := cmd.Wait()
		w.markDead(fmt.Errorf("mcp: server %q exited: %v", name, err))
	}()

	w.logger.Info("mcp: server started", "command", cfg.Command, "pid", cmd.Process.Pid)

	if err := w.initialize(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("mcp: initializing %q: %w", name, err)
	}

	return w, nil
}

// initialize performs the MCP handshake.
func (w *Worker) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "callclaw",
			"version": "1.0",
		},
	}

	result, err := w.Call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var info struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return fmt.Errorf("parsing initialize result: %w", err)
	}
	w.logger.Debug("mcp: initialized",
		"server_name", info.ServerInfo.Name,
		"server_version", info.ServerInfo.Version,
		"protocol", info.ProtocolVersion)

	return w.notify("notifications/initialized", nil)
}

// Call sends a request and waits for the matching response. The context
// bounds the wait; on timeout the worker is marked dead since the stream
// position can no longer be trusted.
func (w *Worker) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := w.nextID.Add(1)

	ch := make(chan *jsonRPCResponse, 1)
	w.mu.Lock()
	if w.dead {
		err := w.exitErr
		w.mu.Unlock()
		if err == nil {
			err = ErrWorkerDead
		}
		return nil, err
	}
	w.waiters[id] = ch
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.waiters, id)
		w.mu.Unlock()
	}()

	if err := w.writeFrame(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			w.mu.Lock()
			err := w.exitErr
			w.mu.Unlock()
			if err == nil {
				err = ErrWorkerDead
			}
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		w.markDead(fmt.Errorf("mcp: call %s timed out: %w", method, ctx.Err()))
		return nil, fmt.Errorf("mcp: call %s: %w", method, ctx.Err())
	}
}

// notify sends a notification (no response expected).
func (w *Worker) notify(method string, params any) error {
	return w.writeFrame(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// writeFrame writes one newline-delimited JSON-RPC frame.
func (w *Worker) writeFrame(req jsonRPCRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// readLoop reads frames from the server and routes them to waiters.
// It accepts newline-delimited JSON, tolerates Content-Length framed
// messages, and skips junk lines.
func (w *Worker) readLoop(reader *bufio.Reader) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			w.markDead(fmt.Errorf("mcp: server %q stream closed: %v", w.name, err))
			return
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		// Some servers use LSP-style Content-Length framing.
		if strings.HasPrefix(trimmed, "Content-Length:") {
			body, err := readFramedBody(reader, trimmed)
			if err != nil {
				w.markDead(fmt.Errorf("mcp: server %q bad frame: %v", w.name, err))
				return
			}
			w.dispatch(body)
			continue
		}

		w.dispatch([]byte(trimmed))
	}
}

// readFramedBody consumes the rest of a Content-Length framed message.
func readFramedBody(reader *bufio.Reader, lengthLine string) ([]byte, error) {
	size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(lengthLine, "Content-Length:")))
	if err != nil {
		return nil, fmt.Errorf("parsing Content-Length: %w", err)
	}

	// Skip remaining headers up to the blank line.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// dispatch routes one decoded frame to its waiter.
func (w *Worker) dispatch(data []byte) {
	var resp jsonRPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		w.logger.Debug("mcp: skipping undecodable line", "line", string(data))
		return
	}

	if resp.ID == nil {
		// Server notification; nothing waits on these.
		w.logger.Debug("mcp: server notification", "method", resp.Method)
		return
	}

	// The send happens under the lock so it cannot race markDead failing
	// the same waiter. Each waiter channel is buffered and receives at most
	// one value (it leaves the map here), so the send never blocks.
	w.mu.Lock()
	ch, ok := w.waiters[*resp.ID]
	if ok {
		delete(w.waiters, *resp.ID)
		ch <- &resp
	}
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("mcp: response for unknown id", "id", *resp.ID)
	}
}

// markDead flips the worker to dead and fails all in-flight calls. Waiters
// get a nil response rather than a channel close: dispatch and markDead
// both send under w.mu, and a channel only gets one send because the first
// sender removes it from the map, so nothing can hit a closed channel.
func (w *Worker) markDead(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return
	}
	w.dead = true
	w.exitErr = err

	for id, ch := range w.waiters {
		ch <- nil
		delete(w.waiters, id)
	}

	w.logger.Warn("mcp: worker dead", "error", err)
}

// Alive reports whether the worker can still serve calls.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

// Close terminates the server process.
func (w *Worker) Close() {
	w.markDead(fmt.Errorf("mcp: server %q closed", w.name))
	if w.stdin != nil {
		w.stdin.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
}

// stderrLogger forwards server stderr output to the log.
type stderrLogger struct {
	logger *slog.Logger
	server string
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	if s.logger != nil {
		s.logger.Debug("mcp: server stderr", "server", s.server,
			"output", strings.TrimSpace(string(p)))
	}
	return len(p), nil
}
