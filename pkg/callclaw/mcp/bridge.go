package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"log/slog"
)

// MaxToolOutputChars caps tool output forwarded to the model.
const MaxToolOutputChars = 8000

// ToolInfo describes one tool exposed by an MCP server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Bridge manages the pool of MCP server workers. Workers spawn lazily on
// first use and respawn on the next call after dying.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker

	// spawnLocks serialize spawning per server name so concurrent demand
	// produces exactly one process.
	spawnLocks map[string]*sync.Mutex
}

// NewBridge creates a bridge for the configured servers.
func NewBridge(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		logger:     logger.With("component", "mcp"),
		workers:    make(map[string]*Worker),
		spawnLocks: make(map[string]*sync.Mutex),
	}
}

// Servers returns the configured server names, sorted.
func (b *Bridge) Servers() []string {
	names := make([]string, 0, len(b.cfg))
	for name := range b.cfg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// worker returns a live worker for the server, spawning one if needed.
func (b *Bridge) worker(ctx context.Context, server string) (*Worker, error) {
	cfg, ok := b.cfg[server]
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", server)
	}

	b.mu.Lock()
	lock, ok := b.spawnLocks[server]
	if !ok {
		lock = &sync.Mutex{}
		b.spawnLocks[server] = lock
	}
	b.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	w := b.workers[server]
	b.mu.Unlock()

	if w != nil && w.Alive() {
		return w, nil
	}

	w, err := spawnWorker(ctx, server, cfg, b.logger)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.workers[server] = w
	b.mu.Unlock()

	return w, nil
}

// ListTools asks a server for its tool catalog.
func (b *Bridge) ListTools(ctx context.Context, server string) ([]ToolInfo, error) {
	w, err := b.worker(ctx, server)
	if err != nil {
		return nil, err
	}

	result, err := w.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: tools/list on %q: %w", server, err)
	}

	var parsed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp: parsing tools/list result: %w", err)
	}
	return parsed.Tools, nil
}

// CallTool invokes a tool on a server and returns its text output,
// truncated to MaxToolOutputChars.
func (b *Bridge) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	w, err := b.worker(ctx, server)
	if err != nil {
		return "", err
	}

	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}
	result, err := w.Call(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("mcp: tools/call %s on %q: %w", tool, server, err)
	}

	text, isError, err := extractCallResult(result)
	if err != nil {
		return "", err
	}
	if isError {
		return "", fmt.Errorf("mcp: tool %s failed: %s", tool, text)
	}
	return text, nil
}

// Close shuts down all workers.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, w := range b.workers {
		w.Close()
		delete(b.workers, name)
	}
}

// extractCallResult concatenates the text blocks of a tools/call result,
// truncating long output.
func extractCallResult(result json.RawMessage) (string, bool, error) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
		IsError bool `json:"isError,omitempty"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", false, fmt.Errorf("mcp: parsing tools/call result: %w", err)
	}

	var out string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	if len(out) > MaxToolOutputChars {
		out = out[:MaxToolOutputChars] + "\n[output truncated]"
	}
	return out, parsed.IsError, nil
}
