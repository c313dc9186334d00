// tool_executor.go manages the registry of callable tools and dispatches
// tool_use blocks from the model to their handlers.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultToolTimeout is the maximum time a single tool execution can take.
const DefaultToolTimeout = 30 * time.Second

// HardMaxToolResultChars caps a single tool result fed back to the model.
const HardMaxToolResultChars = 100_000

// ctxKeySessionID passes the owning session ID through the context chain so
// handlers stay goroutine-safe.
type ctxKeySessionID struct{}

// ctxKeyChannelKind passes the originating channel kind to handlers.
type ctxKeyChannelKind struct{}

// ContextWithSession returns a context carrying the session ID.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID{}, sessionID)
}

// SessionIDFromContext extracts the session ID, or "" if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySessionID{}).(string); ok {
		return v
	}
	return ""
}

// ContextWithChannelKind returns a context carrying the channel kind.
func ContextWithChannelKind(ctx context.Context, kind ChannelKind) context.Context {
	return context.WithValue(ctx, ctxKeyChannelKind{}, kind)
}

// ChannelKindFromContext extracts the channel kind, defaulting to text.
func ChannelKindFromContext(ctx context.Context) ChannelKind {
	if v, ok := ctx.Value(ctxKeyChannelKind{}).(ChannelKind); ok {
		return v
	}
	return KindText
}

// Permission is the static execution class of a registered tool.
type Permission int

const (
	// PermReadOnly tools never modify state and run on any channel.
	PermReadOnly Permission = iota
	// PermDestructive tools always need approval on text and are refused
	// on voice.
	PermDestructive
	// PermDynamic tools decide per call: the shell tool classifies its
	// command before running.
	PermDynamic
)

// ToolHandlerFunc executes one tool call with parsed arguments.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// ToolDescriptor bundles a tool schema with its permission and handler.
type ToolDescriptor struct {
	Schema     ToolSchema
	Permission Permission
	// VoiceOK marks the tool as usable during a voice call. Destructive
	// tools are never VoiceOK; dynamic tools enforce read-only at call time.
	VoiceOK bool
	Handler ToolHandlerFunc
}

// ToolResult holds the outcome of a single tool execution, ready to be
// folded into a tool_result block.
type ToolResult struct {
	ToolUseID string
	Name      string
	Content   string
	IsError   bool
}

// ToolExecutor holds the registry and runs batches of tool calls.
type ToolExecutor struct {
	tools map[string]*ToolDescriptor
	order []string

	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger

	// schema caches per channel kind, invalidated on Register.
	schemaCache map[ChannelKind][]ToolSchema

	mu sync.RWMutex
}

// NewToolExecutor creates an empty tool executor.
func NewToolExecutor(logger *slog.Logger) *ToolExecutor {
	return &ToolExecutor{
		tools:       make(map[string]*ToolDescriptor),
		order:       nil,
		timeout:     DefaultToolTimeout,
		maxParallel: 4,
		logger:      logger.With("component", "tool_executor"),
		schemaCache: make(map[ChannelKind][]ToolSchema),
	}
}

// SetTimeout overrides the per-tool execution timeout.
func (e *ToolExecutor) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.timeout = d
	}
}

// Register adds a tool. Registering an existing name overwrites it.
func (e *ToolExecutor) Register(desc ToolDescriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := desc.Schema.Name
	if _, exists := e.tools[name]; !exists {
		e.order = append(e.order, name)
	}
	e.tools[name] = &desc
	e.schemaCache = make(map[ChannelKind][]ToolSchema)

	e.logger.Debug("tool registered", "name", name, "permission", desc.Permission)
}

// Get returns the descriptor for a tool, or nil.
func (e *ToolExecutor) Get(name string) *ToolDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[name]
}

// Has reports whether a tool is registered.
func (e *ToolExecutor) Has(name string) bool {
	return e.Get(name) != nil
}

// Allowed reports whether a tool may be offered on the given channel.
func (e *ToolExecutor) Allowed(name string, kind ChannelKind) bool {
	desc := e.Get(name)
	if desc == nil {
		return false
	}
	if kind == KindVoice {
		return desc.VoiceOK
	}
	return true
}

// Schemas returns the tool schemas exposed to the model on a channel, in
// registration order. Voice sessions only see voice-capable tools.
func (e *ToolExecutor) Schemas(kind ChannelKind) []ToolSchema {
	e.mu.RLock()
	if cached, ok := e.schemaCache[kind]; ok {
		e.mu.RUnlock()
		return cached
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.schemaCache[kind]; ok {
		return cached
	}

	schemas := make([]ToolSchema, 0, len(e.order))
	for _, name := range e.order {
		desc := e.tools[name]
		if kind == KindVoice && !desc.VoiceOK {
			continue
		}
		schemas = append(schemas, desc.Schema)
	}
	e.schemaCache[kind] = schemas
	return schemas
}

// Execute runs a batch of tool_use blocks and returns results in the same
// order. Independent calls run concurrently up to maxParallel; a batch that
// contains the shell or a destructive tool runs sequentially.
func (e *ToolExecutor) Execute(ctx context.Context, calls []ContentBlock) []ToolResult {
	if len(calls) <= 1 || e.hasSerialTool(calls) {
		results := make([]ToolResult, len(calls))
		for i, call := range calls {
			results[i] = e.ExecuteSingle(ctx, call)
		}
		return results
	}

	results := make([]ToolResult, len(calls))
	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, blk ContentBlock) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.ExecuteSingle(ctx, blk)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *ToolExecutor) hasSerialTool(calls []ContentBlock) bool {
	for _, c := range calls {
		desc := e.Get(c.Name)
		if desc != nil && desc.Permission != PermReadOnly {
			return true
		}
	}
	return false
}

// ExecuteSingle runs one tool_use block with the per-tool timeout. Handler
// errors become error results, never panics or dropped calls.
func (e *ToolExecutor) ExecuteSingle(ctx context.Context, call ContentBlock) ToolResult {
	result := ToolResult{ToolUseID: call.ID, Name: call.Name}

	desc := e.Get(call.Name)
	if desc == nil {
		result.Content = fmt.Sprintf("Tool %q is not available.", call.Name)
		result.IsError = true
		e.logger.Warn("unknown tool called", "name", call.Name)
		return result
	}

	args, err := parseToolArgs(call.Input)
	if err != nil {
		result.Content = fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err)
		result.IsError = true
		e.logger.Warn("tool argument parse error", "name", call.Name, "error", err)
		return result
	}

	e.mu.RLock()
	timeout := e.timeout
	e.mu.RUnlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := desc.Handler(execCtx, args)
	if err != nil {
		result.Content = fmt.Sprintf("Error executing %s: %v", call.Name, err)
		result.IsError = true
		e.logger.Warn("tool execution failed",
			"name", call.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return result
	}

	result.Content = truncate(formatToolOutput(output), HardMaxToolResultChars)
	e.logger.Info("tool executed",
		"name", call.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"output_len", len(result.Content),
	)
	return result
}

// parseToolArgs decodes the tool_use input object. A missing or empty input
// yields an empty map.
func parseToolArgs(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// formatToolOutput renders a handler's return value as text for the model.
func formatToolOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
