package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Content block types used on the messages wire format.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Stop reasons returned by the backend.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one typed block inside a message. Which fields are set
// depends on Type: text blocks carry Text; tool_use blocks carry ID, Name
// and Input; tool_result blocks carry ToolUseID, Content and IsError; image
// blocks carry Source.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource references image bytes by URL or base64 payload.
type ImageSource struct {
	Type      string `json:"type"` // "url" or "base64"
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result block answering a tool_use block.
func ToolResultBlock(toolUseID, content string, isErr bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isErr}
}

// Message is one conversation turn: a role plus ordered content blocks.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Content {
		if blk.Type == BlockText {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolSchema describes one callable tool exposed to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest is a messages API request.
type ChatRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

// ChatResponse is the parsed messages API response.
type ChatResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Model      string         `json:"model"`
	Usage      TokenUsage     `json:"usage"`
}

// TokenUsage holds token accounting from the API response.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Text concatenates the response's text blocks.
func (r *ChatResponse) Text() string {
	return Message{Content: r.Content}.Text()
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *ChatResponse) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, blk := range r.Content {
		if blk.Type == BlockToolUse {
			uses = append(uses, blk)
		}
	}
	return uses
}

// Backend is the surface the agent loop needs from an LLM provider. The
// HTTP client below implements it; tests inject scripted fakes.
type Backend interface {
	CreateMessage(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ---------- Error Classification ----------

// LLMErrorKind classifies provider errors. The agent surfaces all of them
// the same way (no automatic retry at this layer) but logs them distinctly.
type LLMErrorKind int

const (
	LLMErrorTransient  LLMErrorKind = iota // transient 5xx
	LLMErrorRateLimit                      // 429
	LLMErrorOverloaded                     // 529 or "overloaded" in body
	LLMErrorAuth                           // 401, 403
	LLMErrorContext                        // context window exceeded
	LLMErrorFatal                          // everything else
)

func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorTransient:
		return "transient"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorContext:
		return "context"
	default:
		return "fatal"
	}
}

// apiError captures HTTP status, body and optional Retry-After.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// Kind maps the status and body onto an error class.
func (e *apiError) Kind() LLMErrorKind {
	bodyLower := strings.ToLower(e.body)
	switch {
	case strings.Contains(bodyLower, "context_length_exceeded"),
		strings.Contains(bodyLower, "prompt is too long"):
		return LLMErrorContext
	case e.statusCode == 429:
		return LLMErrorRateLimit
	case e.statusCode == 529 || strings.Contains(bodyLower, "overloaded"):
		return LLMErrorOverloaded
	case e.statusCode == 401 || e.statusCode == 403:
		return LLMErrorAuth
	case e.statusCode >= 500:
		return LLMErrorTransient
	default:
		return LLMErrorFatal
	}
}

// ---------- Client ----------

const defaultAnthropicVersion = "2023-06-01"

// LLMClient talks to an Anthropic-style messages endpoint.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	lastLatency time.Duration
}

// NewLLMClient creates a messages API client from config.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	maxTokens := cfg.API.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &LLMClient{
		baseURL:   baseURL,
		apiKey:    cfg.API.APIKey,
		model:     cfg.API.Model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			// No global timeout; each call carries a context deadline. A
			// client-level timeout would race long tool-heavy completions.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the configured model identifier.
func (c *LLMClient) Model() string { return c.model }

// MaxTokens returns the configured completion budget.
func (c *LLMClient) MaxTokens() int { return c.maxTokens }

// CreateMessage performs one messages API call. It does not retry; the
// caller decides how provider failures surface to the user.
func (c *LLMClient) CreateMessage(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.maxTokens
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", defaultAnthropicVersion)
	httpReq.Header.Set("x-api-key", c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	duration := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: string(respBody)}
		if resp.StatusCode == 429 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		c.logger.Error("API error",
			"model", req.Model,
			"status", resp.StatusCode,
			"kind", apierr.Kind().String(),
			"body", truncate(string(respBody), 500),
		)
		return nil, apierr
	}

	var parsed ChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w (body: %s)", err, truncate(string(respBody), 200))
	}

	c.mu.Lock()
	c.lastLatency = duration
	c.mu.Unlock()

	c.logger.Info("chat completion done",
		"model", parsed.Model,
		"duration_ms", duration.Milliseconds(),
		"input_tokens", parsed.Usage.InputTokens,
		"output_tokens", parsed.Usage.OutputTokens,
		"stop_reason", parsed.StopReason,
	)

	return &parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
