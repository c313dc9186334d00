// tools_builtin.go registers the built-in tools that are always available
// to the agent: shell execution, file I/O and web search.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// MaxBashOutputChars caps shell output fed back to the model.
	MaxBashOutputChars = 10_000
	// MaxFileReadChars caps read_file output.
	MaxFileReadChars = 10_000
	// DefaultBashTimeout bounds one shell command.
	DefaultBashTimeout = 30 * time.Second
)

func mustSchema(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// RegisterBuiltinTools registers the core tool set on the executor.
func RegisterBuiltinTools(executor *ToolExecutor) {
	registerBashTool(executor)
	registerFileTools(executor)
	registerWebSearchTool(executor)
}

func registerBashTool(executor *ToolExecutor) {
	executor.Register(ToolDescriptor{
		Schema: ToolSchema{
			Name:        "execute_bash",
			Description: "Execute a bash command on the host machine and return its output. Read-only commands run immediately; anything that modifies state needs user approval first.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Bash command to execute",
					},
				},
				"required": []string{"command"},
			}),
		},
		Permission: PermDynamic,
		VoiceOK:    true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			cmdCtx, cancel := context.WithTimeout(ctx, DefaultBashTimeout)
			defer cancel()

			cmd := exec.CommandContext(cmdCtx, "bash", "-c", command)
			// New process group so the timeout kills background children too.
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			cmd.Cancel = func() error {
				return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}

			out, err := cmd.CombinedOutput()
			output := strings.TrimRight(string(out), "\n ")
			if len(output) > MaxBashOutputChars {
				output = output[:MaxBashOutputChars] + "\n... [truncated, output too long]"
			}

			if err != nil {
				if cmdCtx.Err() != nil {
					return fmt.Sprintf("Command timed out after %v.\n\nPartial output:\n%s", DefaultBashTimeout, output), nil
				}
				exitCode := -1
				if exitErr, ok := err.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				}
				return fmt.Sprintf("Exit code: %d\n%s", exitCode, output), nil
			}
			if output == "" {
				output = "(no output)"
			}
			return output, nil
		},
	})
}

func registerFileTools(executor *ToolExecutor) {
	executor.Register(ToolDescriptor{
		Schema: ToolSchema{
			Name:        "read_file",
			Description: "Read the contents of a file. Returns up to 10KB of text.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path (absolute or relative)",
					},
				},
				"required": []string{"path"},
			}),
		},
		Permission: PermReadOnly,
		VoiceOK:    true,
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return nil, fmt.Errorf("path is required")
			}

			content, err := os.ReadFile(resolvePath(path))
			if err != nil {
				return nil, fmt.Errorf("reading file: %w", err)
			}
			text := string(content)
			if len(text) > MaxFileReadChars {
				text = text[:MaxFileReadChars] + "\n... [truncated at 10KB]"
			}
			return text, nil
		},
	})

	executor.Register(ToolDescriptor{
		Schema: ToolSchema{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories if needed. Requires user approval.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path (absolute or relative)",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Content to write",
					},
				},
				"required": []string{"path", "content"},
			}),
		},
		Permission: PermDestructive,
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if path == "" {
				return nil, fmt.Errorf("path is required")
			}

			path = resolvePath(path)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("writing file: %w", err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})
}

// resolvePath expands ~ to the user's home directory.
func resolvePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ---------- Web Search ----------

func registerWebSearchTool(executor *ToolExecutor) {
	client := &http.Client{Timeout: 15 * time.Second}

	executor.Register(ToolDescriptor{
		Schema: ToolSchema{
			Name:        "web_search",
			Description: "Search the web and return results with titles, URLs, and snippets.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query",
					},
				},
				"required": []string{"query"},
			}),
		},
		Permission: PermReadOnly,
		VoiceOK:    true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			return searchDDG(ctx, client, query, 5)
		},
	})
}

func searchDDG(ctx context.Context, client *http.Client, query string, maxResults int) (any, error) {
	searchURL := fmt.Sprintf("https://html.duckduckgo.com/html/?q=%s", url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "CallClaw/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 100*1024))
	results := extractDDGResults(string(body))
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Search results for: %s\n\n", query))
	for i, r := range results {
		if i >= maxResults {
			break
		}
		sb.WriteString(fmt.Sprintf("%d. %s\n   %s\n   %s\n\n", i+1, r.title, r.url, r.snippet))
	}
	return sb.String(), nil
}

type ddgResult struct {
	title   string
	url     string
	snippet string
}

// extractDDGResults parses DuckDuckGo HTML for result blocks.
func extractDDGResults(html string) []ddgResult {
	var results []ddgResult

	parts := strings.Split(html, "result__a")
	for _, part := range parts[1:] {
		var r ddgResult

		if hrefIdx := strings.Index(part, "href=\""); hrefIdx >= 0 {
			urlStart := hrefIdx + 6
			if urlEnd := strings.Index(part[urlStart:], "\""); urlEnd > 0 {
				r.url = part[urlStart : urlStart+urlEnd]
				// DuckDuckGo wraps URLs in a redirect.
				if udIdx := strings.Index(r.url, "uddg="); udIdx >= 0 {
					r.url = r.url[udIdx+5:]
					if ampIdx := strings.Index(r.url, "&"); ampIdx >= 0 {
						r.url = r.url[:ampIdx]
					}
					if unescaped, err := url.QueryUnescape(r.url); err == nil {
						r.url = unescaped
					}
				}
			}
		}

		if gtIdx := strings.Index(part, ">"); gtIdx >= 0 {
			if closeIdx := strings.Index(part[gtIdx:], "</a>"); closeIdx > 0 {
				r.title = stripHTMLTags(part[gtIdx+1 : gtIdx+closeIdx])
			}
		}

		if snipIdx := strings.Index(part, "result__snippet"); snipIdx >= 0 {
			rest := part[snipIdx:]
			if snipStart := strings.Index(rest, ">"); snipStart >= 0 {
				if snipEnd := strings.Index(rest[snipStart:], "</a>"); snipEnd > 0 {
					r.snippet = stripHTMLTags(rest[snipStart+1 : snipStart+snipEnd])
				}
			}
		}

		if r.title != "" && r.url != "" {
			results = append(results, r)
		}
	}
	return results
}

// stripHTMLTags removes tags and unescapes the entities DuckDuckGo emits.
func stripHTMLTags(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	out = strings.ReplaceAll(out, "&quot;", "\"")
	out = strings.ReplaceAll(out, "&#x27;", "'")
	return strings.TrimSpace(out)
}

// RegisterMediaTool registers send_media, which delivers a media URL to the
// user's chat. Text channel only; a voice call has nowhere to show it.
func RegisterMediaTool(executor *ToolExecutor, send func(ctx context.Context, chatID, mediaURL, caption string) error) {
	executor.Register(ToolDescriptor{
		Schema: ToolSchema{
			Name:        "send_media",
			Description: "Send an image or document to the user's chat by URL, with an optional caption.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Publicly reachable URL of the media",
					},
					"caption": map[string]any{
						"type":        "string",
						"description": "Optional caption",
					},
				},
				"required": []string{"url"},
			}),
		},
		Permission: PermReadOnly,
		VoiceOK:    false,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			mediaURL, _ := args["url"].(string)
			caption, _ := args["caption"].(string)
			if mediaURL == "" {
				return nil, fmt.Errorf("url is required")
			}
			sessionID := SessionIDFromContext(ctx)
			chatID := sessionID
			if idx := strings.Index(sessionID, ":"); idx >= 0 {
				chatID = sessionID[idx+1:]
			}
			if err := send(ctx, chatID, mediaURL, caption); err != nil {
				return nil, fmt.Errorf("sending media: %w", err)
			}
			return "Media sent.", nil
		},
	})
}
