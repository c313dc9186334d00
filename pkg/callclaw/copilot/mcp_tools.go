package copilot

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/callclaw/pkg/callclaw/mcp"
)

// RegisterMCPTools exposes the configured MCP servers to the model as two
// tools: mcp_list_tools to discover what a server offers, and mcp_call to
// invoke one. Both are read-only from the executor's point of view; the
// servers themselves decide what their tools do.
func RegisterMCPTools(executor *ToolExecutor, bridge *mcp.Bridge) {
	servers := bridge.Servers()
	if len(servers) == 0 {
		return
	}
	serverList := strings.Join(servers, ", ")

	executor.Register(ToolDescriptor{
		Schema: ToolSchema{
			Name: "mcp_list_tools",
			Description: "List the tools available on an MCP plugin server. " +
				"Configured servers: " + serverList,
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"server": map[string]any{
						"type":        "string",
						"description": "MCP server name",
					},
				},
				"required": []string{"server"},
			}),
		},
		Permission: PermReadOnly,
		VoiceOK:    true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			server, _ := args["server"].(string)
			if server == "" {
				return nil, fmt.Errorf("server is required")
			}

			tools, err := bridge.ListTools(ctx, server)
			if err != nil {
				return nil, err
			}
			if len(tools) == 0 {
				return "No tools available on " + server, nil
			}

			var sb strings.Builder
			for _, t := range tools {
				fmt.Fprintf(&sb, "%s: %s\n", t.Name, t.Description)
			}
			return sb.String(), nil
		},
	})

	executor.Register(ToolDescriptor{
		Schema: ToolSchema{
			Name: "mcp_call",
			Description: "Call a tool on an MCP plugin server. " +
				"Use mcp_list_tools first to see what each server offers. " +
				"Configured servers: " + serverList,
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"server": map[string]any{
						"type":        "string",
						"description": "MCP server name",
					},
					"tool": map[string]any{
						"type":        "string",
						"description": "Tool name on that server",
					},
					"arguments": map[string]any{
						"type":        "object",
						"description": "Tool arguments",
					},
				},
				"required": []string{"server", "tool"},
			}),
		},
		Permission: PermReadOnly,
		VoiceOK:    true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			server, _ := args["server"].(string)
			tool, _ := args["tool"].(string)
			if server == "" || tool == "" {
				return nil, fmt.Errorf("server and tool are required")
			}

			toolArgs, _ := args["arguments"].(map[string]any)
			return bridge.CallTool(ctx, server, tool, toolArgs)
		},
	})
}
