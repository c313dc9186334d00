// Package mcp bridges CallClaw to external MCP (Model Context Protocol)
// tool servers. Each configured server runs as a child process speaking
// JSON-RPC 2.0 over stdio; the bridge spawns workers lazily, keeps them
// alive across calls, and respawns them after a crash.
package mcp

// Config maps server names to their launch configuration
// (the `mcp_servers` section of config.yaml).
type Config map[string]ServerConfig

// ServerConfig describes how to launch one MCP server process.
type ServerConfig struct {
	// Command is the executable to run.
	Command string `yaml:"command"`

	// Args are the command arguments.
	Args []string `yaml:"args"`

	// Env holds extra environment variables (KEY: value), appended to
	// the parent environment.
	Env map[string]string `yaml:"env"`
}
