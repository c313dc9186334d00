// config.go defines the configuration structures for the CallClaw daemon.
package copilot

import (
	"time"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels/discord"
	"github.com/jholhewres/callclaw/pkg/callclaw/channels/whatsapp"
	"github.com/jholhewres/callclaw/pkg/callclaw/mcp"
)

// Config holds all daemon configuration.
type Config struct {
	// Name is the assistant name used in prompts.
	Name string `yaml:"name"`

	// API configures the model provider endpoint.
	API APIConfig `yaml:"api"`

	// Instructions are extra system prompt instructions appended to the
	// built-in prompt.
	Instructions string `yaml:"instructions"`

	// InstructionsFile points to a markdown file with further instructions.
	InstructionsFile string `yaml:"instructions_file"`

	// Timezone is the user's timezone (e.g. "America/Sao_Paulo").
	Timezone string `yaml:"timezone"`

	// Access configures who may talk to the assistant.
	Access AccessConfig `yaml:"access"`

	// Conversation bounds text session state.
	Conversation ConversationConfig `yaml:"conversation"`

	// Approval configures the destructive command gate.
	Approval ApprovalConfig `yaml:"approval"`

	// Voice configures the voice call behavior.
	Voice VoiceConfig `yaml:"voice"`

	// Channels configures the messaging adapters.
	Channels ChannelsConfig `yaml:"channels"`

	// Gateway configures the HTTP/websocket gateway.
	Gateway GatewayConfig `yaml:"gateway"`

	// MCP configures plugin tool servers.
	MCP mcp.Config `yaml:"mcp_servers"`

	// Database configures sqlite session persistence.
	Database DatabaseConfig `yaml:"database"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the model provider.
type APIConfig struct {
	// BaseURL is the provider endpoint (default: https://api.anthropic.com).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider. Resolution order:
	// keyring, then ANTHROPIC_API_KEY, then this value.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier.
	Model string `yaml:"model"`

	// MaxTokens is the completion budget per call.
	MaxTokens int `yaml:"max_tokens"`
}

// AccessConfig restricts who the assistant answers.
type AccessConfig struct {
	// ApprovedSender is the single identity allowed to chat. Messages from
	// anyone else are dropped without a reply.
	ApprovedSender string `yaml:"approved_sender"`
}

// ConversationConfig bounds text session state.
type ConversationConfig struct {
	// TimeoutMinutes is the idle time after which history is discarded.
	TimeoutMinutes int `yaml:"timeout_minutes"`

	// MaxMessages caps the per-session history.
	MaxMessages int `yaml:"max_messages"`
}

// Timeout returns the conversation timeout as a duration.
func (c ConversationConfig) Timeout() time.Duration {
	if c.TimeoutMinutes <= 0 {
		return DefaultConversationTimeout
	}
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ApprovalConfig configures the destructive command gate.
type ApprovalConfig struct {
	// TimeoutSeconds is how long an approval waits before expiring.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the approval timeout as a duration.
func (c ApprovalConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultApprovalTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// VoiceConfig configures voice call behavior.
type VoiceConfig struct {
	// HoldPhrase is spoken once before the first tool round of a call.
	HoldPhrase string `yaml:"hold_phrase"`
}

// ChannelsConfig configures the messaging adapters.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DatabaseConfig configures sqlite persistence.
type DatabaseConfig struct {
	// Path is the sqlite file for session history. Empty disables
	// persistence.
	Path string `yaml:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "CallClaw",
		API: APIConfig{
			BaseURL:   "https://api.anthropic.com",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Timezone: "America/Sao_Paulo",
		Conversation: ConversationConfig{
			TimeoutMinutes: 60,
			MaxMessages:    DefaultMaxMessages,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: int(DefaultApprovalTimeout / time.Second),
		},
		Voice: VoiceConfig{
			HoldPhrase: "Let me look that up for you.",
		},
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8590",
		},
		Database: DatabaseConfig{
			Path: "callclaw.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
