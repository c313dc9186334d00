// prompt.go builds the system prompts for the text and voice channels.
package copilot

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const textPromptTemplate = `You are %s, a personal assistant reachable over chat. You can run shell commands, read and write files, and search the web through your tools.

Ground rules:
- Read-only commands run immediately. Anything that modifies the system needs the user's approval first; when a tool result says an approval is pending, denied or expired, relay that plainly and move on.
- Be concise. This is a phone chat, not a terminal: summarize command output instead of dumping it.
- Current time: %s (%s).`

const voicePromptTemplate = `You are %s, a personal assistant on a live phone call. The user hears your words through text-to-speech.

Ground rules:
- Speak in short, complete sentences. No markdown, no bullet points, no code blocks, no URLs spelled out character by character.
- Keep answers brief; the user can ask follow-ups.
- You may only use read-only tools during a call. If something would modify the system, tell the user to ask over text chat instead.
- Current time: %s (%s).`

// GreetingInstruction asks the model for a fresh opening line at call start.
// It is sent with no conversation history so each call opens differently.
const GreetingInstruction = "The user just called you. Greet them briefly and naturally in one or two short sentences, and ask how you can help. Vary your phrasing; do not reuse a canned greeting."

// BuildSystemPrompt assembles the system prompt for a channel kind.
func BuildSystemPrompt(cfg *Config, kind ChannelKind) string {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.Local
	}
	now := time.Now().In(loc).Format("Monday, 2 Jan 2006 15:04")

	name := cfg.Name
	if name == "" {
		name = "CallClaw"
	}

	template := textPromptTemplate
	if kind == KindVoice {
		template = voicePromptTemplate
	}
	prompt := fmt.Sprintf(template, name, now, cfg.Timezone)

	if extra := strings.TrimSpace(cfg.Instructions); extra != "" {
		prompt += "\n\n" + extra
	}
	if cfg.InstructionsFile != "" {
		if data, err := os.ReadFile(cfg.InstructionsFile); err == nil {
			if extra := strings.TrimSpace(string(data)); extra != "" {
				prompt += "\n\n" + extra
			}
		}
	}
	return prompt
}
