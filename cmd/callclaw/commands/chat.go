package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
	"github.com/jholhewres/callclaw/pkg/callclaw/mcp"
)

// newChatCmd creates the `callclaw chat` command for local conversations.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant from the terminal",
		Long: `Talk to the assistant without going through a messaging channel.
With an argument sends a single message; without one opens an interactive
session.

Examples:
  callclaw chat "what's on my agenda today?"
  callclaw chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.API.APIKey == "" {
		return fmt.Errorf("api.api_key is not set (config, keyring or ANTHROPIC_API_KEY)")
	}

	logger := buildLogger(cmd, cfg)

	executor := copilot.NewToolExecutor(logger)
	copilot.RegisterBuiltinTools(executor)

	bridge := mcp.NewBridge(cfg.MCP, logger)
	defer bridge.Close()
	copilot.RegisterMCPTools(executor, bridge)

	llm := copilot.NewLLMClient(cfg, logger)
	approvals := copilot.NewApprovalManager(cfg.Approval.Timeout(), logger)
	agent := copilot.NewAgent(llm, executor, approvals, logger)

	store := copilot.NewSessionStore(cfg.Conversation.MaxMessages, logger)
	session := store.GetOrCreate(copilot.KindText, "cli")
	systemPrompt := copilot.BuildSystemPrompt(cfg, copilot.KindText)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// The agent blocks on the approval verdict right after the prompt hook
	// runs, so the hook collects the decision inline before returning.
	stdin := bufio.NewReader(os.Stdin)
	ask := func(text string) error {
		reply, err := agent.Run(ctx, session, systemPrompt,
			[]copilot.ContentBlock{copilot.TextBlock(text)},
			copilot.RunHooks{
				SendApprovalPrompt: func(prompt string) {
					fmt.Println(prompt)
					fmt.Print("approve? [y/N]: ")
					answer, _ := stdin.ReadString('\n')
					approve := strings.EqualFold(strings.TrimSpace(answer), "y")
					id := approvalIDFromPrompt(prompt)
					approvals.Resolve(id, session.ID, approve)
				},
			})
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	// Single message mode.
	if len(args) > 0 {
		return ask(args[0])
	}

	// Interactive mode.
	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("%s interactive chat. Type /reset to clear history, /quit to exit.\n", cfg.Name)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case strings.EqualFold(line, "/reset"):
			session.Clear()
			fmt.Println(copilot.ResetReply)
			continue
		}
		if err := ask(line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

var approvalIDPattern = regexp.MustCompile(`APPROVE ([A-Z0-9]{8})`)

// approvalIDFromPrompt pulls the approval ID out of the prompt text.
func approvalIDFromPrompt(prompt string) string {
	m := approvalIDPattern.FindStringSubmatch(prompt)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
