// agent.go implements the agentic loop that orchestrates model calls with
// tool execution: call the model, execute any requested tools, feed the
// results back, repeat until the model answers in plain text or the
// channel's turn limit runs out.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// MaxTextToolTurns bounds tool round-trips for a text conversation.
	MaxTextToolTurns = 10
	// MaxVoiceToolTurns bounds tool round-trips during a voice call, where
	// latency matters more than thoroughness.
	MaxVoiceToolTurns = 5
	// VoiceMaxMessages caps the in-call conversation history.
	VoiceMaxMessages = 20

	// DefaultLLMCallTimeout is the safety-net timeout for one model call.
	DefaultLLMCallTimeout = 2 * time.Minute
)

// Canned replies for the failure paths of a turn.
const (
	ProviderErrorReply = "Sorry, I'm having trouble reaching my language model right now. Please try again in a moment."
	TurnLimitReply     = "I had to stop before finishing: too many tool steps for one request. Here's what I have so far; ask me to continue if you need more."
	DeniedReply        = "Denied by user."
	ExpiredReply       = "Approval request expired before the user responded. The command was not executed."
	VoiceRefusalReply  = "This command requires approval and cannot be run during a voice call. Please use the text chat if you want to run it."
)

// RunHooks carries the per-run callbacks a channel controller wires in.
type RunHooks struct {
	// OnToolRoundStart fires once, before the first tool round of the run.
	// The text controller sends a short acknowledgment; the voice machine
	// emits the hold phrase.
	OnToolRoundStart func()

	// SendApprovalPrompt delivers an approval prompt to the user. Only set
	// on the text channel; when nil, destructive calls are refused.
	SendApprovalPrompt func(prompt string)
}

// Agent drives multi-turn conversations against a Backend.
type Agent struct {
	backend   Backend
	executor  *ToolExecutor
	approvals *ApprovalManager

	llmCallTimeout time.Duration
	logger         *slog.Logger
}

// NewAgent creates an agent bound to a backend, tool executor and approval
// manager.
func NewAgent(backend Backend, executor *ToolExecutor, approvals *ApprovalManager, logger *slog.Logger) *Agent {
	return &Agent{
		backend:        backend,
		executor:       executor,
		approvals:      approvals,
		llmCallTimeout: DefaultLLMCallTimeout,
		logger:         logger.With("component", "agent"),
	}
}

// SetLLMCallTimeout overrides the per-call safety timeout.
func (a *Agent) SetLLMCallTimeout(d time.Duration) {
	if d > 0 {
		a.llmCallTimeout = d
	}
}

// TurnLimit returns the tool turn budget for a channel kind.
func TurnLimit(kind ChannelKind) int {
	if kind == KindVoice {
		return MaxVoiceToolTurns
	}
	return MaxTextToolTurns
}

// Run executes one conversational turn: the user content is appended to the
// session, the model is called until it stops requesting tools, and the
// final assistant text is returned. The reply is always usable; when err is
// non-nil it describes why a degraded reply was produced.
func (a *Agent) Run(ctx context.Context, session *Session, systemPrompt string, userContent []ContentBlock, hooks RunHooks) (string, error) {
	session.Append(Message{Role: "user", Content: userContent})

	kind := session.Kind
	turnLimit := TurnLimit(kind)
	schemas := a.executor.Schemas(kind)
	toolRoundStarted := false

	ctx = ContextWithSession(ctx, session.ID)
	ctx = ContextWithChannelKind(ctx, kind)

	for turn := 0; ; turn++ {
		resp, err := a.callModel(ctx, systemPrompt, session.History(), schemas)
		if err != nil {
			a.logger.Error("model call failed", "session", session.ID, "turn", turn, "error", err)
			return ProviderErrorReply, err
		}

		session.Append(Message{Role: "assistant", Content: resp.Content})

		toolUses := resp.ToolUses()
		if resp.StopReason != StopToolUse || len(toolUses) == 0 {
			return resp.Text(), nil
		}

		if turn >= turnLimit {
			a.logger.Warn("turn limit reached", "session", session.ID, "limit", turnLimit)
			// Answer the dangling tool_use blocks so the history stays valid.
			results := make([]ContentBlock, 0, len(toolUses))
			for _, tu := range toolUses {
				results = append(results, ToolResultBlock(tu.ID, "Tool budget exhausted; call skipped.", true))
			}
			session.Append(Message{Role: "user", Content: results})
			return TurnLimitReply, nil
		}

		if !toolRoundStarted {
			toolRoundStarted = true
			if hooks.OnToolRoundStart != nil {
				hooks.OnToolRoundStart()
			}
		}

		resultBlocks := a.runToolRound(ctx, session, kind, toolUses, hooks)
		session.Append(Message{Role: "user", Content: resultBlocks})
	}
}

func (a *Agent) callModel(ctx context.Context, systemPrompt string, messages []Message, schemas []ToolSchema) (*ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.llmCallTimeout)
	defer cancel()

	return a.backend.CreateMessage(callCtx, &ChatRequest{
		System:   systemPrompt,
		Messages: messages,
		Tools:    schemas,
	})
}

// runToolRound resolves one batch of tool_use blocks into tool_result
// blocks, in order. Calls needing no gate run through the executor (which
// parallelizes independent reads); gated calls resolve inline.
func (a *Agent) runToolRound(ctx context.Context, session *Session, kind ChannelKind, toolUses []ContentBlock, hooks RunHooks) []ContentBlock {
	// First pass: decide the fate of each call.
	type fate int
	const (
		fateExecute fate = iota
		fateRefuse
		fateApprove
	)
	fates := make([]fate, len(toolUses))
	refusals := make([]string, len(toolUses))

	for i, tu := range toolUses {
		desc := a.executor.Get(tu.Name)
		switch {
		case desc == nil:
			fates[i] = fateRefuse
			refusals[i] = fmt.Sprintf("Tool %q is not available.", tu.Name)
		case !a.executor.Allowed(tu.Name, kind):
			fates[i] = fateRefuse
			refusals[i] = fmt.Sprintf("Tool %q is not available on this channel.", tu.Name)
		case a.needsApproval(desc, tu):
			if kind == KindVoice {
				fates[i] = fateRefuse
				refusals[i] = VoiceRefusalReply
			} else {
				fates[i] = fateApprove
			}
		default:
			fates[i] = fateExecute
		}
	}

	// Fast path: nothing is gated, let the executor batch the round.
	allPlain := true
	for _, f := range fates {
		if f != fateExecute {
			allPlain = false
			break
		}
	}
	if allPlain {
		return toResultBlocks(a.executor.Execute(ctx, toolUses))
	}

	results := make([]ContentBlock, len(toolUses))
	for i, tu := range toolUses {
		switch fates[i] {
		case fateRefuse:
			results[i] = ToolResultBlock(tu.ID, refusals[i], true)
		case fateApprove:
			results[i] = a.runWithApproval(ctx, session, tu, hooks)
		default:
			res := a.executor.ExecuteSingle(ctx, tu)
			results[i] = ToolResultBlock(res.ToolUseID, res.Content, res.IsError)
		}
	}
	return results
}

// needsApproval reports whether this call must pass the approval gate.
func (a *Agent) needsApproval(desc *ToolDescriptor, tu ContentBlock) bool {
	switch desc.Permission {
	case PermDestructive:
		return true
	case PermDynamic:
		return Classify(commandFromInput(tu.Input)) == RiskDestructive
	default:
		return false
	}
}

// commandFromInput extracts the shell command from a tool_use input.
func commandFromInput(input json.RawMessage) string {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	return args.Command
}

// runWithApproval suspends the run on the approval gate and executes the
// call only if the user approves it in time.
func (a *Agent) runWithApproval(ctx context.Context, session *Session, tu ContentBlock, hooks RunHooks) ContentBlock {
	if hooks.SendApprovalPrompt == nil || a.approvals == nil {
		return ToolResultBlock(tu.ID, "Approval is not available here; the command was not executed.", true)
	}

	subject := commandFromInput(tu.Input)
	if subject == "" {
		subject = tu.Name
	}

	id, prompt := a.approvals.Request(session.ID, subject)
	hooks.SendApprovalPrompt(prompt)

	approved, err := a.approvals.Wait(id)
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		return ToolResultBlock(tu.ID, ExpiredReply, true)
	case err != nil:
		return ToolResultBlock(tu.ID, fmt.Sprintf("Approval failed: %v", err), true)
	case !approved:
		return ToolResultBlock(tu.ID, DeniedReply, true)
	}

	res := a.executor.ExecuteSingle(ctx, tu)
	return ToolResultBlock(res.ToolUseID, res.Content, res.IsError)
}

func toResultBlocks(results []ToolResult) []ContentBlock {
	blocks := make([]ContentBlock, len(results))
	for i, r := range results {
		blocks[i] = ToolResultBlock(r.ToolUseID, r.Content, r.IsError)
	}
	return blocks
}
