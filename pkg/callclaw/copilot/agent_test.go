package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// scriptedBackend replays canned responses and records every request.
type scriptedBackend struct {
	responses []*ChatResponse
	err       error
	requests  []*ChatRequest
	calls     int
}

func (b *scriptedBackend) CreateMessage(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	b.requests = append(b.requests, req)
	if b.err != nil {
		return nil, b.err
	}
	if b.calls >= len(b.responses) {
		return &ChatResponse{
			Content:    []ContentBlock{TextBlock("done")},
			StopReason: StopEndTurn,
		}, nil
	}
	resp := b.responses[b.calls]
	b.calls++
	return resp, nil
}

func textResponse(text string) *ChatResponse {
	return &ChatResponse{
		Content:    []ContentBlock{TextBlock(text)},
		StopReason: StopEndTurn,
	}
}

func toolUseResponse(id, name string, input map[string]any) *ChatResponse {
	raw, _ := json.Marshal(input)
	return &ChatResponse{
		Content: []ContentBlock{
			{Type: BlockToolUse, ID: id, Name: name, Input: raw},
		},
		StopReason: StopToolUse,
	}
}

func newTestAgent(t *testing.T, backend Backend) (*Agent, *ToolExecutor, *ApprovalManager) {
	t.Helper()
	logger := testLogger()
	executor := NewToolExecutor(logger)
	approvals := NewApprovalManager(time.Minute, logger)
	return NewAgent(backend, executor, approvals, logger), executor, approvals
}

func echoTool(name string, perm Permission, voiceOK bool) ToolDescriptor {
	return ToolDescriptor{
		Schema:     ToolSchema{Name: name, Description: "echo", InputSchema: mustSchema(map[string]any{"type": "object"})},
		Permission: perm,
		VoiceOK:    voiceOK,
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			if v, ok := args["value"].(string); ok {
				return "echo:" + v, nil
			}
			return "echo", nil
		},
	}
}

func TestAgentPlainReply(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{textResponse("hello there")}}
	agent, _, _ := newTestAgent(t, backend)
	session := &Session{ID: "text:t", Kind: KindText, maxMessages: 50}

	reply, err := agent.Run(context.Background(), session, "sys", []ContentBlock{TextBlock("hi")}, RunHooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "hello there" {
		t.Errorf("reply = %q", reply)
	}
	// user message + assistant reply recorded in order
	if session.Len() != 2 {
		t.Errorf("session length = %d, want 2", session.Len())
	}
	if backend.requests[0].System != "sys" {
		t.Errorf("system prompt not forwarded")
	}
}

func TestAgentToolRound(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{
		toolUseResponse("tu_1", "echo", map[string]any{"value": "x"}),
		textResponse("final answer"),
	}}
	agent, executor, _ := newTestAgent(t, backend)
	executor.Register(echoTool("echo", PermReadOnly, true))

	held := 0
	session := &Session{ID: "text:t", Kind: KindText, maxMessages: 50}
	reply, err := agent.Run(context.Background(), session, "sys", []ContentBlock{TextBlock("go")}, RunHooks{
		OnToolRoundStart: func() { held++ },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "final answer" {
		t.Errorf("reply = %q", reply)
	}
	if held != 1 {
		t.Errorf("OnToolRoundStart fired %d times, want 1", held)
	}

	// Second request must include the tool result adjacent to its tool_use.
	second := backend.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "user" || last.Content[0].Type != BlockToolResult {
		t.Fatalf("tool result not fed back: %+v", last)
	}
	if last.Content[0].ToolUseID != "tu_1" || last.Content[0].Content != "echo:x" {
		t.Errorf("wrong tool result: %+v", last.Content[0])
	}
}

func TestAgentUnknownToolRefused(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{
		toolUseResponse("tu_1", "no_such_tool", nil),
		textResponse("ok"),
	}}
	agent, _, _ := newTestAgent(t, backend)
	session := &Session{ID: "text:t", Kind: KindText, maxMessages: 50}

	if _, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("go")}, RunHooks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := backend.requests[1].Messages[len(backend.requests[1].Messages)-1]
	if !last.Content[0].IsError {
		t.Error("unknown tool result not marked as error")
	}
	if !strings.Contains(last.Content[0].Content, "not available") {
		t.Errorf("refusal text = %q", last.Content[0].Content)
	}
}

func TestAgentVoiceDestructiveRefused(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{
		toolUseResponse("tu_1", "execute_bash", map[string]any{"command": "rm -rf /tmp/x"}),
		textResponse("ok"),
	}}
	agent, executor, approvals := newTestAgent(t, backend)
	RegisterBuiltinTools(executor)
	session := &Session{ID: "voice:c1", Kind: KindVoice, maxMessages: VoiceMaxMessages}

	if _, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("wipe it")}, RunHooks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := backend.requests[1].Messages[len(backend.requests[1].Messages)-1]
	if last.Content[0].Content != VoiceRefusalReply {
		t.Errorf("refusal = %q", last.Content[0].Content)
	}
	// Refusal is immediate: no approval record may exist.
	if approvals.PendingCount() != 0 {
		t.Errorf("approval record created for voice refusal")
	}
}

func TestAgentVoiceReadOnlyBashRuns(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{
		toolUseResponse("tu_1", "execute_bash", map[string]any{"command": "echo hi"}),
		textResponse("said hi"),
	}}
	agent, executor, _ := newTestAgent(t, backend)
	RegisterBuiltinTools(executor)
	session := &Session{ID: "voice:c1", Kind: KindVoice, maxMessages: VoiceMaxMessages}

	reply, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("say hi")}, RunHooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "said hi" {
		t.Errorf("reply = %q", reply)
	}
	last := backend.requests[1].Messages[len(backend.requests[1].Messages)-1]
	if last.Content[0].IsError {
		t.Errorf("read-only bash refused on voice: %q", last.Content[0].Content)
	}
}

func TestAgentTextDestructiveApproved(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{
		toolUseResponse("tu_1", "execute_bash", map[string]any{"command": "mkdir -p /tmp/callclaw-test-dir"}),
		textResponse("created"),
	}}
	agent, executor, approvals := newTestAgent(t, backend)
	RegisterBuiltinTools(executor)
	session := &Session{ID: "text:t", Kind: KindText, maxMessages: 50}

	// Approve as soon as the prompt goes out.
	hooks := RunHooks{SendApprovalPrompt: func(prompt string) {
		if !strings.Contains(prompt, "APPROVE") {
			t.Errorf("prompt missing reply instructions: %q", prompt)
		}
		go func() {
			id := extractApprovalID(prompt)
			approvals.Resolve(id, "text:t", true)
		}()
	}}

	reply, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("make dir")}, hooks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "created" {
		t.Errorf("reply = %q", reply)
	}
}

func TestAgentTextDestructiveDenied(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{
		toolUseResponse("tu_1", "write_file", map[string]any{"path": "/tmp/x", "content": "y"}),
		textResponse("understood"),
	}}
	agent, executor, approvals := newTestAgent(t, backend)
	RegisterBuiltinTools(executor)
	session := &Session{ID: "text:t", Kind: KindText, maxMessages: 50}

	hooks := RunHooks{SendApprovalPrompt: func(prompt string) {
		go approvals.Resolve(extractApprovalID(prompt), "text:t", false)
	}}

	if _, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("write it")}, hooks); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := backend.requests[1].Messages[len(backend.requests[1].Messages)-1]
	if last.Content[0].Content != DeniedReply {
		t.Errorf("denied result = %q", last.Content[0].Content)
	}
}

func TestAgentTurnLimit(t *testing.T) {
	// The model keeps asking for tools forever.
	var responses []*ChatResponse
	for i := 0; i < MaxVoiceToolTurns+2; i++ {
		responses = append(responses, toolUseResponse("tu", "counted", map[string]any{"value": "again"}))
	}
	backend := &scriptedBackend{responses: responses}
	agent, executor, _ := newTestAgent(t, backend)

	executed := 0
	executor.Register(ToolDescriptor{
		Schema:     ToolSchema{Name: "counted", Description: "counts", InputSchema: mustSchema(map[string]any{"type": "object"})},
		Permission: PermReadOnly,
		VoiceOK:    true,
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			executed++
			return "ok", nil
		},
	})
	session := &Session{ID: "voice:c1", Kind: KindVoice, maxMessages: VoiceMaxMessages}

	reply, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("loop")}, RunHooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != TurnLimitReply {
		t.Errorf("reply = %q, want truncation notice", reply)
	}
	// The limit-th tool round still executes; only the one after it is
	// rejected with the truncation notice.
	if executed != MaxVoiceToolTurns {
		t.Errorf("tool rounds executed = %d, want %d", executed, MaxVoiceToolTurns)
	}
	// The rejected round answers its tool_use with an error result instead
	// of running it.
	last := session.History()[len(session.History())-1]
	if !last.Content[0].IsError {
		t.Error("rejected round's tool_result not marked as error")
	}
}

func TestAgentProviderError(t *testing.T) {
	backend := &scriptedBackend{err: errors.New("boom")}
	agent, _, _ := newTestAgent(t, backend)
	session := &Session{ID: "text:t", Kind: KindText, maxMessages: 50}

	reply, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("hi")}, RunHooks{})
	if err == nil {
		t.Fatal("expected error")
	}
	if reply != ProviderErrorReply {
		t.Errorf("reply = %q", reply)
	}
	if backend.calls != 0 && len(backend.requests) != 1 {
		t.Errorf("provider error retried: %d requests", len(backend.requests))
	}
	// Session retains the user message for the next attempt.
	if session.Len() != 1 {
		t.Errorf("session length = %d, want 1", session.Len())
	}
}

func TestAgentVoiceSchemasExcludeDestructive(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{textResponse("hi")}}
	agent, executor, _ := newTestAgent(t, backend)
	RegisterBuiltinTools(executor)
	session := &Session{ID: "voice:c1", Kind: KindVoice, maxMessages: VoiceMaxMessages}

	if _, err := agent.Run(context.Background(), session, "", []ContentBlock{TextBlock("hi")}, RunHooks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, schema := range backend.requests[0].Tools {
		if schema.Name == "write_file" {
			t.Error("write_file offered on voice channel")
		}
	}
}

// extractApprovalID pulls the 8-char ID out of an approval prompt.
func extractApprovalID(prompt string) string {
	idx := strings.Index(prompt, "APPROVE ")
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len("APPROVE "):]
	if len(rest) < 8 {
		return rest
	}
	return rest[:8]
}
