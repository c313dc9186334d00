package copilot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels"
)

// fakeChannel records sent messages for assertions.
type fakeChannel struct {
	incoming chan *channels.IncomingMessage

	mu   sync.Mutex
	sent []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{incoming: make(chan *channels.IncomingMessage, 16)}
}

func (f *fakeChannel) Name() string                      { return "fake" }
func (f *fakeChannel) Connect(_ context.Context) error   { return nil }
func (f *fakeChannel) Disconnect() error                 { return nil }
func (f *fakeChannel) IsConnected() bool                 { return true }
func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage {
	return f.incoming
}

func (f *fakeChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.Content)
	return nil
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

const testSender = "5511999999999@s.whatsapp.net"

func newTestAssistant(t *testing.T, backend Backend) (*Assistant, *SessionStore, *ApprovalManager) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Access.ApprovedSender = testSender

	agent, executor, approvals := newTestAgent(t, backend)
	executor.Register(echoTool("echo", PermReadOnly, true))

	store := NewSessionStore(cfg.Conversation.MaxMessages, testLogger())
	a := NewAssistant(cfg, agent, approvals, store, testLogger())
	a.Start(context.Background())
	t.Cleanup(a.Stop)
	return a, store, approvals
}

func incomingText(from, chatID, content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      "msg1",
		Channel: "fake",
		From:    from,
		ChatID:  chatID,
		Type:    channels.MessageText,
		Content: content,
	}
}

func TestAssistantRepliesToApprovedSender(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{textResponse("hi there")}}
	a, _, _ := newTestAssistant(t, backend)
	ch := newFakeChannel()

	a.handleMessage(ch, incomingText(testSender, "chat1", "hello"))

	sent := ch.sentMessages()
	if len(sent) != 1 || sent[0] != "hi there" {
		t.Errorf("expected single reply 'hi there', got %v", sent)
	}
}

func TestAssistantDropsUnknownSender(t *testing.T) {
	backend := &scriptedBackend{}
	a, store, _ := newTestAssistant(t, backend)
	ch := newFakeChannel()

	a.handleMessage(ch, incomingText("555000@s.whatsapp.net", "chat1", "hi"))

	if sent := ch.sentMessages(); len(sent) != 0 {
		t.Errorf("expected silence for unknown sender, got %v", sent)
	}
	if store.Count() != 0 {
		t.Errorf("expected no session created, got %d", store.Count())
	}
	if len(backend.requests) != 0 {
		t.Error("expected no model calls")
	}
}

func TestAssistantMatchesBareNumberSender(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{textResponse("ok")}}
	a, _, _ := newTestAssistant(t, backend)
	ch := newFakeChannel()

	a.handleMessage(ch, incomingText("5511999999999", "chat1", "oi"))

	if sent := ch.sentMessages(); len(sent) != 1 {
		t.Errorf("expected reply for bare-number sender, got %v", sent)
	}
}

func TestAssistantReset(t *testing.T) {
	backend := &scriptedBackend{responses: []*ChatResponse{textResponse("first")}}
	a, store, _ := newTestAssistant(t, backend)
	ch := newFakeChannel()

	a.handleMessage(ch, incomingText(testSender, "chat1", "hello"))

	session := store.GetOrCreate(KindText, "chat1")
	if session.Len() == 0 {
		t.Fatal("expected history after first turn")
	}

	a.handleMessage(ch, incomingText(testSender, "chat1", "/reset"))

	if session.Len() != 0 {
		t.Errorf("expected empty history after reset, got %d messages", session.Len())
	}
	sent := ch.sentMessages()
	if sent[len(sent)-1] != ResetReply {
		t.Errorf("expected reset confirmation, got %q", sent[len(sent)-1])
	}
	if len(backend.requests) != 1 {
		t.Errorf("reset must not call the model, got %d calls", len(backend.requests))
	}
}

func TestAssistantApprovalCommands(t *testing.T) {
	backend := &scriptedBackend{}
	a, store, approvals := newTestAssistant(t, backend)
	ch := newFakeChannel()

	session := store.GetOrCreate(KindText, "chat1")

	t.Run("approve resolves pending request", func(t *testing.T) {
		id, _ := approvals.Request(session.ID, "mkdir /tmp/x")

		done := make(chan bool, 1)
		go func() {
			ok, _ := approvals.Wait(id)
			done <- ok
		}()

		a.handleMessage(ch, incomingText(testSender, "chat1", "approve "+id))

		if ok := <-done; !ok {
			t.Error("expected approval to resolve true")
		}
		sent := ch.sentMessages()
		if !strings.HasPrefix(sent[len(sent)-1], "Approved") {
			t.Errorf("expected approval ack, got %q", sent[len(sent)-1])
		}
	})

	t.Run("deny resolves pending request", func(t *testing.T) {
		id, _ := approvals.Request(session.ID, "rm -rf /tmp/x")

		done := make(chan bool, 1)
		go func() {
			ok, _ := approvals.Wait(id)
			done <- ok
		}()

		a.handleMessage(ch, incomingText(testSender, "chat1", "DENY "+id))

		if ok := <-done; ok {
			t.Error("expected denial to resolve false")
		}
		sent := ch.sentMessages()
		if !strings.HasPrefix(sent[len(sent)-1], "Denied") {
			t.Errorf("expected denial ack, got %q", sent[len(sent)-1])
		}
	})

	t.Run("unknown id reports expiry", func(t *testing.T) {
		a.handleMessage(ch, incomingText(testSender, "chat1", "APPROVE ZZZZZZZZ"))

		sent := ch.sentMessages()
		if !strings.Contains(sent[len(sent)-1], "No pending approval") {
			t.Errorf("expected unknown-id notice, got %q", sent[len(sent)-1])
		}
	})

	if len(backend.requests) != 0 {
		t.Error("approval commands must not call the model")
	}
}

func TestAssistantBusyGuard(t *testing.T) {
	backend := &scriptedBackend{}
	a, store, _ := newTestAssistant(t, backend)
	ch := newFakeChannel()

	session := store.GetOrCreate(KindText, "chat1")
	if !a.acquire(session.ID) {
		t.Fatal("expected to acquire session")
	}
	defer a.release(session.ID)

	a.handleMessage(ch, incomingText(testSender, "chat1", "hello again"))

	sent := ch.sentMessages()
	if len(sent) != 1 || sent[0] != BusyReply {
		t.Errorf("expected busy notice, got %v", sent)
	}
	if len(backend.requests) != 0 {
		t.Error("busy session must not call the model")
	}
}

func TestAssistantChunksLongReply(t *testing.T) {
	long := strings.Repeat("A full sentence that carries some words. ", 120)
	backend := &scriptedBackend{responses: []*ChatResponse{textResponse(long)}}
	a, _, _ := newTestAssistant(t, backend)
	ch := newFakeChannel()

	a.handleMessage(ch, incomingText(testSender, "chat1", "tell me everything"))

	sent := ch.sentMessages()
	if len(sent) < 2 {
		t.Fatalf("expected chunked reply, got %d messages", len(sent))
	}
	for i, s := range sent {
		if len(s) > TextChunkLimit {
			t.Errorf("message %d exceeds channel limit: %d chars", i, len(s))
		}
	}
	if !strings.HasPrefix(sent[0], "[1/") {
		t.Errorf("expected chunk prefix on first message, got %q", sent[0][:10])
	}
}

func TestBuildUserContent(t *testing.T) {
	t.Run("text only", func(t *testing.T) {
		blocks := buildUserContent(incomingText(testSender, "c", "hello"))
		if len(blocks) != 1 || blocks[0].Text != "hello" {
			t.Errorf("unexpected blocks: %+v", blocks)
		}
	})

	t.Run("media adds reference block", func(t *testing.T) {
		msg := incomingText(testSender, "c", "look at this")
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: "image/jpeg",
			URL:      "https://example.com/pic.jpg",
		}
		blocks := buildUserContent(msg)

		if len(blocks) != 2 {
			t.Fatalf("expected 2 blocks, got %d", len(blocks))
		}
		if !strings.Contains(blocks[1].Text, "image/jpeg") {
			t.Errorf("expected media reference, got %q", blocks[1].Text)
		}
	})
}
