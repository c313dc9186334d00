package copilot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"log/slog"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels"
)

// Canned controller replies.
const (
	ResetReply      = "Conversation history cleared. Starting fresh."
	BusyReply       = "Still working on your previous message, please wait."
	AckWorkingReply = "Working on it..."
)

// Assistant is the text session controller. It consumes messages from the
// attached channels, enforces single-sender access, routes approval
// commands, and drives the agent loop for everything else.
// Message flow: receive → access check → command check → agent → chunked send.
type Assistant struct {
	cfg       *Config
	store     *SessionStore
	agent     *Agent
	approvals *ApprovalManager
	logger    *slog.Logger

	// busy guards one in-flight agent run per session.
	busyMu sync.Mutex
	busy   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAssistant creates the text controller.
func NewAssistant(cfg *Config, agent *Agent, approvals *ApprovalManager, store *SessionStore, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		cfg:       cfg,
		store:     store,
		agent:     agent,
		approvals: approvals,
		logger:    logger.With("component", "assistant"),
		busy:      make(map[string]bool),
	}
}

// Start begins dispatching. Channels must be attached before Start.
func (a *Assistant) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight work and waits for handlers to drain.
func (a *Assistant) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// AttachChannel consumes incoming messages from a channel until it closes.
func (a *Assistant) AttachChannel(ch channels.Channel) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for msg := range ch.Receive() {
			if a.ctx != nil && a.ctx.Err() != nil {
				return
			}
			m := msg
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(ch, m)
			}()
		}
	}()
}

// handleMessage processes one incoming message end to end.
func (a *Assistant) handleMessage(ch channels.Channel, msg *channels.IncomingMessage) {
	// Access control: a single approved identity. Anything else is
	// dropped without a reply, and the content never reaches the log.
	if !a.senderAllowed(msg.From) {
		a.logger.Debug("message from unapproved sender dropped",
			"channel", msg.Channel, "from", msg.From)
		return
	}

	session := a.store.GetOrCreate(KindText, msg.ChatID)

	// Stale conversations restart from a clean slate.
	if session.Len() > 0 && session.StaleAfter(a.cfg.Conversation.Timeout()) {
		a.logger.Info("conversation timed out, clearing history",
			"session", session.ID)
		session.Clear()
	}

	text := strings.TrimSpace(msg.Content)

	if strings.EqualFold(text, "/reset") {
		session.Clear()
		a.sendText(ch, msg.ChatID, ResetReply)
		return
	}

	if reply, handled := a.handleApprovalCommand(session.ID, text); handled {
		a.sendText(ch, msg.ChatID, reply)
		return
	}

	if !a.acquire(session.ID) {
		a.sendText(ch, msg.ChatID, BusyReply)
		return
	}
	defer a.release(session.ID)

	userContent := buildUserContent(msg)
	if len(userContent) == 0 {
		return
	}

	acked := false
	hooks := RunHooks{
		OnToolRoundStart: func() {
			if !acked {
				acked = true
				a.sendText(ch, msg.ChatID, AckWorkingReply)
			}
		},
		SendApprovalPrompt: func(prompt string) {
			a.sendText(ch, msg.ChatID, prompt)
		},
	}

	systemPrompt := BuildSystemPrompt(a.cfg, KindText)

	reply, err := a.agent.Run(a.ctx, session, systemPrompt, userContent, hooks)
	if err != nil {
		a.logger.Error("agent run degraded", "session", session.ID, "error", err)
	}

	for _, chunk := range ChunkMessage(reply, TextChunkLimit) {
		a.sendText(ch, msg.ChatID, chunk)
	}
}

// senderAllowed matches the sender against the approved identity. The JID
// user part is compared so "5511999999999" matches
// "5511999999999@s.whatsapp.net".
func (a *Assistant) senderAllowed(from string) bool {
	approved := strings.TrimSpace(a.cfg.Access.ApprovedSender)
	if approved == "" {
		return false
	}
	if from == approved {
		return true
	}
	fromUser, _, _ := strings.Cut(from, "@")
	approvedUser, _, _ := strings.Cut(approved, "@")
	return fromUser != "" && fromUser == approvedUser
}

// handleApprovalCommand routes APPROVE <id> / DENY <id> replies to the
// approval manager. Returns handled=false when the text is not an
// approval command.
func (a *Assistant) handleApprovalCommand(sessionID, text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return "", false
	}

	var approve bool
	switch strings.ToUpper(fields[0]) {
	case "APPROVE":
		approve = true
	case "DENY":
		approve = false
	default:
		return "", false
	}

	id := fields[1]
	if !a.approvals.Resolve(id, sessionID, approve) {
		return "No pending approval with that ID. It may have expired.", true
	}
	if approve {
		return "Approved. Running the command now.", true
	}
	return "Denied. The command will not run.", true
}

// buildUserContent converts an incoming message into model content blocks.
// Media is passed as a reference block since the model only sees text here.
func buildUserContent(msg *channels.IncomingMessage) []ContentBlock {
	var blocks []ContentBlock

	text := strings.TrimSpace(msg.Content)
	if text != "" {
		blocks = append(blocks, TextBlock(text))
	}

	if msg.Media != nil {
		ref := fmt.Sprintf("[user sent %s attachment", msg.Media.Type)
		if msg.Media.MimeType != "" {
			ref += " (" + msg.Media.MimeType + ")"
		}
		if msg.Media.URL != "" {
			ref += ", url: " + msg.Media.URL
		}
		ref += "]"
		blocks = append(blocks, TextBlock(ref))
	}

	return blocks
}

// acquire marks a session busy. Returns false when a run is in flight.
func (a *Assistant) acquire(sessionID string) bool {
	a.busyMu.Lock()
	defer a.busyMu.Unlock()
	if a.busy[sessionID] {
		return false
	}
	a.busy[sessionID] = true
	return true
}

func (a *Assistant) release(sessionID string) {
	a.busyMu.Lock()
	defer a.busyMu.Unlock()
	delete(a.busy, sessionID)
}

// sendText delivers one text message, logging failures.
func (a *Assistant) sendText(ch channels.Channel, chatID, content string) {
	if content == "" {
		return
	}
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ch.Send(ctx, chatID, &channels.OutgoingMessage{Content: content}); err != nil {
		a.logger.Error("failed to send message",
			"channel", ch.Name(), "chat", chatID, "error", err)
	}
}
