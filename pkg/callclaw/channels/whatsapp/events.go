// Package whatsapp – events.go processes incoming whatsmeow events and
// converts them into unified CallClaw IncomingMessage values.
package whatsapp

import (
	"fmt"
	"strings"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())

	case *events.Disconnected:
		wasConnected := w.connected.Swap(false)
		w.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
		if wasConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced, another device connected")

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(evt)

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform)

	case *events.QRScannedWithoutMultidevice:
		w.logger.Warn("whatsapp: QR scanned but multidevice not enabled")
	}
}

// handleLoggedOut handles session invalidation.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	w.logger.Error("whatsapp: logged out, QR scan required",
		"reason", reason,
		"on_connect", evt.OnConnect)

	go func() {
		if err := w.loginWithQR(w.ctx); err != nil {
			w.logger.Warn("whatsapp: QR re-login failed", "error", err)
		}
	}()
}

// handleKeepAliveTimeout handles keep-alive failures. Three or more
// consecutive failures indicate a half-open socket, so force a reconnect.
func (w *WhatsApp) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	w.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount,
		"last_success", evt.LastSuccess)

	if evt.ErrorCount >= 3 && w.connected.Load() {
		w.logger.Error("whatsapp: keep-alive failed repeatedly, forcing reconnection",
			"error_count", evt.ErrorCount)
		w.connected.Store(false)
		go w.attemptReconnect()
	}
}

// handleConnectFailure handles connection failures from the WhatsApp server.
func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	permanent := evt.PermanentDisconnectDescription()

	w.logger.Error("whatsapp: connect failure",
		"reason", reason,
		"message", evt.Message,
		"permanent", permanent)

	if permanent == "" && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleMessageEvt processes an incoming WhatsApp message event.
// Group chats and status broadcasts are ignored; the assistant only
// serves direct chats.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup {
		return
	}

	// Resolve sender JID — WhatsApp may use LID (Linked Identity) format
	// instead of phone numbers. Resolve to phone JID for access control.
	senderJID := evt.Info.Sender
	resolvedSender := senderJID.String()
	if senderJID.Server == "lid" && w.client != nil && w.client.Store != nil {
		if altJID, err := w.client.Store.GetAltJID(w.ctx, senderJID); err == nil && !altJID.IsEmpty() {
			resolvedSender = altJID.String()
			w.logger.Debug("whatsapp: resolved LID to phone",
				"lid", senderJID.String(), "phone", resolvedSender)
		}
	}

	chatJID := evt.Info.Chat
	resolvedChat := chatJID.String()
	if chatJID.Server == "lid" && w.client != nil && w.client.Store != nil {
		if altJID, err := w.client.Store.GetAltJID(w.ctx, chatJID); err == nil && !altJID.IsEmpty() {
			resolvedChat = altJID.String()
		}
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      resolvedSender,
		ChatID:    resolvedChat,
		Timestamp: evt.Info.Timestamp,
	}

	w.extractMessageContent(evt.Message, msg)
	w.emitMessage(msg)
}

// extractMessageContent extracts the text/media content from a message.
func (w *WhatsApp) extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		return
	}

	// Text message (simple conversation).
	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
		return
	}

	// Extended text message (with preview, formatting, etc.).
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Content = ext.GetText()
		return
	}

	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: img.GetMimetype(),
			Caption:  img.GetCaption(),
			URL:      img.GetURL(),
		}
		return
	}

	if audio := waMsg.AudioMessage; audio != nil {
		msg.Type = channels.MessageAudio
		msg.Content = "[audio]"
		if audio.GetPTT() {
			msg.Content = "[voice note]"
		}
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: audio.GetMimetype(),
			URL:      audio.GetURL(),
		}
		return
	}

	if doc := waMsg.DocumentMessage; doc != nil {
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		if msg.Content == "" {
			msg.Content = fmt.Sprintf("[document: %s]", doc.GetFileName())
		}
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: doc.GetMimetype(),
			Caption:  doc.GetCaption(),
			URL:      doc.GetURL(),
		}
		return
	}

	// Fallback: unknown message type.
	msg.Type = channels.MessageText
	msg.Content = "[unsupported message type]"
}

// parseJID converts a string JID to types.JID.
// Accepts formats: "5511999999999" or "5511999999999@s.whatsapp.net".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	// Already a full JID with server.
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	// Bare phone number — add the default server. Strip non-digits.
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
