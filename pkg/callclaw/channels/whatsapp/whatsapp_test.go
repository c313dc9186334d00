package whatsapp

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t.Run("creates instance with defaults", func(t *testing.T) {
		w := New(DefaultConfig(), logger)

		if w == nil {
			t.Fatal("expected non-nil WhatsApp instance")
		}
		if w.Name() != "whatsapp" {
			t.Errorf("expected name 'whatsapp', got %s", w.Name())
		}
		if w.IsConnected() {
			t.Error("expected disconnected on creation")
		}
	})

	t.Run("uses default logger if nil", func(t *testing.T) {
		w := New(DefaultConfig(), nil)

		if w.logger == nil {
			t.Error("expected logger to be set")
		}
	})

	t.Run("applies reconnect backoff default", func(t *testing.T) {
		w := New(Config{StorePath: "./wa.db"}, logger)

		if w.cfg.ReconnectBackoff != 5*time.Second {
			t.Errorf("expected default backoff 5s, got %v", w.cfg.ReconnectBackoff)
		}
	})
}

func TestSendRequiresConnection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	w := New(DefaultConfig(), logger)

	err := w.Send(context.Background(), "5511999999999", &channels.OutgoingMessage{Content: "hi"})
	if err != channels.ErrChannelDisconnected {
		t.Errorf("expected ErrChannelDisconnected, got %v", err)
	}

	err = w.SendMedia(context.Background(), "5511999999999", &channels.MediaMessage{
		Type: channels.MessageImage,
		URL:  "https://example.com/a.jpg",
	})
	if err != channels.ErrChannelDisconnected {
		t.Errorf("expected ErrChannelDisconnected, got %v", err)
	}
}

func TestParseJID(t *testing.T) {
	t.Run("bare phone number", func(t *testing.T) {
		jid, err := parseJID("5511999999999")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("expected user 5511999999999, got %s", jid.User)
		}
		if jid.Server != "s.whatsapp.net" {
			t.Errorf("expected server s.whatsapp.net, got %s", jid.Server)
		}
	})

	t.Run("formatted phone number", func(t *testing.T) {
		jid, err := parseJID("+55 (11) 99999-9999")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("expected digits only, got %s", jid.User)
		}
	})

	t.Run("full JID passes through", func(t *testing.T) {
		jid, err := parseJID("5511999999999@s.whatsapp.net")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if jid.User != "5511999999999" {
			t.Errorf("expected user 5511999999999, got %s", jid.User)
		}
	})

	t.Run("empty JID rejected", func(t *testing.T) {
		if _, err := parseJID(""); err == nil {
			t.Error("expected error for empty JID")
		}
	})

	t.Run("short number rejected", func(t *testing.T) {
		if _, err := parseJID("12345"); err == nil {
			t.Error("expected error for short number")
		}
	})
}

func TestBuildTextMessage(t *testing.T) {
	msg := buildTextMessage("hello there")
	if msg.GetConversation() != "hello there" {
		t.Errorf("expected conversation text, got %q", msg.GetConversation())
	}
}

func TestExtractMessageContent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	w := New(DefaultConfig(), logger)

	t.Run("conversation text", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waE2E.Message{
			Conversation: proto.String("oi"),
		}, msg)

		if msg.Type != channels.MessageText {
			t.Errorf("expected text type, got %s", msg.Type)
		}
		if msg.Content != "oi" {
			t.Errorf("expected content 'oi', got %q", msg.Content)
		}
	})

	t.Run("extended text", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("formatted"),
			},
		}, msg)

		if msg.Content != "formatted" {
			t.Errorf("expected 'formatted', got %q", msg.Content)
		}
	})

	t.Run("image with caption", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:  proto.String("a photo"),
				Mimetype: proto.String("image/jpeg"),
			},
		}, msg)

		if msg.Type != channels.MessageImage {
			t.Errorf("expected image type, got %s", msg.Type)
		}
		if msg.Media == nil || msg.Media.MimeType != "image/jpeg" {
			t.Errorf("expected media info with mime type, got %+v", msg.Media)
		}
	})

	t.Run("voice note", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				PTT:      proto.Bool(true),
				Mimetype: proto.String("audio/ogg"),
			},
		}, msg)

		if msg.Content != "[voice note]" {
			t.Errorf("expected '[voice note]', got %q", msg.Content)
		}
	})

	t.Run("unknown type falls back", func(t *testing.T) {
		msg := &channels.IncomingMessage{}
		w.extractMessageContent(&waE2E.Message{}, msg)

		if msg.Content != "[unsupported message type]" {
			t.Errorf("expected fallback content, got %q", msg.Content)
		}
	})
}
