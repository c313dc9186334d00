// Package discord implements the Discord channel for CallClaw using
// discordgo. It serves direct messages only: guild chatter is ignored,
// and replies over the 2000 character Discord limit are split.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/callclaw/pkg/callclaw/channels"
)

// discordMessageLimit is Discord's per-message character cap.
const discordMessageLimit = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Enabled turns the channel on.
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{}
}

// Discord implements channels.Channel and channels.MediaChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages is the channel for incoming messages forwarded to the assistant.
	messages chan *channels.IncomingMessage

	connected atomic.Bool

	// httpClient is used for downloading media by URL.
	httpClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the specified channel, splitting it when
// over Discord's per-message limit.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	for _, chunk := range splitMessage(message.Content, discordMessageLimit) {
		if _, err := d.session.ChannelMessageSend(to, chunk); err != nil {
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// SendMedia sends a file attachment to the specified channel.
func (d *Discord) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	var reader io.Reader
	if len(media.Data) > 0 {
		reader = bytes.NewReader(media.Data)
	} else if media.URL != "" {
		resp, err := d.httpClient.Get(media.URL)
		if err != nil {
			return fmt.Errorf("discord: download media: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("discord: reading media: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		return fmt.Errorf("discord: no media data or URL")
	}

	msgSend := &discordgo.MessageSend{
		Files: []*discordgo.File{
			{Name: "file", Reader: reader},
		},
	}
	if media.Caption != "" {
		msgSend.Content = media.Caption
	}

	_, err := d.session.ChannelMessageSendComplex(to, msgSend)
	return err
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself and from other bots.
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	// DMs only.
	if m.GuildID != "" {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		ChatID:    m.ChannelID,
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}

	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		mediaType := inferMediaType(att.ContentType)
		incoming.Type = mediaType
		incoming.Media = &channels.MediaInfo{
			Type:     mediaType,
			URL:      att.URL,
			MimeType: att.ContentType,
		}
	}

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// inferMediaType maps a MIME type to a channel message type.
func inferMediaType(contentType string) channels.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(contentType, "audio/"):
		return channels.MessageAudio
	default:
		return channels.MessageDocument
	}
}

// splitMessage splits content into chunks of at most limit characters,
// preferring newline boundaries.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(content) > limit {
		cut := limit
		if idx := strings.LastIndex(content[:limit], "\n"); idx > limit/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimRight(content[:cut], "\n"))
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
