// Package whatsapp implements the WhatsApp channel for CallClaw using
// whatsmeow — a native Go WhatsApp Web API library. No Node.js bridge.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Send/receive text messages in direct chats
//   - Media delivery by URL or raw bytes
//   - Automatic reconnection with backoff
//
// This is a core channel (compiled into the binary, not a plugin).
package whatsapp

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// Enabled turns the channel on.
	Enabled bool `yaml:"enabled"`

	// StorePath is the path to the SQLite database file for session
	// storage. The whatsmeow session tables (prefixed with whatsmeow_)
	// live in this file.
	StorePath string `yaml:"store_path"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts is the maximum number of reconnection attempts
	// (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              false,
		StorePath:            "./whatsapp-session.db",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// WhatsApp implements the channels.Channel and channels.MediaChannel
// interfaces on top of whatsmeow.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// messages is the channel for incoming messages.
	messages chan *channels.IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// reconnectAttempts tracks reconnection tries.
	reconnectAttempts atomic.Int32

	// reconnectGuard prevents multiple concurrent reconnection attempts.
	reconnectGuard atomic.Bool

	// messagesClosed tracks if the messages channel has been closed.
	// This prevents sending to a closed channel which would cause a panic.
	messagesClosed atomic.Bool

	// ctx and cancel for lifecycle management.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}

	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection via whatsmeow.
// If no existing session is found, the QR login process runs in the
// background (non-blocking) so the server can start immediately; the
// QR code is written to the log for scanning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info("whatsapp: initializing connection", "store", w.cfg.StorePath)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.StorePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked devices list.
	store.SetOSInfo("CallClaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	// whatsmeow's built-in auto-reconnect handles network hiccups and
	// server-initiated disconnects; attemptReconnect covers the rest.
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		// First login — start QR process in background (non-blocking).
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	// Existing session — reconnect.
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)",
		"jid", w.clientJID())

	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}

	// Mark channel as closed before actually closing to prevent a race
	// with emitMessage sending to a closed channel.
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}

	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send sends a text message to the specified JID.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	_, err = w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content))
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendMedia sends a media message (image, audio, document).
func (w *WhatsApp) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	waMsg, err := w.buildMediaMessage(ctx, media)
	if err != nil {
		return fmt.Errorf("building media message: %w", err)
	}

	_, err = w.client.SendMessage(ctx, jid, waMsg)
	if err != nil {
		return fmt.Errorf("sending media: %w", err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// clientJID returns the current client JID if logged in.
func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// getDevice retrieves an existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR handles the QR code login flow. The raw QR code string is
// logged so it can be rendered by any terminal QR tool and scanned.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.logger.Info("whatsapp: waiting for QR code scan")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp: scan this QR code with WhatsApp to link your device",
					"code", evt.Code)

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.logger.Info("whatsapp: login successful", "jid", w.clientJID())
				return nil

			case "timeout":
				w.logger.Warn("whatsapp: QR code expired, restart to try again")
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff.
// A guard prevents multiple concurrent reconnection attempts; the loop
// runs until reconnection succeeds or max attempts is reached.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("whatsapp: reconnect already in progress, skipping")
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			w.logger.Debug("whatsapp: reconnect cancelled, context done")
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached",
				"attempts", attempts)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)

		w.logger.Info("whatsapp: attempting reconnect",
			"attempt", attempts,
			"backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			w.logger.Debug("whatsapp: reconnect cancelled during backoff")
			return
		}

		if w.client == nil {
			w.logger.Warn("whatsapp: client is nil, cannot reconnect")
			return
		}

		// Disconnect first to clear any stale websocket state.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed, will retry",
				"attempt", attempts,
				"error", err)
			continue
		}

		// The Connected event will flip the connected flag.
		w.logger.Info("whatsapp: reconnect initiated, waiting for confirmation")
		return
	}
}

// emitMessage sends a message to the incoming messages channel.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}

	select {
	case w.messages <- msg:
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message channel full, dropping message",
			"from", msg.From, "type", msg.Type)
	}
}
