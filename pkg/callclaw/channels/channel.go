// Package channels defines the interface and types for CallClaw messaging
// channels. Each adapter (WhatsApp, Discord) implements Channel to receive
// and send messages in a unified way; transport framing and media handling
// stay inside the adapters.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
)

// Channel is the surface every messaging adapter must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is connected.
	IsConnected() bool
}

// MediaChannel extends Channel with media delivery.
type MediaChannel interface {
	Channel

	// SendMedia sends a media message by URL or raw bytes.
	SendMedia(ctx context.Context, to string, media *MediaMessage) error
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel identifies the source channel.
	Channel string

	// From is the sender identifier on the platform.
	From string

	// ChatID is the conversation identifier.
	ChatID string

	// Type is the message content type.
	Type MessageType

	// Content is the text content.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media describes an attachment, if any.
	Media *MediaInfo
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content.
	Content string
}

// MediaMessage is a media file to be sent.
type MediaMessage struct {
	// Type is the media type.
	Type MessageType

	// Data is the raw media bytes. Either Data or URL must be set.
	Data []byte

	// URL is a URL to the media file. Either Data or URL must be set.
	URL string

	// MimeType is the MIME type (e.g. "image/jpeg").
	MimeType string

	// Caption is the text accompanying the media.
	Caption string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	// Type is the media type.
	Type MessageType

	// MimeType is the MIME type.
	MimeType string

	// Caption is the media caption text.
	Caption string

	// URL is a direct download URL, if the platform provides one.
	URL string
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
)
