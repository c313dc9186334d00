// Package whatsapp – media.go builds outgoing WhatsApp protobuf messages
// and handles media upload. Media can be supplied as raw bytes or fetched
// from a URL before the encrypted upload to WhatsApp servers.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jholhewres/callclaw/pkg/callclaw/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// maxMediaFetchBytes limits how much we download from a media URL.
const maxMediaFetchBytes = 16 << 20 // 16 MB

// buildTextMessage wraps plain text in a WhatsApp message.
func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{
		Conversation: proto.String(text),
	}
}

// buildMediaMessage uploads the media payload and builds the matching
// protobuf message for its type.
func (w *WhatsApp) buildMediaMessage(ctx context.Context, media *channels.MediaMessage) (*waE2E.Message, error) {
	data := media.Data
	mimeType := media.MimeType

	if len(data) == 0 {
		if media.URL == "" {
			return nil, fmt.Errorf("media has neither data nor URL")
		}
		var err error
		data, mimeType, err = fetchMedia(ctx, media.URL)
		if err != nil {
			return nil, fmt.Errorf("fetching media from URL: %w", err)
		}
		if media.MimeType != "" {
			mimeType = media.MimeType
		}
	}

	switch media.Type {
	case channels.MessageImage:
		resp, err := w.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("uploading image: %w", err)
		}
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(media.Caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &resp.FileLength,
			},
		}, nil

	case channels.MessageAudio:
		resp, err := w.client.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, fmt.Errorf("uploading audio: %w", err)
		}
		return &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &resp.FileLength,
			},
		}, nil

	case channels.MessageDocument:
		resp, err := w.client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("uploading document: %w", err)
		}
		return &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				Caption:       proto.String(media.Caption),
				Mimetype:      proto.String(mimeType),
				FileName:      proto.String("document"),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &resp.FileLength,
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s", channels.ErrMediaNotSupported, media.Type)
	}
}

// fetchMedia downloads media bytes from a URL, capped at maxMediaFetchBytes.
func fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaFetchBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxMediaFetchBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaFetchBytes)
	}

	return data, resp.Header.Get("Content-Type"), nil
}
