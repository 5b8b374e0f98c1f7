package sender

import (
	"context"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/media"
	"wabot/internal/model"
	"wabot/internal/storage"
	"wabot/internal/wa"
)

// DeliveryError wraps a failed send with a human-readable cause.
type DeliveryError struct {
	Op  string // "text" or "media"
	To  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("send %s to %s: %v", e.Op, e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Sender delivers text and media messages through the WhatsApp client and
// records outgoing traffic in the message log.
type Sender struct {
	Store   *storage.Store
	Manager *wa.Manager
}

func New(store *storage.Store, manager *wa.Manager) *Sender {
	return &Sender{Store: store, Manager: manager}
}

// NormalizeJID turns a bare phone number into a user JID; already-qualified
// JIDs pass through untouched.
func NormalizeJID(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return strings.TrimPrefix(to, "+") + "@" + types.DefaultUserServer
}

// SendText delivers a plain text message.
func (s *Sender) SendText(ctx context.Context, to, body string) error {
	cli, jid, err := s.client(to)
	if err != nil {
		return &DeliveryError{Op: "text", To: to, Err: err}
	}
	msg := &proto.Message{Conversation: strptr(body)}
	resp, err := cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return &DeliveryError{Op: "text", To: to, Err: err}
	}
	s.logOutgoing(resp.ID, to, body, false)
	return nil
}

// SendMedia delivers a file from disk with the body as caption. The upload
// kind is chosen from the file's mimetype.
func (s *Sender) SendMedia(ctx context.Context, to, body, mediaPath string) error {
	cli, jid, err := s.client(to)
	if err != nil {
		return &DeliveryError{Op: "media", To: to, Err: err}
	}
	data, err := os.ReadFile(mediaPath)
	if err != nil {
		return &DeliveryError{Op: "media", To: to, Err: fmt.Errorf("read media file: %w", err)}
	}
	mimetype := detectMimetype(mediaPath, data)

	msg, err := buildMediaMessage(ctx, cli, data, mimetype, body, filepath.Base(mediaPath))
	if err != nil {
		return &DeliveryError{Op: "media", To: to, Err: err}
	}
	resp, err := cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return &DeliveryError{Op: "media", To: to, Err: err}
	}
	s.logOutgoing(resp.ID, to, body, true)
	return nil
}

func (s *Sender) client(to string) (*whatsmeow.Client, types.JID, error) {
	cli := s.Manager.Client
	if cli.Store == nil || cli.Store.ID == nil {
		return nil, types.JID{}, fmt.Errorf("client not paired/connected")
	}
	jid, err := types.ParseJID(NormalizeJID(to))
	if err != nil {
		return nil, types.JID{}, fmt.Errorf("parse JID: %w", err)
	}
	return cli, jid, nil
}

// buildMediaMessage uploads the payload and wraps it in the proto message
// matching its media category. Stickers ride as images; unknown types ship
// as documents so nothing is refused.
func buildMediaMessage(ctx context.Context, cli *whatsmeow.Client, data []byte, mimetype, caption, filename string) (*proto.Message, error) {
	length := uint64(len(data))
	switch media.TypeFromMimetype(mimetype) {
	case model.FileTypeImage, model.FileTypeSticker:
		up, err := cli.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("upload image: %w", err)
		}
		return &proto.Message{ImageMessage: &proto.ImageMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mimetype),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	case model.FileTypeVideo:
		up, err := cli.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, fmt.Errorf("upload video: %w", err)
		}
		return &proto.Message{VideoMessage: &proto.VideoMessage{
			Caption:       optstr(caption),
			Mimetype:      optstr(mimetype),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	case model.FileTypeAudio:
		up, err := cli.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, fmt.Errorf("upload audio: %w", err)
		}
		return &proto.Message{AudioMessage: &proto.AudioMessage{
			Mimetype:      optstr(mimetype),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	default:
		up, err := cli.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("upload document: %w", err)
		}
		return &proto.Message{DocumentMessage: &proto.DocumentMessage{
			Caption:       optstr(caption),
			FileName:      optstr(filename),
			Mimetype:      optstr(mimetype),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}}, nil
	}
}

// detectMimetype tries the extension first, then sniffs the content.
func detectMimetype(path string, data []byte) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mt != "" {
		return mt
	}
	return http.DetectContentType(data)
}

// logOutgoing is best-effort; a log write must never fail a delivered send.
func (s *Sender) logOutgoing(messageID, to, body string, hasMedia bool) {
	err := s.Store.InsertMessage(&model.Message{
		MessageID: messageID,
		Direction: model.DirectionOutgoing,
		Body:      body,
		From:      "me",
		To:        NormalizeJID(to),
		HasMedia:  hasMedia,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Printf("[sender] logging outgoing message: %v", err)
	}
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
