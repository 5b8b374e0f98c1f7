package inbound

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types/events"

	"wabot/internal/media"
	"wabot/internal/model"
	"wabot/internal/sender"
	"wabot/internal/storage"
	"wabot/internal/wa"
)

const helpText = `*Available commands:*
!ping - connection test
!help - show this message`

// Handler persists incoming chat messages, captures their attachments, and
// answers the built-in bot commands.
type Handler struct {
	Store   *storage.Store
	Manager *wa.Manager
	Sender  *sender.Sender
	Media   *media.Handler
}

func New(store *storage.Store, manager *wa.Manager, snd *sender.Sender, mh *media.Handler) *Handler {
	return &Handler{Store: store, Manager: manager, Sender: snd, Media: mh}
}

// HandleMessage is registered with wa.Manager for incoming message events.
func (h *Handler) HandleMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	body := extractText(evt.Message)
	hasMedia := hasAttachment(evt.Message)
	isCommand := strings.HasPrefix(body, "!")
	command := ""
	if isCommand {
		command = strings.Fields(body)[0]
	}

	msg := &model.Message{
		MessageID: evt.Info.ID,
		Direction: model.DirectionIncoming,
		Body:      body,
		From:      evt.Info.Sender.String(),
		To:        evt.Info.Chat.String(),
		HasMedia:  hasMedia,
		IsCommand: isCommand,
		Command:   command,
		Timestamp: evt.Info.Timestamp,
	}
	if err := h.Store.InsertMessage(msg); err != nil {
		log.Printf("[inbound] saving message %s: %v", evt.Info.ID, err)
	}

	if hasMedia {
		h.captureMedia(evt)
	}

	switch command {
	case "!ping":
		h.reply(evt, "pong")
	case "!help":
		h.reply(evt, helpText)
	}
}

func (h *Handler) reply(evt *events.Message, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Sender.SendText(ctx, evt.Info.Chat.String(), text); err != nil {
		log.Printf("[inbound] replying to %s: %v", evt.Info.Chat.String(), err)
	}
}

// captureMedia downloads the attachment and stores it as a temp file with a
// metadata row; the cleanup loop expires it later.
func (h *Handler) captureMedia(evt *events.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	data, err := h.Manager.DownloadMedia(ctx, evt.Message)
	if err != nil {
		log.Printf("[inbound] downloading media of %s: %v", evt.Info.ID, err)
		return
	}
	mimetype := attachmentMimetype(evt.Message)
	path, err := h.Media.Save(data, "", mimetype)
	if err != nil {
		log.Printf("[inbound] saving media of %s: %v", evt.Info.ID, err)
		return
	}
	f := &model.MediaFile{
		ID:        uuid.NewString(),
		MessageID: evt.Info.ID,
		Filename:  filepath.Base(path),
		FilePath:  path,
		Mimetype:  mimetype,
		FileSize:  int64(len(data)),
		FileType:  media.TypeFromMimetype(mimetype),
		TempFile:  true,
	}
	if err := h.Store.InsertMediaFile(f); err != nil {
		log.Printf("[inbound] saving media row of %s: %v", evt.Info.ID, err)
	}
}

// extractText extracts text content from the common message variants.
func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return *msg.Conversation
	}
	if msg.ExtendedTextMessage != nil && msg.ExtendedTextMessage.Text != nil {
		return *msg.ExtendedTextMessage.Text
	}
	if msg.ImageMessage != nil && msg.ImageMessage.Caption != nil {
		return *msg.ImageMessage.Caption
	}
	if msg.VideoMessage != nil && msg.VideoMessage.Caption != nil {
		return *msg.VideoMessage.Caption
	}
	if msg.DocumentMessage != nil && msg.DocumentMessage.Caption != nil {
		return *msg.DocumentMessage.Caption
	}
	return ""
}

func hasAttachment(msg *waProto.Message) bool {
	return msg.ImageMessage != nil ||
		msg.VideoMessage != nil ||
		msg.AudioMessage != nil ||
		msg.DocumentMessage != nil ||
		msg.StickerMessage != nil
}

func attachmentMimetype(msg *waProto.Message) string {
	switch {
	case msg.ImageMessage != nil && msg.ImageMessage.Mimetype != nil:
		return *msg.ImageMessage.Mimetype
	case msg.VideoMessage != nil && msg.VideoMessage.Mimetype != nil:
		return *msg.VideoMessage.Mimetype
	case msg.AudioMessage != nil && msg.AudioMessage.Mimetype != nil:
		return *msg.AudioMessage.Mimetype
	case msg.DocumentMessage != nil && msg.DocumentMessage.Mimetype != nil:
		return *msg.DocumentMessage.Mimetype
	case msg.StickerMessage != nil && msg.StickerMessage.Mimetype != nil:
		return *msg.StickerMessage.Mimetype
	default:
		return "application/octet-stream"
	}
}
