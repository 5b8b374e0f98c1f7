package media

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"wabot/internal/model"
	"wabot/internal/storage"
)

// Handler stores and expires media files on disk, with metadata rows kept in
// the store.
type Handler struct {
	Dir   string
	Store *storage.Store

	// Temp files older than this are purged by the cleanup loop.
	MaxTempAge time.Duration
}

// New creates the media directory if needed.
func New(dir string, store *storage.Store) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Handler{
		Dir:        dir,
		Store:      store,
		MaxTempAge: 72 * time.Hour,
	}, nil
}

// Save writes media bytes to disk. When filename is empty a uuid name with
// an extension derived from the mimetype is generated. Returns the path.
func (h *Handler) Save(data []byte, filename, mimetype string) (string, error) {
	if filename == "" {
		filename = uuid.NewString() + "." + ExtensionFromMimetype(mimetype)
	}
	path := filepath.Join(h.Dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}

// Delete removes a media file from disk. Missing files are not an error.
func (h *Handler) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CleanupTemp deletes temp-flagged media rows older than MaxTempAge together
// with their files. Errors are logged; cleanup is best-effort.
func (h *Handler) CleanupTemp() {
	cutoff := time.Now().Add(-h.MaxTempAge)
	expired, err := h.Store.ListExpiredTempMedia(cutoff)
	if err != nil {
		log.Printf("[media] listing expired temp files: %v", err)
		return
	}
	for _, f := range expired {
		if err := h.Delete(f.FilePath); err != nil {
			log.Printf("[media] deleting %s: %v", f.FilePath, err)
			continue
		}
		if _, err := h.Store.DeleteMediaFile(f.ID); err != nil {
			log.Printf("[media] deleting row %s: %v", f.ID, err)
		}
	}
	if len(expired) > 0 {
		log.Printf("[media] cleaned up %d expired temp file(s)", len(expired))
	}
}

// StartCleanupLoop runs CleanupTemp on the given interval until ctx is done.
func (h *Handler) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				h.CleanupTemp()
			}
		}
	}()
}

var mimetypeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"video/3gpp":      "3gp",
	"audio/ogg":       "ogg",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"application/pdf": "pdf",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-powerpoint": "ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"text/plain": "txt",
}

// ExtensionFromMimetype maps a mimetype to a file extension, "bin" when
// unknown. Parameters like "; codecs=opus" are ignored.
func ExtensionFromMimetype(mimetype string) string {
	mt := strings.TrimSpace(mimetype)
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := mimetypeExtensions[mt]; ok {
		return ext
	}
	return "bin"
}

// TypeFromMimetype categorizes a mimetype into the model file types.
// webp counts as a sticker, matching how WhatsApp ships stickers.
func TypeFromMimetype(mimetype string) string {
	mt := strings.TrimSpace(mimetype)
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "image/webp":
		return model.FileTypeSticker
	case strings.HasPrefix(mt, "image/"):
		return model.FileTypeImage
	case strings.HasPrefix(mt, "audio/"):
		return model.FileTypeAudio
	case strings.HasPrefix(mt, "video/"):
		return model.FileTypeVideo
	case mt == "application/pdf",
		mt == "text/plain",
		strings.Contains(mt, "word"),
		strings.Contains(mt, "excel"),
		strings.Contains(mt, "spreadsheet"),
		strings.Contains(mt, "powerpoint"),
		strings.Contains(mt, "presentation"):
		return model.FileTypeDocument
	default:
		return model.FileTypeOther
	}
}
