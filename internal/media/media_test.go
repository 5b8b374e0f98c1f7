package media

import (
	"testing"

	"wabot/internal/model"
)

func TestExtensionFromMimetype(t *testing.T) {
	cases := []struct {
		mimetype string
		want     string
	}{
		{"image/jpeg", "jpg"},
		{"image/png", "png"},
		{"video/mp4", "mp4"},
		{"audio/ogg; codecs=opus", "ogg"},
		{"application/pdf", "pdf"},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "docx"},
		{"text/plain", "txt"},
		{"application/x-mystery", "bin"},
		{"", "bin"},
	}
	for _, tc := range cases {
		if got := ExtensionFromMimetype(tc.mimetype); got != tc.want {
			t.Errorf("ExtensionFromMimetype(%q) = %q, want %q", tc.mimetype, got, tc.want)
		}
	}
}

func TestTypeFromMimetype(t *testing.T) {
	cases := []struct {
		mimetype string
		want     string
	}{
		{"image/jpeg", model.FileTypeImage},
		{"image/webp", model.FileTypeSticker},
		{"audio/ogg; codecs=opus", model.FileTypeAudio},
		{"video/mp4", model.FileTypeVideo},
		{"application/pdf", model.FileTypeDocument},
		{"application/vnd.ms-excel", model.FileTypeDocument},
		{"text/plain", model.FileTypeDocument},
		{"application/zip", model.FileTypeOther},
	}
	for _, tc := range cases {
		if got := TypeFromMimetype(tc.mimetype); got != tc.want {
			t.Errorf("TypeFromMimetype(%q) = %q, want %q", tc.mimetype, got, tc.want)
		}
	}
}
