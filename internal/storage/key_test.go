package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"plate-pipeline/internal/domain/plate"
)

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestObjectKeyDeterministic(t *testing.T) {
	meta := ObjectMeta{
		PlateNumber:        "ABC123",
		DetectionTimestamp: time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC),
		EventID:            "evt-1",
		Kind:               plate.KindEventSnapshot,
	}

	first := ObjectKey(meta, jpegBytes)
	second := ObjectKey(meta, jpegBytes)
	assert.Equal(t, first, second, "identical bytes must produce identical keys")

	assert.Regexp(t, `^2025/01/21/ABC123_153000_[0-9a-f]{8}_event_snapshot\.jpg$`, first)
}

func TestObjectKeyChangesWithContent(t *testing.T) {
	meta := ObjectMeta{
		PlateNumber:        "ABC123",
		DetectionTimestamp: time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC),
		Kind:               plate.KindPlateCrop,
	}

	a := ObjectKey(meta, jpegBytes)
	b := ObjectKey(meta, append([]byte{0xff, 0xd8, 0xff}, "other"...))
	assert.NotEqual(t, a, b)
}

func TestObjectKeySanitizesPlate(t *testing.T) {
	meta := ObjectMeta{
		PlateNumber:        "ab-12 3!",
		DetectionTimestamp: time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC),
		Kind:               plate.KindEventSnapshot,
	}
	assert.Contains(t, ObjectKey(meta, jpegBytes), "/AB123_")

	meta.PlateNumber = "!!!"
	assert.Contains(t, ObjectKey(meta, jpegBytes), "/UNKNOWN_")
}

func TestDetectContentType(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", jpegBytes, "image/jpeg"},
		{"png", []byte("\x89PNG\r\n\x1a\nrest"), "image/png"},
		{"gif", []byte("GIF89a..."), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"unknown", []byte("plain text"), "image/jpeg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectContentType(tc.data))
		})
	}
}

func TestObjectKeyExtensionFollowsContentType(t *testing.T) {
	meta := ObjectMeta{
		PlateNumber:        "ABC123",
		DetectionTimestamp: time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC),
		Kind:               plate.KindEventSnapshot,
	}
	assert.Contains(t, ObjectKey(meta, []byte("\x89PNG\r\n\x1a\nrest")), ".png")
	assert.Contains(t, ObjectKey(meta, jpegBytes), ".jpg")
}
