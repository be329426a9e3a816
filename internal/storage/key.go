package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"plate-pipeline/internal/domain/plate"
)

// ObjectMeta is the detection identity an uploaded image is filed under.
type ObjectMeta struct {
	PlateNumber        string
	DetectionTimestamp time.Time
	EventID            string
	Kind               plate.ThumbnailKind
}

// ObjectKey builds the deterministic, date-partitioned storage key:
//
//	{yyyy}/{mm}/{dd}/{PLATE}_{HHMMSS}_{hash8}_{kind}.{ext}
//
// The hash component is the content hash, so re-uploading identical bytes
// lands on the same key and the put is naturally idempotent.
func ObjectKey(meta ObjectMeta, data []byte) string {
	ts := meta.DetectionTimestamp.UTC()
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s/%s_%s_%s_%s%s",
		ts.Format("2006/01/02"),
		sanitizePlate(meta.PlateNumber),
		ts.Format("150405"),
		hex.EncodeToString(sum[:])[:8],
		meta.Kind,
		extensionFor(DetectContentType(data)),
	)
}

// sanitizePlate strips everything non-alphanumeric so the plate is safe in
// an object key.
func sanitizePlate(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "UNKNOWN"
	}
	return b.String()
}

// DetectContentType sniffs the image format from magic bytes. Cameras emit
// JPEG almost exclusively, so that is the default for anything unknown.
func DetectContentType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
