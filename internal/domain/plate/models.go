package plate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ThumbnailKind names one of the two images a detection may carry.
type ThumbnailKind string

const (
	KindEventSnapshot ThumbnailKind = "event_snapshot"
	KindPlateCrop     ThumbnailKind = "license_plate_crop"
)

const (
	ProcessedByWebhook  = "webhook"
	ProcessedByBackfill = "backfill_script"
)

// ThumbnailRef points at one stored image. Absence of a ref never blocks
// persistence of the detection it belongs to.
type ThumbnailRef struct {
	StoragePath string    `json:"storage_path"`
	PublicURL   string    `json:"public_url"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// ThumbnailSet holds up to one ref per kind.
type ThumbnailSet map[ThumbnailKind]ThumbnailRef

type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

type VehicleInfo struct {
	Type            string  `json:"type,omitempty"`
	TypeConfidence  float64 `json:"type_confidence,omitempty"`
	Color           string  `json:"color,omitempty"`
	ColorConfidence float64 `json:"color_confidence,omitempty"`
}

// ImageSources carries everything the payload offered for locating imagery.
// The resolver is the only consumer; it tries inline bytes first, then the
// direct URLs, then endpoint reconstruction from the ids.
type ImageSources struct {
	InlineThumbnail string `json:"-"` // base64, alarm shape only
	SnapshotURL     string `json:"snapshot_url,omitempty"`
	CropURL         string `json:"crop_url,omitempty"`
	CroppedID       string `json:"cropped_id,omitempty"`
}

// Detection is the canonical normalized record of one license-plate
// observation. Once appended to the store it is immutable.
type Detection struct {
	RecordID           uuid.UUID
	EventID            string
	PlateNumber        string
	Confidence         float64
	DetectionTimestamp time.Time
	ClockFallback      bool

	CameraID       string
	CameraName     string
	CameraLocation string
	Latitude       *float64
	Longitude      *float64
	Box            *BoundingBox

	// scene snapshot dimensions when the payload reported them, 0 otherwise
	ImageWidth  int
	ImageHeight int

	Vehicle     VehicleInfo
	ProcessedBy string
	Thumbnails  ThumbnailSet
	Sources     ImageSources
	RawPayload  map[string]interface{}
}

// IdempotencyKey identifies the source event for dedup purposes. Vendor
// event ids are preferred; when the payload carried none the key falls back
// to plate+timestamp, which is stable across redeliveries of the same event.
func (d *Detection) IdempotencyKey() string {
	if d.EventID != "" {
		return fmt.Sprintf("%s/%s", d.EventID, d.PlateNumber)
	}
	return fmt.Sprintf("%s@%d", d.PlateNumber, d.DetectionTimestamp.Unix())
}

// ClampConfidence forces a vendor-reported confidence into [0,1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
