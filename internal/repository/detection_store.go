package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"plate-pipeline/internal/domain/plate"
)

// DetectionRecord is the warehouse row. The table is append-only: no
// update or delete path exists, corrections are new records. New columns
// must be nullable so old writers keep working.
type DetectionRecord struct {
	RecordID           string  `gorm:"primaryKey;type:uuid"`
	EventID            *string `gorm:"index"`
	PlateNumber        string  `gorm:"not null;index"`
	Confidence         float64
	DetectionTimestamp time.Time `gorm:"not null;index"`
	ClockFallback      bool
	CameraID           *string
	CameraName         *string
	CameraLocation     *string
	Latitude           *float64
	Longitude          *float64
	ImageWidth         *int
	ImageHeight        *int
	BoundingBox        datatypes.JSON
	VehicleType        *string
	VehicleTypeConf    *float64
	VehicleColor       *string
	VehicleColorConf   *float64
	ProcessedBy        string `gorm:"not null"`
	SnapshotURL        *string
	CroppedURL         *string
	Thumbnails         datatypes.JSON
	RawPayload         datatypes.JSON
	CreatedAt          time.Time
}

func (DetectionRecord) TableName() string { return "detections" }

// DetectionStore appends canonical detections to the analytical store.
type DetectionStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewDetectionStore(db *gorm.DB, log zerolog.Logger) *DetectionStore {
	return &DetectionStore{db: db, log: log}
}

func (s *DetectionStore) Append(ctx context.Context, d *plate.Detection) error {
	rec, err := toRecord(d)
	if err != nil {
		return fmt.Errorf("%w: %v", plate.ErrPersistence, err)
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("%w: %v", plate.ErrPersistence, err)
	}
	s.log.Info().
		Str("record_id", rec.RecordID).
		Str("plate", d.PlateNumber).
		Str("processed_by", d.ProcessedBy).
		Int("thumbnails", len(d.Thumbnails)).
		Msg("appended detection")
	return nil
}

// AppendBatch inserts a batch in one statement. All-or-nothing: on failure
// the caller retries per record through Append.
func (s *DetectionStore) AppendBatch(ctx context.Context, batch []*plate.Detection) error {
	records := make([]*DetectionRecord, 0, len(batch))
	for _, d := range batch {
		rec, err := toRecord(d)
		if err != nil {
			return fmt.Errorf("%w: %v", plate.ErrPersistence, err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("%w: %v", plate.ErrPersistence, err)
	}
	return nil
}

func toRecord(d *plate.Detection) (*DetectionRecord, error) {
	rec := &DetectionRecord{
		RecordID:           d.RecordID.String(),
		PlateNumber:        d.PlateNumber,
		Confidence:         plate.ClampConfidence(d.Confidence),
		DetectionTimestamp: d.DetectionTimestamp.UTC(),
		ClockFallback:      d.ClockFallback,
		Latitude:           d.Latitude,
		Longitude:          d.Longitude,
		ProcessedBy:        d.ProcessedBy,
		CreatedAt:          time.Now().UTC(),
	}
	if d.EventID != "" {
		rec.EventID = &d.EventID
	}
	if d.CameraID != "" {
		rec.CameraID = &d.CameraID
	}
	if d.CameraName != "" {
		rec.CameraName = &d.CameraName
	}
	if d.CameraLocation != "" {
		rec.CameraLocation = &d.CameraLocation
	}
	if d.ImageWidth > 0 {
		rec.ImageWidth = &d.ImageWidth
	}
	if d.ImageHeight > 0 {
		rec.ImageHeight = &d.ImageHeight
	}
	if d.Vehicle.Type != "" {
		rec.VehicleType = &d.Vehicle.Type
		rec.VehicleTypeConf = &d.Vehicle.TypeConfidence
	}
	if d.Vehicle.Color != "" {
		rec.VehicleColor = &d.Vehicle.Color
		rec.VehicleColorConf = &d.Vehicle.ColorConfidence
	}
	if d.Box != nil {
		raw, err := json.Marshal(d.Box)
		if err != nil {
			return nil, err
		}
		rec.BoundingBox = datatypes.JSON(raw)
	}
	if len(d.Thumbnails) > 0 {
		raw, err := json.Marshal(d.Thumbnails)
		if err != nil {
			return nil, err
		}
		rec.Thumbnails = datatypes.JSON(raw)
		if ref, ok := d.Thumbnails[plate.KindEventSnapshot]; ok {
			rec.SnapshotURL = &ref.PublicURL
		}
		if ref, ok := d.Thumbnails[plate.KindPlateCrop]; ok {
			rec.CroppedURL = &ref.PublicURL
		}
	}
	if len(d.RawPayload) > 0 {
		raw, err := json.Marshal(d.RawPayload)
		if err != nil {
			return nil, err
		}
		rec.RawPayload = datatypes.JSON(raw)
	}
	return rec, nil
}
