package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"plate-pipeline/internal/domain/plate"
)

// Normalizer converts raw webhook bodies into canonical Detection records.
// It owns shape discrimination and per-record validation; it never touches
// the network.
type Normalizer struct {
	log              zerolog.Logger
	confidenceFloor  float64
	rejectBelowFloor bool
	now              func() time.Time
}

// defaultConfidence is assumed when the vendor omits a plate confidence;
// the platform reports vehicle confidence but not plate confidence.
const defaultConfidence = 0.95

func New(log zerolog.Logger, confidenceFloor float64, rejectBelowFloor bool) *Normalizer {
	return &Normalizer{
		log:              log,
		confidenceFloor:  confidenceFloor,
		rejectBelowFloor: rejectBelowFloor,
		now:              time.Now,
	}
}

// Normalize produces zero or more detections from one raw payload.
// An unrecognized top-level shape returns ErrUnrecognizedPayload; malformed
// sub-detections are dropped individually and logged, never surfaced.
func (n *Normalizer) Normalize(raw []byte, processedBy string) ([]*plate.Detection, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrUnrecognizedPayload, err)
	}

	switch env.Type {
	case shapeAlarm:
		return n.fromAlarm(raw, processedBy)
	case shapeSmartDetection:
		return n.fromSmartDetection(raw, processedBy)
	default:
		return nil, fmt.Errorf("%w: %q", plate.ErrUnrecognizedPayload, env.Type)
	}
}

func (n *Normalizer) fromAlarm(raw []byte, processedBy string) ([]*plate.Detection, error) {
	var p alarmPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: alarm decode: %v", plate.ErrMalformedDetection, err)
	}

	number := cleanPlate(p.PlateNumber)
	if number == "" {
		n.log.Warn().Str("shape", shapeAlarm).Msg("dropping detection without plate number")
		return nil, nil
	}

	ts, fallback := n.parseTimestamp(p.DetectionTimestamp)
	d := &plate.Detection{
		RecordID:           uuid.New(),
		EventID:            p.EventID,
		PlateNumber:        number,
		Confidence:         confidenceOrDefault(p.Confidence),
		DetectionTimestamp: ts,
		ClockFallback:      fallback,
		CameraID:           p.Camera.ID,
		CameraName:         p.Camera.Name,
		CameraLocation:     p.Camera.Location,
		ProcessedBy:        processedBy,
		Sources: plate.ImageSources{
			InlineThumbnail: p.Thumbnail,
		},
		RawPayload: rawMap(raw),
	}
	applyLocation(d, p.Location)

	if n.belowFloor(d) {
		return nil, nil
	}
	return []*plate.Detection{d}, nil
}

func (n *Normalizer) fromSmartDetection(raw []byte, processedBy string) ([]*plate.Detection, error) {
	var p smartDetectionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: smart_detection decode: %v", plate.ErrMalformedDetection, err)
	}

	payloadMap := rawMap(raw)
	detections := make([]*plate.Detection, 0, len(p.SmartDetectData.Detections))
	for i, entry := range p.SmartDetectData.Detections {
		d, err := n.fromSubDetection(entry, &p, processedBy)
		if err != nil {
			n.log.Warn().
				Err(err).
				Int("index", i).
				Str("event_id", p.Event.ID).
				Msg("dropping malformed sub-detection")
			continue
		}
		if d == nil {
			continue
		}
		d.RawPayload = payloadMap
		detections = append(detections, d)
	}
	return detections, nil
}

func (n *Normalizer) fromSubDetection(entry json.RawMessage, p *smartDetectionPayload, processedBy string) (*plate.Detection, error) {
	var sub subDetection
	if err := json.Unmarshal(entry, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrMalformedDetection, err)
	}

	number := cleanPlate(sub.Name)
	if number == "" {
		return nil, fmt.Errorf("%w: missing plate number", plate.ErrMalformedDetection)
	}

	ts, fallback := n.parseTimestamp(sub.ClockBestWall)
	if fallback && p.Event.Start != "" {
		if eventTs, eventFallback := n.parseTimestamp(p.Event.Start); !eventFallback {
			ts, fallback = eventTs, false
		}
	}

	d := &plate.Detection{
		RecordID:           uuid.New(),
		EventID:            p.Event.ID,
		PlateNumber:        number,
		Confidence:         confidenceOrDefault(sub.Confidence),
		DetectionTimestamp: ts,
		ClockFallback:      fallback,
		CameraID:           p.Camera.ID,
		CameraName:         p.Camera.Name,
		CameraLocation:     p.Camera.Location,
		ProcessedBy:        processedBy,
		Sources: plate.ImageSources{
			CroppedID: sub.CroppedID,
			CropURL:   sub.CropURL,
		},
	}
	if p.Snapshot != nil {
		d.Sources.SnapshotURL = p.Snapshot.URL
		d.ImageWidth = p.Snapshot.Width
		d.ImageHeight = p.Snapshot.Height
	}
	if sub.BoundingBox != nil {
		d.Box = &plate.BoundingBox{
			X:      sub.BoundingBox.X,
			Y:      sub.BoundingBox.Y,
			Width:  sub.BoundingBox.Width,
			Height: sub.BoundingBox.Height,
		}
	}
	if sub.Attributes != nil {
		if sub.Attributes.VehicleType != nil {
			d.Vehicle.Type = sub.Attributes.VehicleType.Val
			d.Vehicle.TypeConfidence = sub.Attributes.VehicleType.Confidence
		}
		if sub.Attributes.Color != nil {
			d.Vehicle.Color = sub.Attributes.Color.Val
			d.Vehicle.ColorConfidence = sub.Attributes.Color.Confidence
		}
	}
	applyLocation(d, p.Location)

	if n.belowFloor(d) {
		return nil, nil
	}
	return d, nil
}

func (n *Normalizer) belowFloor(d *plate.Detection) bool {
	if !n.rejectBelowFloor || d.Confidence >= n.confidenceFloor {
		return false
	}
	n.log.Info().
		Str("plate", d.PlateNumber).
		Float64("confidence", d.Confidence).
		Float64("floor", n.confidenceFloor).
		Msg("rejecting detection below confidence floor")
	return true
}

// parseTimestamp accepts RFC3339 or epoch milliseconds and normalizes to
// UTC. A value that parses as neither falls back to now and flags the
// record instead of rejecting it.
func (n *Normalizer) parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), false
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), false
		}
	}
	return n.now().UTC(), true
}

func confidenceOrDefault(v *float64) float64 {
	if v == nil {
		return defaultConfidence
	}
	return plate.ClampConfidence(*v)
}

// cleanPlate matches the platform's plate presentation: upper-cased,
// surrounding whitespace removed.
func cleanPlate(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func applyLocation(d *plate.Detection, g *geoPoint) {
	if g == nil {
		return
	}
	d.Latitude = g.Lat
	d.Longitude = g.Lng
}

func rawMap(raw []byte) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
