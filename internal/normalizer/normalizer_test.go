package normalizer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plate-pipeline/internal/domain/plate"
)

func testNormalizer(floor float64, reject bool) *Normalizer {
	n := New(zerolog.Nop(), floor, reject)
	n.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestNormalizeAlarmPayload(t *testing.T) {
	payload := `{
		"type": "alarm",
		"thumbnail": "aGVsbG8=",
		"plate_number": "abc123",
		"confidence": 0.95,
		"detection_timestamp": "2025-01-21T15:30:00Z",
		"event_id": "evt-1",
		"camera": {"id": "cam-1", "name": "Gate"}
	}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	require.Len(t, detections, 1)

	d := detections[0]
	assert.Equal(t, "ABC123", d.PlateNumber)
	assert.Equal(t, 0.95, d.Confidence)
	assert.Equal(t, time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC), d.DetectionTimestamp)
	assert.False(t, d.ClockFallback)
	assert.Equal(t, "evt-1", d.EventID)
	assert.Equal(t, "cam-1", d.CameraID)
	assert.Equal(t, "aGVsbG8=", d.Sources.InlineThumbnail)
	assert.Equal(t, plate.ProcessedByWebhook, d.ProcessedBy)
	assert.NotEqual(t, "", d.RecordID.String())
}

func TestNormalizeClampsConfidence(t *testing.T) {
	payload := `{"type":"alarm","plate_number":"XYZ","confidence":1.4,"detection_timestamp":"2025-01-21T15:30:00Z"}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, 1.0, detections[0].Confidence)
}

func TestNormalizeDefaultsMissingConfidence(t *testing.T) {
	payload := `{"type":"alarm","plate_number":"XYZ","detection_timestamp":"2025-01-21T15:30:00Z"}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, defaultConfidence, detections[0].Confidence)
}

func TestNormalizeUnrecognizedKind(t *testing.T) {
	_, err := testNormalizer(0.7, false).Normalize([]byte(`{"type":"ring"}`), plate.ProcessedByWebhook)
	assert.ErrorIs(t, err, plate.ErrUnrecognizedPayload)

	_, err = testNormalizer(0.7, false).Normalize([]byte(`not json`), plate.ProcessedByWebhook)
	assert.ErrorIs(t, err, plate.ErrUnrecognizedPayload)
}

func TestNormalizeAlarmWithoutPlateYieldsNothing(t *testing.T) {
	payload := `{"type":"alarm","thumbnail":"aGVsbG8=","detection_timestamp":"2025-01-21T15:30:00Z"}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestNormalizeSmartDetectionEmptyList(t *testing.T) {
	payload := `{"type":"smart_detection","camera":{"id":"cam-1"},"event":{"id":"evt-2"},"smart_detect_data":{"detections":[]}}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestNormalizeSmartDetectionDropsMalformedSiblings(t *testing.T) {
	payload := `{
		"type": "smart_detection",
		"camera": {"id": "cam-1", "name": "Gate", "location": "North Lot"},
		"event": {"id": "evt-3", "start": "2025-01-21T15:30:00Z"},
		"snapshot": {"url": "https://protect/snap.jpg", "width": 1920, "height": 1080},
		"smart_detect_data": {"detections": [
			{"confidence": 0.9},
			{"name": "def456", "confidence": 0.8, "cropped_id": "crop-1",
			 "clock_best_wall": "2025-01-21T15:30:05Z",
			 "attributes": {"vehicle_type": {"val": "suv", "confidence": 0.7}, "color": {"val": "red", "confidence": 0.6}}}
		]}
	}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	require.Len(t, detections, 1)

	d := detections[0]
	assert.Equal(t, "DEF456", d.PlateNumber)
	assert.Equal(t, "evt-3", d.EventID)
	assert.Equal(t, "crop-1", d.Sources.CroppedID)
	assert.Equal(t, "https://protect/snap.jpg", d.Sources.SnapshotURL)
	assert.Equal(t, "North Lot", d.CameraLocation)
	assert.Equal(t, 1920, d.ImageWidth)
	assert.Equal(t, 1080, d.ImageHeight)
	assert.Equal(t, "suv", d.Vehicle.Type)
	assert.Equal(t, "red", d.Vehicle.Color)
	assert.Equal(t, time.Date(2025, 1, 21, 15, 30, 5, 0, time.UTC), d.DetectionTimestamp)
}

func TestNormalizeTimestampFallback(t *testing.T) {
	payload := `{"type":"alarm","plate_number":"XYZ","confidence":0.9,"detection_timestamp":"yesterday-ish"}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.True(t, detections[0].ClockFallback)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), detections[0].DetectionTimestamp)
}

func TestNormalizeEpochMillisTimestamp(t *testing.T) {
	payload := `{
		"type": "smart_detection",
		"camera": {"id": "cam-1"},
		"event": {"id": "evt-4"},
		"smart_detect_data": {"detections": [{"name": "GHI789", "clock_best_wall": "1737473400000"}]}
	}`

	detections, err := testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.False(t, detections[0].ClockFallback)
	assert.Equal(t, time.UnixMilli(1737473400000).UTC(), detections[0].DetectionTimestamp)
}

func TestNormalizeRejectsBelowFloorWhenConfigured(t *testing.T) {
	payload := `{"type":"alarm","plate_number":"LOW","confidence":0.3,"detection_timestamp":"2025-01-21T15:30:00Z"}`

	detections, err := testNormalizer(0.7, true).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	assert.Empty(t, detections)

	// stored when rejection is off: filtering is a presentation concern
	detections, err = testNormalizer(0.7, false).Normalize([]byte(payload), plate.ProcessedByWebhook)
	require.NoError(t, err)
	assert.Len(t, detections, 1)
}
