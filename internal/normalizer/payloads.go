package normalizer

import "encoding/json"

// Wire shapes for the two webhook formats the camera platform emits. Field
// names are the platform's contract; unknown fields are ignored and missing
// ones degrade per-record.

const (
	shapeAlarm          = "alarm"
	shapeSmartDetection = "smart_detection"
)

type envelope struct {
	Type string `json:"type"`
}

type cameraInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

type geoPoint struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// alarmPayload carries exactly one plate-relevant detection and may embed
// the scene image inline as base64.
type alarmPayload struct {
	Type               string     `json:"type"`
	PlateNumber        string     `json:"plate_number"`
	Confidence         *float64   `json:"confidence"`
	DetectionTimestamp string     `json:"detection_timestamp"`
	Thumbnail          string     `json:"thumbnail"`
	EventID            string     `json:"event_id"`
	Camera             cameraInfo `json:"camera"`
	Location           *geoPoint  `json:"location"`
}

type eventInfo struct {
	ID    string `json:"id"`
	Start string `json:"start"`
}

type snapshotInfo struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type detectionBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

type scoredAttribute struct {
	Val        string  `json:"val"`
	Confidence float64 `json:"confidence"`
}

type subDetectionAttrs struct {
	VehicleType *scoredAttribute `json:"vehicle_type"`
	Color       *scoredAttribute `json:"color"`
}

// subDetection is one entry of smart_detect_data.detections. Decoded
// individually so a malformed sibling cannot take the whole payload down.
type subDetection struct {
	Name          string             `json:"name"`
	Confidence    *float64           `json:"confidence"`
	CroppedID     string             `json:"cropped_id"`
	CropURL       string             `json:"crop_url"`
	ClockBestWall string             `json:"clock_best_wall"`
	BoundingBox   *detectionBox      `json:"bounding_box"`
	Attributes    *subDetectionAttrs `json:"attributes"`
}

type smartDetectionPayload struct {
	Type            string        `json:"type"`
	Camera          cameraInfo    `json:"camera"`
	Event           eventInfo     `json:"event"`
	Snapshot        *snapshotInfo `json:"snapshot"`
	Location        *geoPoint     `json:"location"`
	SmartDetectData struct {
		Detections []json.RawMessage `json:"detections"`
	} `json:"smart_detect_data"`
}
