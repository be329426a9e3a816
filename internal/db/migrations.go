package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS detections (
		record_id           UUID PRIMARY KEY,
		event_id            TEXT,
		plate_number        TEXT NOT NULL,
		confidence          NUMERIC(5,4) NOT NULL,
		detection_timestamp TIMESTAMPTZ NOT NULL,
		clock_fallback      BOOLEAN NOT NULL DEFAULT false,
		camera_id           TEXT,
		camera_name         TEXT,
		camera_location     TEXT,
		latitude            DOUBLE PRECISION,
		longitude           DOUBLE PRECISION,
		image_width         INTEGER,
		image_height        INTEGER,
		bounding_box        JSONB,
		vehicle_type        TEXT,
		vehicle_type_conf   NUMERIC(5,4),
		vehicle_color       TEXT,
		vehicle_color_conf  NUMERIC(5,4),
		processed_by        TEXT NOT NULL,
		snapshot_url        TEXT,
		cropped_url         TEXT,
		thumbnails          JSONB,
		raw_payload         JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`ALTER TABLE detections ADD COLUMN IF NOT EXISTS camera_location TEXT;`,
	`ALTER TABLE detections ADD COLUMN IF NOT EXISTS image_width INTEGER;`,
	`ALTER TABLE detections ADD COLUMN IF NOT EXISTS image_height INTEGER;`,
	`CREATE INDEX IF NOT EXISTS idx_detections_plate_number ON detections(plate_number);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_event_id ON detections(event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_detection_timestamp ON detections(detection_timestamp);`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_key    TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

// Migrate applies the append-only schema. Changes must stay additive and
// nullable; statements are idempotent so every process runs them at start.
func Migrate(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
