package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessedEvent records that an idempotency key has produced a persisted
// detection. Rows are created on first successful append and never
// retracted.
type ProcessedEvent struct {
	EventKey    string `gorm:"primaryKey"`
	ProcessedAt time.Time
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// PostgresGate is the durable dedup gate shared by the webhook receiver
// and the backfill tool. ON CONFLICT DO NOTHING keeps concurrent markers
// from failing each other; a lost race just means a tolerated duplicate.
type PostgresGate struct {
	db *gorm.DB
}

func NewPostgresGate(db *gorm.DB) *PostgresGate {
	return &PostgresGate{db: db}
}

func (g *PostgresGate) ShouldProcess(ctx context.Context, key string) (bool, error) {
	var row ProcessedEvent
	err := g.db.WithContext(ctx).Where("event_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return false, nil
}

func (g *PostgresGate) MarkProcessed(ctx context.Context, key string) error {
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ProcessedEvent{EventKey: key, ProcessedAt: time.Now().UTC()}).Error
}
