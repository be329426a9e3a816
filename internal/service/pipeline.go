package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"plate-pipeline/internal/dedup"
	"plate-pipeline/internal/domain/plate"
	"plate-pipeline/internal/normalizer"
)

// Store is the append-only sink for canonical detections. Backed by a
// direct warehouse writer on the live path and a batch writer in backfill.
type Store interface {
	Append(ctx context.Context, d *plate.Detection) error
}

// Resolver obtains imagery for a detection. It absorbs its own failures.
type Resolver interface {
	Resolve(ctx context.Context, d *plate.Detection)
}

// Result summarizes one processed payload.
type Result struct {
	Detections int      `json:"detections"`
	Persisted  int      `json:"persisted"`
	Duplicates int      `json:"duplicates"`
	Plates     []string `json:"plates,omitempty"`
	RecordIDs  []string `json:"record_ids,omitempty"`
}

// Pipeline drives one event through normalize → dedup → resolve → append.
// The same pipeline serves the live webhook path and the backfill tool;
// only the store, provenance tag and dry-run flag differ.
type Pipeline struct {
	normalizer *normalizer.Normalizer
	gate       dedup.Gate
	resolver   Resolver
	store      Store
	log        zerolog.Logger
	dryRun     bool
}

func NewPipeline(n *normalizer.Normalizer, gate dedup.Gate, resolver Resolver, store Store, log zerolog.Logger, dryRun bool) *Pipeline {
	return &Pipeline{
		normalizer: n,
		gate:       gate,
		resolver:   resolver,
		store:      store,
		log:        log,
		dryRun:     dryRun,
	}
}

// ProcessPayload runs one raw payload through the pipeline. Unrecognized
// or fully malformed payloads come back as their sentinel errors and are
// non-fatal to the caller; only ErrPersistence should fail the delivery.
func (p *Pipeline) ProcessPayload(ctx context.Context, raw []byte, processedBy string) (*Result, error) {
	detections, err := p.normalizer.Normalize(raw, processedBy)
	if err != nil {
		return &Result{}, err
	}

	res := &Result{Detections: len(detections)}
	for _, d := range detections {
		if err := p.ProcessDetection(ctx, d, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ProcessDetection runs an already-normalized detection through dedup,
// resolution and persistence. res may be nil.
func (p *Pipeline) ProcessDetection(ctx context.Context, d *plate.Detection, res *Result) error {
	if res == nil {
		res = &Result{}
	}
	key := d.IdempotencyKey()

	ok, err := p.gate.ShouldProcess(ctx, key)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("dedup check failed, processing anyway")
	}
	if !ok {
		res.Duplicates++
		p.log.Debug().Str("key", key).Str("plate", d.PlateNumber).Msg("skipping duplicate event")
		return nil
	}

	if p.dryRun {
		p.log.Info().
			Str("plate", d.PlateNumber).
			Str("event_id", d.EventID).
			Time("detection_timestamp", d.DetectionTimestamp).
			Bool("has_inline", d.Sources.InlineThumbnail != "").
			Bool("has_snapshot_url", d.Sources.SnapshotURL != "").
			Bool("has_cropped_id", d.Sources.CroppedID != "").
			Msg("dry run: would persist detection")
		res.Persisted++
		res.Plates = append(res.Plates, d.PlateNumber)
		return nil
	}

	p.resolver.Resolve(ctx, d)

	if err := p.store.Append(ctx, d); err != nil {
		return fmt.Errorf("append %s: %w", d.RecordID, err)
	}
	if err := p.gate.MarkProcessed(ctx, key); err != nil {
		// the record is safe; a lost marker only risks a tolerated duplicate
		p.log.Warn().Err(err).Str("key", key).Msg("could not mark event processed")
	}

	res.Persisted++
	res.Plates = append(res.Plates, d.PlateNumber)
	res.RecordIDs = append(res.RecordIDs, d.RecordID.String())
	return nil
}

// Skippable reports whether a pipeline error is a boundary drop rather
// than a delivery failure.
func Skippable(err error) bool {
	return errors.Is(err, plate.ErrUnrecognizedPayload) || errors.Is(err, plate.ErrMalformedDetection)
}
