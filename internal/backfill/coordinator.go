package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"plate-pipeline/internal/domain/plate"
	"plate-pipeline/internal/protect"
	"plate-pipeline/internal/service"
)

// Phase is the coordinator's externally observable state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseProcessing Phase = "processing"
	PhaseDone       Phase = "done"
	PhaseAborted    Phase = "aborted"
)

// EventSource is the camera platform's historical event API.
type EventSource interface {
	Login(ctx context.Context) error
	Events(ctx context.Context, start, end time.Time) ([]protect.HistoryEvent, error)
	CameraByID(ctx context.Context, id string) (protect.Camera, error)
	Close()
}

// Summary reports what a run did. LastWindowEnd is the resume point: the
// boundary of the last completed window, never advanced past a window
// whose fetch failed.
type Summary struct {
	Windows         int
	EventsFound     int64
	EventsProcessed int64
	Persisted       int64
	Duplicates      int64
	Failures        int64
	LastWindowEnd   time.Time
	Phase           Phase
}

// Coordinator replays the platform's event history through the same
// pipeline the live webhook path uses. Windows advance strictly in time
// order and sequentially; events inside a window run on a bounded worker
// pool. A per-event failure is logged and counted, never fatal; only
// repeated upstream auth failure aborts the run.
type Coordinator struct {
	source     EventSource
	pipeline   *service.Pipeline
	windowSize time.Duration
	workers    int
	log        zerolog.Logger
}

func NewCoordinator(source EventSource, pipeline *service.Pipeline, windowSize time.Duration, workers int, log zerolog.Logger) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		source:     source,
		pipeline:   pipeline,
		windowSize: windowSize,
		workers:    workers,
		log:        log,
	}
}

func (c *Coordinator) Run(ctx context.Context, start, end time.Time) (*Summary, error) {
	summary := &Summary{Phase: PhaseIdle}
	windows := Windows(start, end, c.windowSize)
	summary.Windows = len(windows)

	c.log.Info().
		Time("start", start).
		Time("end", end).
		Int("windows", len(windows)).
		Int("workers", c.workers).
		Msg("starting backfill run")

	if err := c.source.Login(ctx); err != nil {
		summary.Phase = PhaseAborted
		return summary, fmt.Errorf("backfill aborted: %w", err)
	}
	defer c.source.Close()

	var found, processed, persisted, duplicates, failures atomic.Int64

	resumeBroken := false
	for i, w := range windows {
		c.transition(summary, PhaseFetching, i, w)
		events, err := c.source.Events(ctx, w.Start, w.End)
		if err != nil {
			if errors.Is(err, plate.ErrUpstreamAuth) || ctx.Err() != nil {
				summary.Phase = PhaseAborted
				c.snapshot(summary, &found, &processed, &persisted, &duplicates, &failures)
				return summary, fmt.Errorf("backfill aborted in window %d: %w", i+1, err)
			}
			c.log.Warn().Err(err).
				Time("window_start", w.Start).
				Time("window_end", w.End).
				Msg("window fetch failed, continuing with next window")
			failures.Add(1)
			resumeBroken = true
			continue
		}
		found.Add(int64(len(events)))

		c.transition(summary, PhaseProcessing, i, w)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for _, ev := range events {
			ev := ev
			g.Go(func() error {
				res, err := c.processEvent(gctx, ev)
				processed.Add(1)
				if err != nil {
					failures.Add(1)
					c.log.Error().Err(err).
						Str("event_id", ev.ID).
						Str("camera_id", ev.CameraID).
						Msg("event processing failed")
					return nil
				}
				if res != nil {
					persisted.Add(res.Persisted)
					duplicates.Add(res.Duplicates)
				}
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			summary.Phase = PhaseAborted
			c.snapshot(summary, &found, &processed, &persisted, &duplicates, &failures)
			return summary, ctx.Err()
		}
		if !resumeBroken {
			summary.LastWindowEnd = w.End
		}
	}

	summary.Phase = PhaseDone
	c.snapshot(summary, &found, &processed, &persisted, &duplicates, &failures)
	c.log.Info().
		Int64("events_found", summary.EventsFound).
		Int64("events_processed", summary.EventsProcessed).
		Int64("persisted", summary.Persisted).
		Int64("duplicates", summary.Duplicates).
		Int64("failures", summary.Failures).
		Msg("backfill run complete")
	return summary, nil
}

// processEvent reshapes a history event into the platform's webhook form
// and feeds it through the shared pipeline.
func (c *Coordinator) processEvent(ctx context.Context, ev protect.HistoryEvent) (*summaryCounts, error) {
	raw, ok, err := c.buildPayload(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil // no plate detections in this event
	}

	res, err := c.pipeline.ProcessPayload(ctx, raw, plate.ProcessedByBackfill)
	if err != nil && !service.Skippable(err) {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return &summaryCounts{Persisted: int64(res.Persisted), Duplicates: int64(res.Duplicates)}, nil
}

type summaryCounts struct {
	Persisted  int64
	Duplicates int64
}

// buildPayload converts a history event into the smart_detection webhook
// shape so live and historical events share one normalization path.
func (c *Coordinator) buildPayload(ctx context.Context, ev protect.HistoryEvent) ([]byte, bool, error) {
	detections := make([]map[string]interface{}, 0, len(ev.Metadata.DetectedThumbnails))
	for _, thumb := range ev.Metadata.DetectedThumbnails {
		if thumb.Type != "vehicle" || thumb.Name == "" {
			continue
		}
		det := map[string]interface{}{
			"name":       thumb.Name,
			"cropped_id": thumb.CroppedID,
		}
		if thumb.ClockBestWall > 0 {
			det["clock_best_wall"] = time.UnixMilli(thumb.ClockBestWall).UTC().Format(time.RFC3339)
		}
		attrs := map[string]interface{}{}
		if thumb.Attributes.VehicleType != nil {
			attrs["vehicle_type"] = map[string]interface{}{
				"val":        thumb.Attributes.VehicleType.Val,
				"confidence": thumb.Attributes.VehicleType.Confidence,
			}
		}
		if thumb.Attributes.Color != nil {
			attrs["color"] = map[string]interface{}{
				"val":        thumb.Attributes.Color.Val,
				"confidence": thumb.Attributes.Color.Confidence,
			}
		}
		if len(attrs) > 0 {
			det["attributes"] = attrs
		}
		detections = append(detections, det)
	}
	if len(detections) == 0 {
		return nil, false, nil
	}

	camera := map[string]interface{}{"id": ev.CameraID}
	if cam, err := c.source.CameraByID(ctx, ev.CameraID); err == nil {
		camera["name"] = cam.Name
		camera["location"] = cam.Location
	} else {
		c.log.Debug().Err(err).Str("camera_id", ev.CameraID).Msg("camera lookup failed")
	}

	payload := map[string]interface{}{
		"type":   "smart_detection",
		"camera": camera,
		"event": map[string]interface{}{
			"id":    ev.ID,
			"start": time.UnixMilli(ev.Start).UTC().Format(time.RFC3339),
		},
		"smart_detect_data": map[string]interface{}{
			"detections": detections,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *Coordinator) transition(s *Summary, phase Phase, windowIdx int, w Window) {
	s.Phase = phase
	c.log.Info().
		Str("phase", string(phase)).
		Int("window", windowIdx+1).
		Int("windows", s.Windows).
		Time("window_start", w.Start).
		Time("window_end", w.End).
		Msg("backfill phase transition")
}

func (c *Coordinator) snapshot(s *Summary, found, processed, persisted, duplicates, failures *atomic.Int64) {
	s.EventsFound = found.Load()
	s.EventsProcessed = processed.Load()
	s.Persisted = persisted.Load()
	s.Duplicates = duplicates.Load()
	s.Failures = failures.Load()
}
