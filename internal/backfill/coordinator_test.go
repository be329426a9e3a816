package backfill

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plate-pipeline/internal/dedup"
	"plate-pipeline/internal/domain/plate"
	"plate-pipeline/internal/normalizer"
	"plate-pipeline/internal/protect"
	"plate-pipeline/internal/service"
)

type fakeSource struct {
	loginErr  error
	eventsErr error
	errByCall map[int]error
	byWindow  [][]protect.HistoryEvent
	calls     int
}

func (s *fakeSource) Login(context.Context) error { return s.loginErr }

func (s *fakeSource) Events(context.Context, time.Time, time.Time) ([]protect.HistoryEvent, error) {
	call := s.calls
	s.calls++
	if s.eventsErr != nil {
		return nil, s.eventsErr
	}
	if err := s.errByCall[call]; err != nil {
		return nil, err
	}
	if call >= len(s.byWindow) {
		return nil, nil
	}
	return s.byWindow[call], nil
}

func (s *fakeSource) CameraByID(context.Context, string) (protect.Camera, error) {
	return protect.Camera{ID: "cam-1", Name: "Gate", Location: "North Lot"}, nil
}

func (s *fakeSource) Close() {}

type recordingStore struct {
	appended []*plate.Detection
}

func (s *recordingStore) Append(_ context.Context, d *plate.Detection) error {
	s.appended = append(s.appended, d)
	return nil
}

type noopResolver struct{}

func (noopResolver) Resolve(context.Context, *plate.Detection) {}

func plateEvent(id, name string) protect.HistoryEvent {
	ev := protect.HistoryEvent{
		ID:       id,
		Type:     "smartDetectZone",
		Start:    time.Date(2025, 1, 21, 15, 30, 0, 0, time.UTC).UnixMilli(),
		CameraID: "cam-1",
	}
	ev.Metadata.DetectedThumbnails = []protect.DetectedThumbnail{
		{Type: "vehicle", Name: name, CroppedID: "crop-" + id},
		{Type: "person"}, // no plate, must be ignored
	}
	return ev
}

func testCoordinator(source EventSource, store service.Store, workers int) *Coordinator {
	norm := normalizer.New(zerolog.Nop(), 0.7, false)
	pipeline := service.NewPipeline(norm, dedup.NewMemoryGate(), noopResolver{}, store, zerolog.Nop(), false)
	return NewCoordinator(source, pipeline, 24*time.Hour, workers, zerolog.Nop())
}

func TestRunReplaysHistory(t *testing.T) {
	source := &fakeSource{byWindow: [][]protect.HistoryEvent{
		{plateEvent("evt-1", "abc123"), plateEvent("evt-2", "def456")},
		{},
	}}
	store := &recordingStore{}
	c := testCoordinator(source, store, 2)

	start := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 2)
	summary, err := c.Run(context.Background(), start, end)
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, summary.Phase)
	assert.Equal(t, 2, summary.Windows)
	assert.Equal(t, int64(2), summary.EventsFound)
	assert.Equal(t, int64(2), summary.EventsProcessed)
	assert.Equal(t, int64(2), summary.Persisted)
	assert.Equal(t, end, summary.LastWindowEnd)

	require.Len(t, store.appended, 2)
	plates := map[string]bool{}
	for _, d := range store.appended {
		plates[d.PlateNumber] = true
		assert.Equal(t, plate.ProcessedByBackfill, d.ProcessedBy)
		assert.Equal(t, "North Lot", d.CameraLocation)
	}
	assert.True(t, plates["ABC123"])
	assert.True(t, plates["DEF456"])
}

func TestRunCollapsesReobservedEvents(t *testing.T) {
	// the same event surfaces in two windows, as overlapping pages do
	source := &fakeSource{byWindow: [][]protect.HistoryEvent{
		{plateEvent("evt-1", "abc123")},
		{plateEvent("evt-1", "abc123")},
	}}
	store := &recordingStore{}
	c := testCoordinator(source, store, 1)

	start := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	summary, err := c.Run(context.Background(), start, start.AddDate(0, 0, 2))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Persisted)
	assert.Equal(t, int64(1), summary.Duplicates)
	assert.Len(t, store.appended, 1)
}

func TestRunAbortsWhenLoginFails(t *testing.T) {
	source := &fakeSource{loginErr: fmt.Errorf("%w: login returned 401", plate.ErrUpstreamAuth)}
	c := testCoordinator(source, &recordingStore{}, 1)

	start := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	summary, err := c.Run(context.Background(), start, start.AddDate(0, 0, 1))

	require.Error(t, err)
	assert.ErrorIs(t, err, plate.ErrUpstreamAuth)
	assert.Equal(t, PhaseAborted, summary.Phase)
}

func TestRunAbortsOnMidRunAuthFailure(t *testing.T) {
	source := &fakeSource{eventsErr: fmt.Errorf("%w: events returned 403", plate.ErrUpstreamAuth)}
	c := testCoordinator(source, &recordingStore{}, 1)

	start := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	summary, err := c.Run(context.Background(), start, start.AddDate(0, 0, 3))

	require.Error(t, err)
	assert.Equal(t, PhaseAborted, summary.Phase)
	assert.True(t, summary.LastWindowEnd.IsZero(), "no window completed")
}

func TestRunDoesNotAdvanceResumePastFailedWindow(t *testing.T) {
	source := &fakeSource{
		errByCall: map[int]error{0: fmt.Errorf("history fetch: status 502")},
		byWindow: [][]protect.HistoryEvent{
			nil, // failed window, never reached
			{plateEvent("evt-1", "abc123")},
		},
	}
	store := &recordingStore{}
	c := testCoordinator(source, store, 1)

	start := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	summary, err := c.Run(context.Background(), start, start.AddDate(0, 0, 2))
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, summary.Phase)
	assert.Equal(t, int64(1), summary.Failures)
	assert.Equal(t, int64(1), summary.Persisted, "later windows still process")
	assert.True(t, summary.LastWindowEnd.IsZero(),
		"the resume point must not skip past a window whose events were never fetched")
}

func TestRunSkipsEventsWithoutPlates(t *testing.T) {
	ev := protect.HistoryEvent{ID: "evt-1", CameraID: "cam-1"}
	ev.Metadata.DetectedThumbnails = []protect.DetectedThumbnail{{Type: "person"}}
	source := &fakeSource{byWindow: [][]protect.HistoryEvent{{ev}}}
	store := &recordingStore{}
	c := testCoordinator(source, store, 1)

	start := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)
	summary, err := c.Run(context.Background(), start, start.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.EventsProcessed)
	assert.Equal(t, int64(0), summary.Persisted)
	assert.Empty(t, store.appended)
}
