package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plate-pipeline/internal/dedup"
	"plate-pipeline/internal/domain/plate"
)

// BatchStore is the warehouse surface the writer flushes through.
type BatchStore interface {
	Append(ctx context.Context, d *plate.Detection) error
	AppendBatch(ctx context.Context, batch []*plate.Detection) error
}

// BatchWriter amortizes warehouse writes: records accumulate until the
// batch fills or ages out, then flush as one insert. A failed batch insert
// falls back to per-record inserts so a single poison record cannot drop
// its siblings; records that still fail are surfaced to the caller, never
// silently dropped. The durable dedup gate is marked here, after a record
// has actually been stored: a buffered record must never look processed.
type BatchWriter struct {
	store  BatchStore
	size   int
	maxAge time.Duration
	marker dedup.Gate
	log    zerolog.Logger

	mu  sync.Mutex
	buf []*plate.Detection

	stop chan struct{}
	done chan struct{}
}

// NewBatchWriter builds a writer flushing through store. marker may be nil
// when no durable gate needs flush-time marking.
func NewBatchWriter(store BatchStore, size int, maxAge time.Duration, marker dedup.Gate, log zerolog.Logger) *BatchWriter {
	if size < 1 {
		size = 1
	}
	if maxAge <= 0 {
		maxAge = time.Second
	}
	w := &BatchWriter{
		store:  store,
		size:   size,
		maxAge: maxAge,
		marker: marker,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.ageLoop()
	return w
}

func (w *BatchWriter) Append(ctx context.Context, d *plate.Detection) error {
	w.mu.Lock()
	w.buf = append(w.buf, d)
	full := len(w.buf) >= w.size
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes everything currently buffered.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return w.write(ctx, batch)
}

// Close stops the age-based flusher and drains the remaining buffer.
func (w *BatchWriter) Close(ctx context.Context) error {
	close(w.stop)
	<-w.done
	return w.Flush(ctx)
}

func (w *BatchWriter) ageLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				w.log.Error().Err(err).Msg("aged batch flush failed")
			}
		case <-w.stop:
			return
		}
	}
}

func (w *BatchWriter) write(ctx context.Context, batch []*plate.Detection) error {
	err := w.store.AppendBatch(ctx, batch)
	if err == nil {
		w.markStored(ctx, batch)
		w.log.Debug().Int("records", len(batch)).Msg("flushed detection batch")
		return nil
	}
	w.log.Warn().Err(err).Int("records", len(batch)).Msg("batch insert failed, retrying per record")

	var failed int
	stored := make([]*plate.Detection, 0, len(batch))
	for _, d := range batch {
		if err := w.store.Append(ctx, d); err != nil {
			failed++
			w.log.Error().Err(err).
				Str("record_id", d.RecordID.String()).
				Str("plate", d.PlateNumber).
				Msg("record insert failed")
			continue
		}
		stored = append(stored, d)
	}
	w.markStored(ctx, stored)
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d batch records failed", plate.ErrPersistence, failed, len(batch))
	}
	return nil
}

func (w *BatchWriter) markStored(ctx context.Context, batch []*plate.Detection) {
	if w.marker == nil {
		return
	}
	for _, d := range batch {
		key := d.IdempotencyKey()
		if err := w.marker.MarkProcessed(ctx, key); err != nil {
			// the record is safe; a lost marker only risks a tolerated duplicate
			w.log.Warn().Err(err).Str("key", key).Msg("could not mark flushed record processed")
		}
	}
}
