package dedup

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Gate collapses duplicate deliveries of the same source event. It is a
// best-effort throughput optimization, not a lock: a race between two
// observers of the same key may let both through, which downstream
// tolerates because record ids are unique.
type Gate interface {
	// ShouldProcess reports whether this key has not been processed yet.
	// Consulted before any expensive resolver work.
	ShouldProcess(ctx context.Context, key string) (bool, error)
	// MarkProcessed records the key after its detection was persisted.
	MarkProcessed(ctx context.Context, key string) error
}

// MemoryGate is a process-local gate. The backfill run uses it to skip
// events re-observed across overlapping pages; the webhook path uses it as
// a cheap front for the persistent gate.
type MemoryGate struct {
	seen sync.Map
}

func NewMemoryGate() *MemoryGate { return &MemoryGate{} }

func (g *MemoryGate) ShouldProcess(_ context.Context, key string) (bool, error) {
	_, seen := g.seen.Load(key)
	return !seen, nil
}

func (g *MemoryGate) MarkProcessed(_ context.Context, key string) error {
	g.seen.Store(key, struct{}{})
	return nil
}

// Layered consults gates in order, cheapest first. A gate error fails open:
// losing dedup coverage is acceptable, losing a detection is not.
type Layered struct {
	gates []Gate
	log   zerolog.Logger
}

func NewLayered(log zerolog.Logger, gates ...Gate) *Layered {
	return &Layered{gates: gates, log: log}
}

func (l *Layered) ShouldProcess(ctx context.Context, key string) (bool, error) {
	for _, g := range l.gates {
		ok, err := g.ShouldProcess(ctx, key)
		if err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("dedup gate check failed, allowing through")
			continue
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (l *Layered) MarkProcessed(ctx context.Context, key string) error {
	for _, g := range l.gates {
		if err := g.MarkProcessed(ctx, key); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("dedup gate mark failed")
		}
	}
	return nil
}

// Split routes reads and writes to different gates. The batched backfill
// path checks every layer but marks only the in-memory one at buffer time;
// the durable layer is marked by the batch flusher once the record has
// actually been stored.
type Split struct {
	Check Gate
	Mark  Gate
}

func (s Split) ShouldProcess(ctx context.Context, key string) (bool, error) {
	return s.Check.ShouldProcess(ctx, key)
}

func (s Split) MarkProcessed(ctx context.Context, key string) error {
	return s.Mark.MarkProcessed(ctx, key)
}
