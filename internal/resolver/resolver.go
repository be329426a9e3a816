package resolver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"plate-pipeline/internal/domain/plate"
	"plate-pipeline/internal/storage"
)

// Uploader is where successfully fetched bytes go.
type Uploader interface {
	Upload(ctx context.Context, data []byte, meta storage.ObjectMeta) (plate.ThumbnailRef, error)
}

type Config struct {
	SnapshotEnabled bool
	CropEnabled     bool
	MaxImageBytes   int64
	FetchTimeout    time.Duration
}

// Resolver obtains zero, one, or two images per detection by walking an
// ordered strategy chain per image kind. The two kinds have no data
// dependency and resolve concurrently. Every imagery failure degrades to
// "no thumbnail of that kind"; the detection itself is never failed here.
type Resolver struct {
	cfg      Config
	uploader Uploader
	chains   map[plate.ThumbnailKind][]Strategy
	log      zerolog.Logger
}

func New(cfg Config, uploader Uploader, session Session, log zerolog.Logger) *Resolver {
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	snapshotChain := []Strategy{
		inlineStrategy{maxBytes: cfg.MaxImageBytes},
		directURLStrategy{
			client:   httpClient,
			maxBytes: cfg.MaxImageBytes,
			pick:     func(d *plate.Detection) string { return d.Sources.SnapshotURL },
		},
		apiStrategy{
			session:  session,
			maxBytes: cfg.MaxImageBytes,
			buildURL: func(s Session, d *plate.Detection) string {
				if d.EventID == "" {
					return ""
				}
				return s.EventThumbnailURL(d.EventID)
			},
		},
	}
	cropChain := []Strategy{
		directURLStrategy{
			client:   httpClient,
			maxBytes: cfg.MaxImageBytes,
			pick:     func(d *plate.Detection) string { return d.Sources.CropURL },
		},
		apiStrategy{
			session:  session,
			maxBytes: cfg.MaxImageBytes,
			buildURL: func(s Session, d *plate.Detection) string {
				if d.CameraID == "" || d.Sources.CroppedID == "" {
					return ""
				}
				return s.DetectionCropURL(d.CameraID, d.Sources.CroppedID)
			},
		},
	}

	chains := make(map[plate.ThumbnailKind][]Strategy, 2)
	if cfg.SnapshotEnabled {
		chains[plate.KindEventSnapshot] = snapshotChain
	}
	if cfg.CropEnabled {
		chains[plate.KindPlateCrop] = cropChain
	}

	return &Resolver{cfg: cfg, uploader: uploader, chains: chains, log: log}
}

// Resolve populates d.Thumbnails with whatever imagery could be obtained.
// It always returns; absence of an image kind is not an error.
func (r *Resolver) Resolve(ctx context.Context, d *plate.Detection) {
	var (
		mu  sync.Mutex
		set = make(plate.ThumbnailSet, len(r.chains))
	)

	g, gctx := errgroup.WithContext(ctx)
	for kind := range r.chains {
		kind := kind
		g.Go(func() error {
			kindCtx, cancel := context.WithTimeout(gctx, r.cfg.FetchTimeout)
			defer cancel()
			if ref, ok := r.resolveKind(kindCtx, d, kind); ok {
				mu.Lock()
				set[kind] = ref
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // workers absorb their own failures

	if len(set) > 0 {
		d.Thumbnails = set
	}
}

func (r *Resolver) resolveKind(ctx context.Context, d *plate.Detection, kind plate.ThumbnailKind) (plate.ThumbnailRef, bool) {
	log := r.log.With().
		Str("plate", d.PlateNumber).
		Str("event_id", d.EventID).
		Str("kind", string(kind)).
		Logger()

	for _, strategy := range r.chains[kind] {
		data, err := strategy.Attempt(ctx, d)
		switch {
		case errors.Is(err, errNoSource):
			continue
		case errors.Is(err, plate.ErrThumbnailTooLarge):
			// a bigger payload will not shrink at the next tier
			log.Warn().Err(err).Str("tier", strategy.Name()).Msg("thumbnail over size ceiling")
			return plate.ThumbnailRef{}, false
		case err != nil:
			log.Warn().Err(err).Str("tier", strategy.Name()).Msg("tier failed, falling through")
			continue
		}

		ref, err := r.uploader.Upload(ctx, data, storage.ObjectMeta{
			PlateNumber:        d.PlateNumber,
			DetectionTimestamp: d.DetectionTimestamp,
			EventID:            d.EventID,
			Kind:               kind,
		})
		if err != nil {
			log.Error().Err(err).Str("tier", strategy.Name()).Msg("thumbnail upload failed")
			return plate.ThumbnailRef{}, false
		}
		return ref, true
	}

	log.Debug().Msg("no thumbnail resolved for kind")
	return plate.ThumbnailRef{}, false
}
