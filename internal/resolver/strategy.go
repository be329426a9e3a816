package resolver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"plate-pipeline/internal/domain/plate"
)

// errNoSource means a strategy has nothing to try for this detection; the
// chain moves on without counting it as a failure.
var errNoSource = errors.New("no source available")

// Strategy is one tier of the image fallback chain: attempt a fetch,
// return bytes or a typed failure.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, d *plate.Detection) ([]byte, error)
}

// inlineStrategy decodes a base64 image embedded in the payload itself.
// When present it wins outright and no network call is made.
type inlineStrategy struct {
	maxBytes int64
}

func (s inlineStrategy) Name() string { return "inline_decode" }

func (s inlineStrategy) Attempt(_ context.Context, d *plate.Detection) ([]byte, error) {
	encoded := strings.TrimSpace(d.Sources.InlineThumbnail)
	if encoded == "" {
		return nil, errNoSource
	}
	// tolerate a data-URI prefix
	if i := strings.IndexByte(encoded, ','); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: inline decode: %v", plate.ErrThumbnailFetch, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: inline image %d bytes", plate.ErrThumbnailTooLarge, len(data))
	}
	return data, nil
}

// directURLStrategy downloads the (possibly time-limited) URL the payload
// carried. Anonymous fetch; expired URLs fail here and fall through to
// endpoint reconstruction.
type directURLStrategy struct {
	client   *http.Client
	maxBytes int64
	pick     func(*plate.Detection) string
}

func (s directURLStrategy) Name() string { return "direct_url" }

func (s directURLStrategy) Attempt(ctx context.Context, d *plate.Detection) ([]byte, error) {
	rawURL := s.pick(d)
	if rawURL == "" {
		return nil, errNoSource
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrThumbnailFetch, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrThumbnailFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", plate.ErrThumbnailFetch, resp.StatusCode)
	}
	if resp.ContentLength > s.maxBytes {
		return nil, fmt.Errorf("%w: content-length %d", plate.ErrThumbnailTooLarge, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrThumbnailFetch, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: body over %d bytes", plate.ErrThumbnailTooLarge, s.maxBytes)
	}
	return data, nil
}

// Session is the authenticated camera-platform session the reconstruction
// tier downloads through. It is owned by the caller and shared across a
// processing run.
type Session interface {
	EventThumbnailURL(eventID string) string
	DetectionCropURL(cameraID, croppedID string) string
	Download(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// apiStrategy rebuilds the retrieval endpoint from detection identifiers
// and downloads through the authenticated session. Last tier: it is the
// only one that still works for historical events whose payload URLs have
// long expired.
type apiStrategy struct {
	session  Session
	maxBytes int64
	buildURL func(Session, *plate.Detection) string
}

func (s apiStrategy) Name() string { return "api_reconstruct" }

func (s apiStrategy) Attempt(ctx context.Context, d *plate.Detection) ([]byte, error) {
	if s.session == nil {
		return nil, errNoSource
	}
	rawURL := s.buildURL(s.session, d)
	if rawURL == "" {
		return nil, errNoSource
	}
	return s.session.Download(ctx, rawURL, s.maxBytes)
}
