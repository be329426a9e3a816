package protect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"plate-pipeline/internal/config"
	"plate-pipeline/internal/domain/plate"
)

// Client is an authenticated session against the camera platform's
// management API. It is opened once per processing run, shared by the
// backfill workers, and closed on completion. Safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      zerolog.Logger

	mu          sync.Mutex
	tokenExpiry time.Time
	csrfToken   string

	camMu   sync.RWMutex
	cameras map[string]Camera
}

type Camera struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"type"`
	Location string `json:"locationName"`
}

// HistoryEvent is one entry of the platform's paginated event history.
type HistoryEvent struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	Start            int64    `json:"start"` // epoch millis
	End              int64    `json:"end"`
	CameraID         string   `json:"camera"`
	SmartDetectTypes []string `json:"smartDetectTypes"`
	Metadata         struct {
		DetectedThumbnails []DetectedThumbnail `json:"detectedThumbnails"`
	} `json:"metadata"`
}

// DetectedThumbnail is a sub-detection within a history event. Vehicle
// entries with a name carry the recognized plate.
type DetectedThumbnail struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	CroppedID     string `json:"croppedId"`
	ClockBestWall int64  `json:"clockBestWall"`
	Attributes    struct {
		VehicleType *struct {
			Val        string  `json:"val"`
			Confidence float64 `json:"confidence"`
		} `json:"vehicleType"`
		Color *struct {
			Val        string  `json:"val"`
			Confidence float64 `json:"confidence"`
		} `json:"color"`
	} `json:"attributes"`
}

const (
	loginPath  = "/api/auth/login"
	eventsPath = "/proxy/protect/api/events"
	pageLimit  = 500

	// re-login this long before the session token actually expires
	expirySlack = 30 * time.Second
)

func NewClient(cfg config.Protect, log zerolog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
	}
	return &Client{
		baseURL:  fmt.Sprintf("https://%s:%d", cfg.Host, cfg.Port),
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   60 * time.Second,
		},
		log:     log,
		cameras: make(map[string]Camera),
	}, nil
}

// Login authenticates and captures the session cookie. The platform issues
// a JWT; its exp claim drives proactive re-authentication.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login request: %v", plate.ErrUpstreamAuth, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned %d", plate.ErrUpstreamAuth, resp.StatusCode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrfToken = resp.Header.Get("X-CSRF-Token")
	c.tokenExpiry = time.Now().Add(55 * time.Minute) // platform default session length
	for _, ck := range resp.Cookies() {
		if ck.Name != "TOKEN" || ck.Value == "" {
			continue
		}
		if exp, ok := tokenExpiry(ck.Value); ok {
			c.tokenExpiry = exp
		}
	}

	c.log.Info().Time("token_expiry", c.tokenExpiry).Msg("authenticated to camera platform")
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is the platform's, we only need its lifetime.
func tokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	fresh := time.Now().Before(c.tokenExpiry.Add(-expirySlack))
	c.mu.Unlock()
	if fresh {
		return nil
	}
	return c.Login(ctx)
}

// Events fetches the history for [start, end) one page at a time. The
// caller windows its requests; this only pages within the given range.
func (c *Client) Events(ctx context.Context, start, end time.Time) ([]HistoryEvent, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var all []HistoryEvent
	offset := 0
	for {
		q := url.Values{}
		q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("types", "smartDetectZone")

		var page []HistoryEvent
		if err := c.getJSON(ctx, eventsPath+"?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageLimit {
			return all, nil
		}
		offset += pageLimit
	}
}

// CameraByID resolves camera metadata, caching per process since the fleet
// is small and stable within a run.
func (c *Client) CameraByID(ctx context.Context, id string) (Camera, error) {
	c.camMu.RLock()
	cam, ok := c.cameras[id]
	c.camMu.RUnlock()
	if ok {
		return cam, nil
	}

	if err := c.ensureSession(ctx); err != nil {
		return Camera{}, err
	}
	var fetched Camera
	if err := c.getJSON(ctx, "/proxy/protect/api/cameras/"+url.PathEscape(id), &fetched); err != nil {
		return Camera{}, err
	}

	c.camMu.Lock()
	c.cameras[id] = fetched
	c.camMu.Unlock()
	return fetched, nil
}

// Download performs a size-capped authenticated GET for image bytes.
func (c *Client) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrThumbnailFetch, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrThumbnailFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: download returned %d", plate.ErrUpstreamAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: download returned %d", plate.ErrThumbnailFetch, resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: content-length %d", plate.ErrThumbnailTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plate.ErrThumbnailFetch, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: body over %d bytes", plate.ErrThumbnailTooLarge, maxBytes)
	}
	return data, nil
}

// EventThumbnailURL reconstructs the full-scene snapshot endpoint for an
// event, the fallback for expired or absent payload URLs.
func (c *Client) EventThumbnailURL(eventID string) string {
	return c.baseURL + "/proxy/protect/api/events/" + url.PathEscape(eventID) + "/thumbnail"
}

// DetectionCropURL reconstructs the cropped-plate endpoint.
func (c *Client) DetectionCropURL(cameraID, croppedID string) string {
	return c.baseURL + "/proxy/protect/api/cameras/" + url.PathEscape(cameraID) +
		"/detections/" + url.PathEscape(croppedID) + "/thumbnail"
}

// CameraSnapshotURL is the live snapshot endpoint, used when an event has
// no snapshot of its own.
func (c *Client) CameraSnapshotURL(cameraID string) string {
	return c.baseURL + "/proxy/protect/api/cameras/" + url.PathEscape(cameraID) + "/snapshot"
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", c.csrfToken)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", plate.ErrUpstreamAuth, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("platform GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Close abandons the session. The platform expires the token server-side;
// locally we just drop the pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
