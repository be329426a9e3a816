package protect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plate-pipeline/internal/domain/plate"
)

// testClient points an already-authenticated client at a local server.
func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := &Client{
		baseURL:     srv.URL,
		http:        srv.Client(),
		log:         zerolog.Nop(),
		cameras:     make(map[string]Camera),
		tokenExpiry: time.Now().Add(time.Hour),
	}
	return c
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
		"sub": "test",
	})
	s, err := tok.SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	return s
}

func TestLoginReadsTokenExpiry(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, loginPath, r.URL.Path)
		http.SetCookie(w, &http.Cookie{Name: "TOKEN", Value: signedToken(t, exp)})
		w.Header().Set("X-CSRF-Token", "csrf-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.tokenExpiry = time.Time{}
	require.NoError(t, c.Login(context.Background()))

	assert.Equal(t, exp.UTC(), c.tokenExpiry.UTC())
	assert.Equal(t, "csrf-1", c.csrfToken)
}

func TestLoginRejectedIsUpstreamAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	err := c.Login(context.Background())
	assert.ErrorIs(t, err, plate.ErrUpstreamAuth)
}

func TestEventsPaginates(t *testing.T) {
	total := pageLimit + 3
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		require.Equal(t, pageLimit, limit)

		var page []HistoryEvent
		for i := offset; i < total && i < offset+limit; i++ {
			page = append(page, HistoryEvent{ID: fmt.Sprintf("evt-%d", i), CameraID: "cam-1"})
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	events, err := c.Events(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Len(t, events, total)
	assert.Equal(t, "evt-0", events[0].ID)
	assert.Equal(t, fmt.Sprintf("evt-%d", total-1), events[total-1].ID)
}

func TestDownloadStatusMapping(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte("img"))
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ctx := context.Background()

	status = http.StatusOK
	data, err := c.Download(ctx, srv.URL+"/thumb", 1<<20)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)

	status = http.StatusForbidden
	_, err = c.Download(ctx, srv.URL+"/thumb", 1<<20)
	assert.ErrorIs(t, err, plate.ErrUpstreamAuth)

	status = http.StatusNotFound
	_, err = c.Download(ctx, srv.URL+"/thumb", 1<<20)
	assert.ErrorIs(t, err, plate.ErrThumbnailFetch)
}

func TestDownloadEnforcesSizeCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Download(context.Background(), srv.URL+"/thumb", 16)
	assert.ErrorIs(t, err, plate.ErrThumbnailTooLarge)
}

func TestCameraByIDCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(Camera{ID: "cam-1", Name: "Gate"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ctx := context.Background()

	cam, err := c.CameraByID(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "Gate", cam.Name)

	_, err = c.CameraByID(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestURLBuildersEscapeIdentifiers(t *testing.T) {
	c := &Client{baseURL: "https://nvr:443"}

	assert.Equal(t,
		"https://nvr:443/proxy/protect/api/events/evt%2F1/thumbnail",
		c.EventThumbnailURL("evt/1"))
	assert.Equal(t,
		"https://nvr:443/proxy/protect/api/cameras/cam-1/detections/crop-1/thumbnail",
		c.DetectionCropURL("cam-1", "crop-1"))
	assert.Equal(t,
		"https://nvr:443/proxy/protect/api/cameras/cam-1/snapshot",
		c.CameraSnapshotURL("cam-1"))
}
