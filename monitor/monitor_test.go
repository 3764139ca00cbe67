package monitor

import (
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"strzcam.com/framecast/frame"
)

type fakeSource struct {
	name    string
	addr    string
	clients int
}

func (f fakeSource) Name() string     { return f.name }
func (f fakeSource) Addr() string     { return f.addr }
func (f fakeSource) ClientCount() int { return f.clients }

func newTestMonitor(t *testing.T, opts ...Option) (*Monitor, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "framecast_test_total", Help: "test"}).Inc()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	m := New(reg, opts...)
	m.AddStream(fakeSource{name: "main", addr: "127.0.0.1:9999", clients: 2})
	m.AddStream(fakeSource{name: "left", addr: "127.0.0.1:10000"})

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(m.Close)
	return m, srv
}

func TestHealth(t *testing.T) {
	_, srv := newTestMonitor(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "framecast", body["service"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestMonitor(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "framecast_test_total 1")
}

func TestStreamsReportsFrames(t *testing.T) {
	m, srv := newTestMonitor(t)
	start := time.Unix(500, 0)
	tick := 0
	m.now = func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * 100 * time.Millisecond)
	}

	for i := range 3 {
		m.FrameBroadcast("main", frame.Pattern(32, 24, i), 2)
	}
	m.FrameBroadcast("unknown", frame.Pattern(8, 8, 0), 0)

	resp, err := http.Get(srv.URL + "/streams")
	require.NoError(t, err)
	defer resp.Body.Close()

	var streams []StreamStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&streams))
	require.Len(t, streams, 2)

	assert.Equal(t, StreamStatus{
		Name: "main", Addr: "127.0.0.1:9999", Clients: 2,
		FPS: 10, Width: 32, Height: 24, Frames: 3,
	}, streams[0])
	assert.Equal(t, "left", streams[1].Name)
	assert.Equal(t, uint64(0), streams[1].Frames)
}

func TestPreviewServesJPEG(t *testing.T) {
	m, srv := newTestMonitor(t)
	m.FrameBroadcast("main", frame.Solid(40, 20, color.RGBA{R: 255}), 1)

	resp, err := http.Get(srv.URL + "/preview/main")
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	mr := multipart.NewReader(resp.Body, params["boundary"])

	// a part is complete only once the next boundary arrives
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.FrameBroadcast("main", frame.Solid(16, 16, color.RGBA{G: 255}), 1)
			}
		}
	}()

	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))

	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 20), img.Bounds())

	part, err = mr.NextPart()
	require.NoError(t, err)
	img, err = jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
}

func TestPreviewDownscale(t *testing.T) {
	m, srv := newTestMonitor(t)
	m.FrameBroadcast("main", frame.Pattern(200, 100, 3), 1)

	resp, err := http.Get(srv.URL + "/preview/main?width=50")
	require.NoError(t, err)
	defer resp.Body.Close()
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.FrameBroadcast("main", frame.Pattern(200, 100, 4), 1)
			}
		}
	}()

	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	img, err := jpeg.Decode(part)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 50, 25), img.Bounds())
}

func TestPreviewRejectsBadWidth(t *testing.T) {
	_, srv := newTestMonitor(t)

	resp, err := http.Get(srv.URL + "/preview/main?width=-3")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownscale(t *testing.T) {
	img := frame.Solid(30, 10, color.RGBA{B: 200}).ToRGBA()
	assert.Same(t, img, downscale(img, 0))
	assert.Same(t, img, downscale(img, 30))
	assert.Equal(t, image.Rect(0, 0, 3, 1), downscale(img, 3).Bounds())
}

func TestPreviewUnknownStream(t *testing.T) {
	_, srv := newTestMonitor(t)

	resp, err := http.Get(srv.URL + "/preview/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFeed(t *testing.T) {
	m, srv := newTestMonitor(t, WithStatusInterval(20*time.Millisecond))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first []StreamStatus
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	require.Len(t, first, 2)
	assert.Equal(t, uint64(0), first[0].Frames)

	m.FrameBroadcast("main", frame.Pattern(8, 8, 1), 2)

	for {
		var next []StreamStatus
		require.NoError(t, conn.ReadJSON(&next))
		if next[0].Frames == 1 {
			break
		}
	}
}

func TestCloseEndsStatusFeeds(t *testing.T) {
	m, srv := newTestMonitor(t, WithStatusInterval(20*time.Millisecond))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first []StreamStatus
	require.NoError(t, conn.ReadJSON(&first))

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wait for the feed handler to exit")
	}

	for {
		var next []StreamStatus
		if err := conn.ReadJSON(&next); err != nil {
			break
		}
	}

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	var none []StreamStatus
	assert.Error(t, late.ReadJSON(&none), "feeds opened after Close are refused")
}
