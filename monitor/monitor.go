// Package monitor serves health, metrics, stream status and live previews of
// the broadcast streams over HTTP.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"strzcam.com/framecast/broadcast"
	"strzcam.com/framecast/frame"
)

const (
	fpsWindow  = 30
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// StreamSource is the view of a broadcast server the monitor needs.
type StreamSource interface {
	Name() string
	Addr() string
	ClientCount() int
}

type StreamStatus struct {
	Name    string  `json:"name"`
	Addr    string  `json:"addr"`
	Clients int     `json:"clients"`
	FPS     float64 `json:"fps"`
	Width   uint32  `json:"width"`
	Height  uint32  `json:"height"`
	Frames  uint64  `json:"frames"`
}

type stream struct {
	source StreamSource

	mu      sync.Mutex
	latest  frame.Frame
	frames  uint64
	stamps  *CircularBuffer[time.Time]
	updated chan struct{}
}

func (s *stream) status() StreamStatus {
	st := StreamStatus{
		Name:    s.source.Name(),
		Addr:    s.source.Addr(),
		Clients: s.source.ClientCount(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.FPS = rate(s.stamps)
	st.Width = s.latest.Width
	st.Height = s.latest.Height
	st.Frames = s.frames
	return st
}

// next returns the latest frame and a channel closed when a newer one
// arrives.
func (s *stream) next() (frame.Frame, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.updated
}

type Option func(*Monitor)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithStatusInterval sets how often /ws pushes the stream status.
func WithStatusInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.statusInterval = d
	}
}

// Monitor observes broadcast servers and exposes them over HTTP.
type Monitor struct {
	logger         *zap.Logger
	gatherer       prometheus.Gatherer
	statusInterval time.Duration
	upgrader       websocket.Upgrader
	now            func() time.Time

	mu      sync.RWMutex
	names   []string
	streams map[string]*stream

	// Hijacked websocket connections are not tracked by http.Server.
	feedMu  sync.Mutex
	feeds   map[*websocket.Conn]struct{}
	closing bool
	feedWG  sync.WaitGroup
}

var _ broadcast.Observer = (*Monitor)(nil)

func New(gatherer prometheus.Gatherer, opts ...Option) *Monitor {
	m := &Monitor{
		logger:         zap.NewNop(),
		gatherer:       gatherer,
		statusInterval: time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now:     time.Now,
		streams: make(map[string]*stream),
		feeds:   make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) AddStream(src StreamSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[src.Name()]; ok {
		return
	}
	m.names = append(m.names, src.Name())
	m.streams[src.Name()] = &stream{
		source:  src,
		stamps:  NewCircularBuffer[time.Time](fpsWindow),
		updated: make(chan struct{}),
	}
}

func (m *Monitor) stream(name string) (*stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[name]
	return s, ok
}

// FrameBroadcast records f as the latest frame of the named stream.
func (m *Monitor) FrameBroadcast(name string, f frame.Frame, delivered int) {
	s, ok := m.stream(name)
	if !ok {
		return
	}
	s.mu.Lock()
	s.latest = f
	s.frames++
	s.stamps.Add(m.now())
	close(s.updated)
	s.updated = make(chan struct{})
	s.mu.Unlock()
}

// Status lists every stream in registration order.
func (m *Monitor) Status() []StreamStatus {
	m.mu.RLock()
	streams := make([]*stream, 0, len(m.names))
	for _, name := range m.names {
		streams = append(streams, m.streams[name])
	}
	m.mu.RUnlock()

	out := make([]StreamStatus, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.status())
	}
	return out
}

func (m *Monitor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(setCORSHeaders)

	r.Get("/health", m.health)
	r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	r.Get("/streams", m.listStreams)
	r.Get("/preview/{name}", m.servePreview)
	r.Get("/ws", m.serveStatusFeed)
	return r
}

// ListenAndServe serves Handler on addr until ctx is done.
func (m *Monitor) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Monitor listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	m.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// Close disconnects every status feed client and waits for their handlers to
// return. Feeds opened afterwards are refused.
func (m *Monitor) Close() {
	m.feedMu.Lock()
	m.closing = true
	for conn := range m.feeds {
		conn.Close()
	}
	m.feedMu.Unlock()
	m.feedWG.Wait()
}

func (m *Monitor) trackFeed(conn *websocket.Conn) bool {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	if m.closing {
		return false
	}
	m.feeds[conn] = struct{}{}
	m.feedWG.Add(1)
	return true
}

func (m *Monitor) untrackFeed(conn *websocket.Conn) {
	m.feedMu.Lock()
	delete(m.feeds, conn)
	m.feedMu.Unlock()
	m.feedWG.Done()
}

func setCORSHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (m *Monitor) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"service": "framecast",
	})
}

func (m *Monitor) listStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Status())
}

func (m *Monitor) servePreview(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, ok := m.stream(name)
	if !ok {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}
	maxWidth := 0
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
		maxWidth = n
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	mw := multipart.NewWriter(w)
	mw.SetBoundary("frame")

	for {
		f, updated := s.next()
		if f.Width > 0 {
			if err := writeJPEGFrame(mw, downscale(f.ToRGBA(), maxWidth)); err != nil {
				m.logger.Debug("Preview client gone", zap.String("stream", name), zap.Error(err))
				return
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-updated:
		}
	}
}

// downscale shrinks img to maxWidth keeping its aspect ratio. Images already
// narrower, or a maxWidth of 0, are returned unchanged.
func downscale(img *image.RGBA, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth == 0 || b.Dx() <= maxWidth {
		return img
	}
	height := max(1, b.Dy()*maxWidth/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func writeJPEGFrame(mw *multipart.Writer, img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return err
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", fmt.Sprintf("%d", buf.Len()))

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(buf.Bytes())
	return err
}

func (m *Monitor) serveStatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	if !m.trackFeed(conn) {
		conn.Close()
		return
	}
	defer m.untrackFeed(conn)

	done := make(chan struct{})
	go m.readStatusFeed(conn, done)
	m.writeStatusFeed(conn, done)
	<-done
}

// readStatusFeed discards client messages and closes done once the client
// goes away.
func (m *Monitor) readStatusFeed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("Status feed closed", zap.Error(err))
			}
			return
		}
	}
}

func (m *Monitor) writeStatusFeed(conn *websocket.Conn, done <-chan struct{}) {
	status := time.NewTicker(m.statusInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		status.Stop()
		ping.Stop()
		conn.Close()
	}()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m.Status()) == nil
	}
	if !send() {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-status.C:
			if !send() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
