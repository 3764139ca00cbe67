// Package broadcast fans rendered frames out to TCP viewers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"strzcam.com/framecast/connection"
	"strzcam.com/framecast/frame"
	"strzcam.com/framecast/metrics"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Observer is notified synchronously after every broadcast frame. It must not
// block.
type Observer interface {
	FrameBroadcast(stream string, f frame.Frame, delivered int)
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Server) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithObserver(o Observer) Option {
	return func(s *Server) {
		s.observer = o
	}
}

func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

// Server accepts viewers on one TCP endpoint and broadcasts every pushed
// frame to them. A Server runs at most once: after Stop, build a new one.
type Server struct {
	cfg      Config
	name     string
	logger   *zap.Logger
	metrics  *metrics.Server
	observer Observer
	now      func() time.Time

	mu         sync.Mutex
	state      State
	closed     bool
	listener   *net.TCPListener
	registry   *connection.Registry
	stop       chan struct{}
	acceptDone chan struct{}

	pushMu  sync.Mutex
	gate    *frameGate
	encoder *frame.Encoder
}

func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		name:   "main",
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("stream", s.name))
	return s
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound listener address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil {
		return 0
	}
	return registry.Count()
}

// Start binds the listener and spawns the accept loop. It is a no-op while
// running and returns ErrServerClosed once the server has been stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.state != StateIdle {
		return nil
	}

	encoder, err := frame.NewEncoder(s.cfg.CompressionLevel)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	lc := net.ListenConfig{Control: controlReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	registryOpts := []connection.Option{connection.WithLogger(s.logger)}
	if s.metrics != nil {
		registryOpts = append(registryOpts, connection.WithMetrics(s.metrics))
	}

	s.pushMu.Lock()
	s.encoder = encoder
	s.gate = newFrameGate(s.cfg.FrameInterval(), s.now)
	s.pushMu.Unlock()

	s.listener = ln.(*net.TCPListener)
	s.registry = connection.NewRegistry(s.cfg.MaxClients, registryOpts...)
	s.stop = make(chan struct{})
	s.acceptDone = make(chan struct{})
	s.state = StateRunning

	go s.acceptLoop(s.listener, s.registry, s.stop, s.acceptDone)

	s.logger.Info("Stream server started",
		zap.String("addr", s.listener.Addr().String()),
		zap.Int("max_clients", s.cfg.MaxClients),
		zap.Int("target_fps", s.cfg.TargetFPS))
	return nil
}

// acceptBackoff spaces out retries after accept errors that are not
// deadline timeouts, such as running out of file descriptors.
type acceptBackoff struct {
	delay time.Duration
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func (b *acceptBackoff) next() time.Duration {
	if b.delay == 0 {
		b.delay = minAcceptDelay
	} else {
		b.delay = min(2*b.delay, maxAcceptDelay)
	}
	return b.delay
}

func (b *acceptBackoff) reset() {
	b.delay = 0
}

func (s *Server) acceptLoop(ln *net.TCPListener, registry *connection.Registry, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var backoff acceptBackoff
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := ln.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to set accept deadline", zap.Error(err))
		}

		conn, err := ln.AcceptTCP()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay := backoff.next()
			s.logger.Warn("Accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			if s.metrics != nil {
				s.metrics.RecordError("accept")
			}
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}
			continue
		}
		backoff.reset()

		if err := conn.SetNoDelay(true); err != nil {
			s.logger.Debug("Failed to disable Nagle", zap.Error(err))
		}
		registry.TryAdd(connection.NewConn(conn, s.cfg.WriteTimeout))
	}
}

// Push offers f for broadcast. Frames arriving faster than the target rate,
// invalid frames, and frames pushed while not running are dropped and false
// is returned. Push never blocks longer than one write timeout.
func (s *Server) Push(f frame.Frame) bool {
	if err := f.Validate(); err != nil {
		s.logger.Warn("Dropping invalid frame", zap.Error(err))
		s.recordDrop()
		return false
	}

	s.mu.Lock()
	running := s.state == StateRunning
	registry := s.registry
	s.mu.Unlock()
	if !running {
		return false
	}

	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if !s.gate.allow() {
		s.recordDrop()
		return false
	}

	start := time.Now()
	packet, err := s.encoder.Encode(f)
	if err != nil {
		s.logger.Error("Failed to encode frame", zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordError("encode")
		}
		return false
	}
	encodeTime := time.Since(start)

	delivered := registry.Broadcast(packet)

	if s.metrics != nil {
		s.metrics.EncodeDuration.Observe(encodeTime.Seconds())
		s.metrics.PacketBytes.Observe(float64(len(packet)))
		s.metrics.BytesSent.Add(float64(len(packet) * delivered))
		s.metrics.FramesBroadcast.Inc()
	}
	if s.observer != nil {
		s.observer.FrameBroadcast(s.name, f, delivered)
	}
	return true
}

func (s *Server) recordDrop() {
	if s.metrics != nil {
		s.metrics.FramesDropped.Inc()
	}
}

// Stop closes the listener and every viewer connection, then waits up to
// StopTimeout for the accept loop to exit. It is safe to call repeatedly.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	close(s.stop)
	closeErr := s.listener.Close()
	registry := s.registry
	acceptDone := s.acceptDone
	s.mu.Unlock()

	registry.Clear()
	registry.Close()

	select {
	case <-acceptDone:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Accept loop did not exit in time", zap.Duration("timeout", s.cfg.StopTimeout))
	}

	s.mu.Lock()
	s.state = StateIdle
	s.closed = true
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info("Stream server stopped")
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", closeErr)
	}
	return nil
}
