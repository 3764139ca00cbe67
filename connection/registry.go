package connection

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strzcam.com/framecast/frame"
	"strzcam.com/framecast/metrics"
)

type addRequest struct {
	conn  *Conn
	reply chan bool
}

type removeRequest struct {
	conns []*Conn
	reply chan int
}

// Registry holds at most max live connections. The set is owned by a single
// goroutine; every other method talks to it over channels.
type Registry struct {
	max     int
	logger  *zap.Logger
	metrics *metrics.Server

	conns map[string]*Conn

	add      chan addRequest
	remove   chan removeRequest
	snapshot chan chan []*Conn
	count    chan chan int
	clear    chan chan struct{}

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Server) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry starts the owner goroutine. Call Close to stop it.
func NewRegistry(max int, opts ...Option) *Registry {
	r := &Registry{
		max:      max,
		logger:   zap.NewNop(),
		conns:    make(map[string]*Conn),
		add:      make(chan addRequest),
		remove:   make(chan removeRequest),
		snapshot: make(chan chan []*Conn),
		count:    make(chan chan int),
		clear:    make(chan chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.stopped)
	for {
		select {
		case req := <-r.add:
			req.reply <- r.addConn(req.conn)
		case req := <-r.remove:
			req.reply <- r.removeConns(req.conns)
		case reply := <-r.snapshot:
			conns := make([]*Conn, 0, len(r.conns))
			for _, c := range r.conns {
				conns = append(conns, c)
			}
			reply <- conns
		case reply := <-r.count:
			reply <- len(r.conns)
		case reply := <-r.clear:
			r.closeAll()
			reply <- struct{}{}
		case <-r.done:
			r.closeAll()
			return
		}
	}
}

func (r *Registry) addConn(c *Conn) bool {
	if len(r.conns) >= r.max {
		c.Close()
		r.logger.Info("Connection rejected, stream full",
			zap.String("remote", c.RemoteAddr()),
			zap.Int("max_clients", r.max))
		if r.metrics != nil {
			r.metrics.RecordRejection()
		}
		return false
	}
	r.conns[c.ID] = c
	r.logger.Info("Viewer connected",
		zap.String("conn_id", c.ID),
		zap.String("remote", c.RemoteAddr()),
		zap.Int("clients", len(r.conns)))
	if r.metrics != nil {
		r.metrics.RecordConnection()
	}
	return true
}

func (r *Registry) removeConns(conns []*Conn) int {
	removed := 0
	for _, c := range conns {
		c.Close()
		if _, ok := r.conns[c.ID]; !ok {
			continue
		}
		delete(r.conns, c.ID)
		removed++
		r.logger.Info("Viewer dropped",
			zap.String("conn_id", c.ID),
			zap.String("remote", c.RemoteAddr()),
			zap.Duration("connected_for", time.Since(c.ConnectedAt)),
			zap.Int("clients", len(r.conns)))
		if r.metrics != nil {
			r.metrics.RecordDisconnection(true)
		}
	}
	return removed
}

func (r *Registry) closeAll() {
	for id, c := range r.conns {
		c.Close()
		delete(r.conns, id)
		if r.metrics != nil {
			r.metrics.RecordDisconnection(false)
		}
	}
}

// TryAdd stores c unless the registry is full or closed, in which case c is
// closed and false is returned.
func (r *Registry) TryAdd(c *Conn) bool {
	reply := make(chan bool, 1)
	select {
	case r.add <- addRequest{conn: c, reply: reply}:
		return <-reply
	case <-r.done:
		c.Close()
		return false
	}
}

// Broadcast writes p to every registered connection concurrently and removes
// the ones that failed before returning. It reports how many writes succeeded.
func (r *Registry) Broadcast(p frame.Packet) int {
	conns := r.Snapshot()
	if len(conns) == 0 {
		return 0
	}

	var (
		mu     sync.Mutex
		failed []*Conn
		g      errgroup.Group
	)
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Send(p); err != nil {
				r.logger.Debug("Write failed",
					zap.String("conn_id", c.ID),
					zap.Stringer("status", frame.StatusOf(err)),
					zap.Error(err))
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		r.prune(failed)
	}
	return len(conns) - len(failed)
}

func (r *Registry) prune(conns []*Conn) {
	reply := make(chan int, 1)
	select {
	case r.remove <- removeRequest{conns: conns, reply: reply}:
		<-reply
	case <-r.done:
		for _, c := range conns {
			c.Close()
		}
	}
}

// Snapshot returns the registered connections at this instant.
func (r *Registry) Snapshot() []*Conn {
	reply := make(chan []*Conn, 1)
	select {
	case r.snapshot <- reply:
		return <-reply
	case <-r.done:
		return nil
	}
}

func (r *Registry) Count() int {
	reply := make(chan int, 1)
	select {
	case r.count <- reply:
		return <-reply
	case <-r.done:
		return 0
	}
}

// Clear closes and removes every connection.
func (r *Registry) Clear() {
	reply := make(chan struct{}, 1)
	select {
	case r.clear <- reply:
		<-reply
	case <-r.done:
	}
}

// Close clears the registry and stops the owner goroutine. Later calls to
// TryAdd reject.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	<-r.stopped
}
