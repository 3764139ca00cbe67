package connection

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"strzcam.com/framecast/frame"
	"strzcam.com/framecast/metrics"
)

// pipeConn returns a registry connection and the viewer end of the pipe.
func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewConn(server, time.Second), client
}

// drain reads everything the viewer end receives into a channel of packets of
// the given size.
func drain(client net.Conn, size int) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			buf, err := frame.ReadExact(client, size)
			if err != nil {
				return
			}
			out <- buf
		}
	}()
	return out
}

func TestTryAddRespectsCapacityUnderConcurrency(t *testing.T) {
	r := NewRegistry(3, WithLogger(zaptest.NewLogger(t)))
	defer r.Close()

	conns := make([]*Conn, 20)
	for i := range conns {
		conns[i], _ = pipeConn(t)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAdd(c) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, 3, r.Count())

	alive := 0
	for _, c := range conns {
		if c.Alive() {
			alive++
		}
	}
	assert.Equal(t, 3, alive, "rejected connections must be closed")
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	r := NewRegistry(2)
	defer r.Close()

	a, aClient := pipeConn(t)
	b, bClient := pipeConn(t)
	require.True(t, r.TryAdd(a))
	require.True(t, r.TryAdd(b))

	aPackets := drain(aClient, 4)
	bPackets := drain(bClient, 4)

	for _, p := range []frame.Packet{[]byte("one!"), []byte("two!")} {
		assert.Equal(t, 2, r.Broadcast(p))
	}

	for _, packets := range []<-chan []byte{aPackets, bPackets} {
		assert.Equal(t, []byte("one!"), <-packets)
		assert.Equal(t, []byte("two!"), <-packets)
	}
}

func TestBroadcastPrunesFailedConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewServer(reg, "test")
	r := NewRegistry(3, WithMetrics(m), WithLogger(zaptest.NewLogger(t)))
	defer r.Close()

	healthy, healthyClient := pipeConn(t)
	dead, deadClient := pipeConn(t)
	require.True(t, r.TryAdd(healthy))
	require.True(t, r.TryAdd(dead))
	go io.Copy(io.Discard, healthyClient)
	require.NoError(t, deadClient.Close())

	delivered := r.Broadcast(frame.Packet("data"))

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, r.Count())
	assert.False(t, dead.Alive())
	assert.True(t, healthy.Alive())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DisconnectsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, healthy.ID, snapshot[0].ID)
}

func TestDroppedViewerLogsConnectionAge(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewRegistry(2, WithLogger(zap.New(core)))
	defer r.Close()

	dead, deadClient := pipeConn(t)
	dead.ConnectedAt = time.Now().Add(-time.Minute)
	require.True(t, r.TryAdd(dead))
	require.NoError(t, deadClient.Close())

	assert.Equal(t, 0, r.Broadcast(frame.Packet("data")))

	dropped := logs.FilterMessage("Viewer dropped").All()
	require.Len(t, dropped, 1)
	fields := dropped[0].ContextMap()
	assert.Equal(t, dead.ID, fields["conn_id"])
	assert.GreaterOrEqual(t, fields["connected_for"], time.Minute)
}

func TestBroadcastStalledPeerIsBounded(t *testing.T) {
	r := NewRegistry(2)
	defer r.Close()

	server, client := net.Pipe()
	defer client.Close()
	stalled := NewConn(server, 50*time.Millisecond)
	fast, fastClient := pipeConn(t)
	require.True(t, r.TryAdd(stalled))
	require.True(t, r.TryAdd(fast))
	go io.Copy(io.Discard, fastClient)

	start := time.Now()
	delivered := r.Broadcast(frame.Packet("frame"))

	assert.Equal(t, 1, delivered)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, r.Count())
	assert.False(t, stalled.Alive())
}

func TestClearClosesEverything(t *testing.T) {
	r := NewRegistry(3)
	defer r.Close()

	var conns []*Conn
	for range 3 {
		c, _ := pipeConn(t)
		require.True(t, r.TryAdd(c))
		conns = append(conns, c)
	}

	r.Clear()

	assert.Equal(t, 0, r.Count())
	for _, c := range conns {
		assert.False(t, c.Alive())
	}
	assert.Equal(t, 0, r.Broadcast(frame.Packet("x")))

	c, _ := pipeConn(t)
	assert.True(t, r.TryAdd(c), "a cleared registry accepts new viewers")
}

func TestClosedRegistryRejects(t *testing.T) {
	r := NewRegistry(3)
	kept, _ := pipeConn(t)
	require.True(t, r.TryAdd(kept))

	r.Close()
	r.Close()

	assert.False(t, kept.Alive())
	c, _ := pipeConn(t)
	assert.False(t, r.TryAdd(c))
	assert.False(t, c.Alive())
	assert.Equal(t, 0, r.Count())
	assert.Nil(t, r.Snapshot())
}

func TestSendAfterClose(t *testing.T) {
	c, _ := pipeConn(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Send(frame.Packet("late"))
	assert.ErrorIs(t, err, frame.ErrPeerClosed)
	assert.Equal(t, frame.StatusPeerClosed, frame.StatusOf(err))
}

func TestLocalIP(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	require.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}
