package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/arclight-studio/gateway/internal/config"
)

// fakeTransport is an in-memory Transport for registry tests.
type fakeTransport struct {
	mu       sync.Mutex
	written  [][]byte
	failNext int
	closed   bool
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("write failed")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) RemoteAddr() string { return "test:0" }

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func testConfig() config.RegistryConfig {
	return config.RegistryConfig{
		MaxConnections:    8,
		HeartbeatInterval: 30 * time.Second,
		ReapInterval:      time.Minute,
		IdleTimeout:       5 * time.Minute,
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	conn, err := r.Register(&fakeTransport{})
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestRegistry_AdmissionCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 3
	r := NewRegistry(cfg, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := r.Register(&fakeTransport{})
		require.NoError(t, err)
	}

	_, err := r.Register(&fakeTransport{})
	assert.ErrorIs(t, err, ErrRegistryFull)
	assert.Equal(t, 3, r.Count())
}

func TestRegistry_AdmissionCeilingNeverExceeded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 20).Draw(t, "max")
		attempts := rapid.IntRange(0, 40).Draw(t, "attempts")

		cfg := testConfig()
		cfg.MaxConnections = max
		r := NewRegistry(cfg, zap.NewNop())

		for i := 0; i < attempts; i++ {
			_, _ = r.Register(&fakeTransport{})
		}
		if r.Count() > max {
			t.Fatalf("registry holds %d connections, ceiling is %d", r.Count(), max)
		}
	})
}

func TestRegistry_Send(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	tr := &fakeTransport{}
	conn, err := r.Register(tr)
	require.NoError(t, err)

	assert.True(t, r.Send(conn.ID, []byte("hello")))
	assert.Equal(t, 1, tr.writeCount())
}

func TestRegistry_SendUnknownID(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	assert.False(t, r.Send("nope", []byte("hello")))
}

func TestRegistry_SendEvictsAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	tr := &fakeTransport{failNext: 3}
	conn, err := r.Register(tr)
	require.NoError(t, err)

	assert.False(t, r.Send(conn.ID, []byte("a")))
	assert.False(t, r.Send(conn.ID, []byte("b")))
	assert.False(t, r.Send(conn.ID, []byte("c")))

	_, ok := r.Get(conn.ID)
	assert.False(t, ok, "connection should be evicted after 3 consecutive failures")
	assert.True(t, tr.closed)
}

func TestRegistry_SendSuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	tr := &fakeTransport{failNext: 2}
	conn, err := r.Register(tr)
	require.NoError(t, err)

	assert.False(t, r.Send(conn.ID, []byte("a")))
	assert.False(t, r.Send(conn.ID, []byte("b")))
	assert.True(t, r.Send(conn.ID, []byte("c")))

	tr.mu.Lock()
	tr.failNext = 2
	tr.mu.Unlock()
	assert.False(t, r.Send(conn.ID, []byte("d")))
	assert.False(t, r.Send(conn.ID, []byte("e")))

	_, ok := r.Get(conn.ID)
	assert.True(t, ok, "non-consecutive failures must not evict")
}

func TestRegistry_SendClosedTransportEvicts(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	tr := &fakeTransport{}
	conn, err := r.Register(tr)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.False(t, r.Send(conn.ID, []byte("x")))
	_, ok := r.Get(conn.ID)
	assert.False(t, ok)
}

func TestRegistry_Broadcast(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	transports := make([]*fakeTransport, 4)
	for i := range transports {
		transports[i] = &fakeTransport{}
		_, err := r.Register(transports[i])
		require.NoError(t, err)
	}

	sent := r.Broadcast([]byte("all"))
	assert.Equal(t, 4, sent)
	for _, tr := range transports {
		assert.Equal(t, 1, tr.writeCount())
	}
}

func TestRegistry_BroadcastIsolatesFailures(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	good := &fakeTransport{}
	bad := &fakeTransport{failNext: 10}
	_, err := r.Register(good)
	require.NoError(t, err)
	_, err = r.Register(bad)
	require.NoError(t, err)

	sent := r.Broadcast([]byte("all"))
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, good.writeCount())
}

func TestRegistry_BroadcastFunc(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	conn1, err := r.Register(tr1)
	require.NoError(t, err)
	_, err = r.Register(tr2)
	require.NoError(t, err)

	sent := r.BroadcastFunc(func(id string) bool { return id == conn1.ID }, []byte("one"))
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, tr1.writeCount())
	assert.Equal(t, 0, tr2.writeCount())
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	healthy := &fakeTransport{}
	closed := &fakeTransport{}
	_, err := r.Register(healthy)
	require.NoError(t, err)
	_, err = r.Register(closed)
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	sent := r.Heartbeat([]byte(`{"type":"ping"}`))
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, healthy.writeCount())
}

func TestRegistry_ReapStale(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	fresh := &fakeTransport{}
	idle := &fakeTransport{}
	freshConn, err := r.Register(fresh)
	require.NoError(t, err)
	idleConn, err := r.Register(idle)
	require.NoError(t, err)

	// Backdate the idle connection past the threshold.
	idleConn.mu.Lock()
	idleConn.lastActivity = time.Now().Add(-10 * time.Minute)
	idleConn.mu.Unlock()
	freshConn.Touch()

	reaped := r.ReapStale()
	assert.Equal(t, 1, reaped)
	_, ok := r.Get(idleConn.ID)
	assert.False(t, ok)
	_, ok = r.Get(freshConn.ID)
	assert.True(t, ok)
	assert.True(t, idle.closed)
}

func TestRegistry_ReapStaleUnhealthy(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	tr := &fakeTransport{}
	conn, err := r.Register(tr)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	conn.Touch()

	assert.Equal(t, 1, r.ReapStale())
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_CloseIdempotent(t *testing.T) {
	r := NewRegistry(testConfig(), zap.NewNop())
	tr := &fakeTransport{}
	conn, err := r.Register(tr)
	require.NoError(t, err)

	r.Close(conn.ID)
	r.Close(conn.ID)
	r.Close("never-existed")
	assert.Equal(t, 0, r.Count())
	assert.True(t, tr.closed)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1000
	r := NewRegistry(cfg, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := r.Register(&fakeTransport{})
			if err != nil {
				return
			}
			r.Send(conn.ID, []byte("x"))
			r.Broadcast([]byte("y"))
			r.ReapStale()
			r.Close(conn.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
}
