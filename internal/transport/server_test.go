package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/config"
	"github.com/arclight-studio/gateway/internal/matchmaker"
	"github.com/arclight-studio/gateway/internal/registry"
	"github.com/arclight-studio/gateway/internal/session"
	"github.com/arclight-studio/gateway/internal/storage/postgres"
)

type recordedFrame struct {
	connID string
	text   bool
	data   []byte
}

type recordingRouter struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (r *recordingRouter) HandleFrame(_ context.Context, connID string, textFrame bool, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recordedFrame{connID: connID, text: textFrame, data: data})
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type recordingGuard struct {
	mu       sync.Mutex
	attached map[string]bool
	frames   [][]byte
}

func newRecordingGuard() *recordingGuard {
	return &recordingGuard{attached: make(map[string]bool)}
}

func (g *recordingGuard) Attach(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attached[connID] = true
}

func (g *recordingGuard) Detach(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attached, connID)
}

func (g *recordingGuard) HandleFrame(_ context.Context, _ string, frame []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frames = append(g.frames, frame)
}

func (g *recordingGuard) frameCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.frames)
}

func (g *recordingGuard) attachedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.attached)
}

type serverFixture struct {
	server   *Server
	ts       *httptest.Server
	sessions *session.Store
	router   *recordingRouter
	guard    *recordingGuard
	mmReg    *registry.Registry
	registry *matchmaker.SessionRegistry
}

func regConfig(maxConns int) config.RegistryConfig {
	return config.RegistryConfig{
		MaxConnections:    maxConns,
		HeartbeatInterval: time.Minute,
		ReapInterval:      time.Minute,
		IdleTimeout:       time.Minute,
	}
}

func newServerFixture(t *testing.T, maxConns int) *serverFixture {
	t.Helper()
	logger := zap.NewNop()

	launcherReg := registry.NewRegistry(regConfig(maxConns), logger)
	guardReg := registry.NewRegistry(regConfig(maxConns), logger)
	mmReg := registry.NewRegistry(regConfig(maxConns), logger)

	fx := &serverFixture{
		router:   &recordingRouter{},
		guard:    newRecordingGuard(),
		mmReg:    mmReg,
		registry: matchmaker.NewSessionRegistry(),
	}
	fx.sessions = session.NewStore(closerFunc(func(id string) { launcherReg.Close(id) }), logger)

	bind := func(bearer string) (session.Session, bool) {
		if bearer == "Bearer good" {
			return session.Session{
				AccountID:       "acct-1",
				Token:           bearer,
				IsAuthenticated: true,
			}, true
		}
		return session.Session{}, false
	}

	mmCfg := config.MatchmakingConfig{
		PollInterval:    10 * time.Millisecond,
		MaxRetries:      1,
		FailOpen:        true,
		ProbeTimeout:    10 * time.Millisecond,
		AssignmentDelay: time.Millisecond,
	}
	factory := func(conn matchmaker.ClientConn) *matchmaker.Machine {
		return matchmaker.NewMachine(mmCfg, nil, conn,
			nopBans{}, nopAccounts{}, nil, fx.registry,
			func(context.Context, string, time.Duration) bool { return false },
			logger)
	}

	fx.server = NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second},
		launcherReg, guardReg, mmReg,
		fx.sessions, fx.router, fx.guard, bind, factory,
		1<<20, logger)
	fx.ts = httptest.NewServer(fx.server.Handler())
	t.Cleanup(fx.ts.Close)
	return fx
}

type closerFunc func(id string)

func (f closerFunc) Close(id string) { f(id) }

type nopBans struct{}

func (nopBans) ActiveBan(context.Context, string, []string) (postgres.Ban, bool, error) {
	return postgres.Ban{}, false, nil
}

type nopAccounts struct{}

func (nopAccounts) GetByExternalID(context.Context, string) (postgres.Account, error) {
	return postgres.Account{}, postgres.ErrAccountNotFound
}

func (fx *serverFixture) dial(t *testing.T, path, bearer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + path
	var header map[string][]string
	if bearer != "" {
		header = map[string][]string{"Authorization": {bearer}}
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestServer_LauncherSessionLifecycle(t *testing.T) {
	fx := newServerFixture(t, 10)
	ws := fx.dial(t, "/launcher", "Bearer good")

	require.Eventually(t, func() bool { return fx.sessions.Count() == 1 },
		time.Second, 5*time.Millisecond)
	sess := fx.sessions.ListAll()[0]
	assert.Equal(t, "acct-1", sess.AccountID)
	assert.True(t, sess.IsAuthenticated)
	assert.Equal(t, "websocket", sess.Protocol)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","id":"r1"}`)))
	require.Eventually(t, func() bool { return fx.router.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.True(t, fx.router.frames[0].text)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return fx.sessions.Count() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServer_LauncherUnauthenticatedStillGetsSession(t *testing.T) {
	fx := newServerFixture(t, 10)
	fx.dial(t, "/launcher", "")

	require.Eventually(t, func() bool { return fx.sessions.Count() == 1 },
		time.Second, 5*time.Millisecond)
	sess := fx.sessions.ListAll()[0]
	assert.False(t, sess.IsAuthenticated)
	assert.Empty(t, sess.AccountID)
}

func TestServer_GuardAttachAndFrames(t *testing.T) {
	fx := newServerFixture(t, 10)
	ws := fx.dial(t, "/guard", "")

	require.Eventually(t, func() bool { return fx.guard.attachedCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.Eventually(t, func() bool { return fx.guard.frameCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return fx.guard.attachedCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServer_MatchmakingPushesReachPlay(t *testing.T) {
	fx := newServerFixture(t, 10)
	ws := fx.dial(t, "/matchmaking", "")

	var names []string
	deadline := time.Now().Add(2 * time.Second)
	for len(names) < 5 && time.Now().Before(deadline) {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		names = append(names, msg.Name)
	}

	require.Len(t, names, 5)
	assert.Equal(t, "Play", names[4])
	for _, n := range names[:4] {
		assert.Equal(t, "StatusUpdate", n)
	}

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return fx.registry.Count() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestServer_RejectsWhenRegistryFull(t *testing.T) {
	fx := newServerFixture(t, 1)
	first := fx.dial(t, "/launcher", "")
	_ = first

	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/launcher"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade succeeds before admission")
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = second.ReadMessage()
	require.Error(t, err, "rejected connection must be closed by the server")
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater) ||
		!websocket.IsUnexpectedCloseError(err))
}
