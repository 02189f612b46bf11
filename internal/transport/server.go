package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/config"
	"github.com/arclight-studio/gateway/internal/matchmaker"
	"github.com/arclight-studio/gateway/internal/registry"
	"github.com/arclight-studio/gateway/internal/session"
)

// FrameHandler processes inbound application-channel frames.
// The router satisfies this.
type FrameHandler interface {
	HandleFrame(ctx context.Context, connID string, textFrame bool, data []byte)
}

// GuardHandler processes the encrypted side channel. The anti-cheat
// channel satisfies this.
type GuardHandler interface {
	Attach(connID string)
	Detach(connID string)
	HandleFrame(ctx context.Context, connID string, frame []byte)
}

// SessionBinder verifies an upgrade-time credential into session fields.
// Wired from the token verifier in main; a failed bind still yields an
// unauthenticated session.
type SessionBinder func(bearer string) (session.Session, bool)

// MachineFactory spawns one matchmaking state machine per connection.
type MachineFactory func(conn matchmaker.ClientConn) *matchmaker.Machine

// Server owns the HTTP listener and the three WebSocket endpoints.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	launcherReg *registry.Registry
	guardReg    *registry.Registry
	mmReg       *registry.Registry

	sessions   *session.Store
	router     FrameHandler
	guard      GuardHandler
	bind       SessionBinder
	newMachine MachineFactory

	maxFrameBytes int64
	httpServer    *http.Server
	upgrader      websocket.Upgrader
}

// NewServer wires the three channel endpoints onto one HTTP server.
//
// Precondition: All collaborators non-nil; registries must be distinct
// instances, one per channel.
func NewServer(
	cfg config.ServerConfig,
	launcherReg, guardReg, mmReg *registry.Registry,
	sessions *session.Store,
	router FrameHandler,
	guard GuardHandler,
	bind SessionBinder,
	newMachine MachineFactory,
	maxFrameBytes int64,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		launcherReg:   launcherReg,
		guardReg:      guardReg,
		mmReg:         mmReg,
		sessions:      sessions,
		router:        router,
		guard:         guard,
		bind:          bind,
		newMachine:    newMachine,
		maxFrameBytes: maxFrameBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The launcher is a native client, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/launcher", s.handleLauncher)
	mux.HandleFunc("/guard", s.handleGuard)
	mux.HandleFunc("/matchmaking", s.handleMatchmaking)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler exposes the endpoint mux, used by tests to serve over httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP until Stop is called. Implements server.Service.
func (s *Server) Start() error {
	s.logger.Info("websocket server listening", zap.String("addr", s.cfg.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully, then closes all tracked
// connections.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.launcherReg.CloseAll()
	s.guardReg.CloseAll()
	s.mmReg.CloseAll()
}

// admit upgrades the request and registers the socket with the channel's
// registry. A full registry closes the socket immediately.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, reg *registry.Registry, messageType int) (*registry.Conn, *WSTransport, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil, nil, false
	}

	transport := NewWSTransport(ws, messageType)
	conn, err := reg.Register(transport)
	if err != nil {
		s.logger.Warn("connection rejected",
			zap.String("remote", transport.RemoteAddr()), zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server full"),
			time.Now().Add(time.Second))
		_ = transport.Close()
		return nil, nil, false
	}
	// The protocol size ceiling is enforced by the router, which answers an
	// oversized frame with an error response. The read limit sits above it
	// as a transport backstop so such a frame still reaches the router
	// instead of tearing the connection down.
	ws.SetReadLimit(2 * s.maxFrameBytes)
	return conn, transport, true
}

// handleLauncher serves the application channel. The session entry is
// created at upgrade time; a valid bearer credential authenticates it,
// evicting any older session for the same account.
func (s *Server) handleLauncher(w http.ResponseWriter, r *http.Request) {
	conn, transport, ok := s.admit(w, r, s.launcherReg, websocket.TextMessage)
	if !ok {
		return
	}
	defer func() {
		s.sessions.RemoveByConnectionID(conn.ID)
		s.launcherReg.Close(conn.ID)
	}()

	sess, _ := s.bind(bearerFrom(r))
	sess.ConnectionID = conn.ID
	sess.Protocol = "websocket"
	sess.ConnectedAt = conn.ConnectedAt
	if err := s.sessions.Add(sess); err != nil {
		s.logger.Error("adding session", zap.Error(err))
		return
	}

	s.logger.Info("launcher connected",
		zap.String("connection_id", conn.ID),
		zap.String("remote", conn.RemoteAddr()),
		zap.Bool("authenticated", sess.IsAuthenticated))

	// Messages for one connection are handled strictly in order.
	s.readLoop(r.Context(), conn, transport, func(ctx context.Context, msgType int, data []byte) {
		s.router.HandleFrame(ctx, conn.ID, msgType == websocket.TextMessage, data)
	})
}

// handleGuard serves the encrypted anti-cheat side channel.
func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	conn, transport, ok := s.admit(w, r, s.guardReg, websocket.BinaryMessage)
	if !ok {
		return
	}
	s.guard.Attach(conn.ID)
	defer func() {
		s.guard.Detach(conn.ID)
		s.guardReg.Close(conn.ID)
	}()

	s.logger.Info("guard connected",
		zap.String("connection_id", conn.ID),
		zap.String("remote", conn.RemoteAddr()))

	s.readLoop(r.Context(), conn, transport, func(ctx context.Context, msgType int, data []byte) {
		if msgType != websocket.BinaryMessage {
			return
		}
		s.guard.HandleFrame(ctx, conn.ID, data)
	})
}

// handleMatchmaking serves the matchmaking channel. The state machine runs
// concurrently with the read loop; only the first inbound message carries
// information.
func (s *Server) handleMatchmaking(w http.ResponseWriter, r *http.Request) {
	conn, transport, ok := s.admit(w, r, s.mmReg, websocket.TextMessage)
	if !ok {
		return
	}

	machine := s.newMachine(&registryConn{reg: s.mmReg, id: conn.ID})
	defer func() {
		machine.Close()
		s.mmReg.Close(conn.ID)
	}()

	s.logger.Info("matchmaking connected",
		zap.String("connection_id", conn.ID),
		zap.String("ticket_id", machine.Ticket().TicketID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		if err := machine.Run(ctx); err != nil {
			s.logger.Debug("matchmaking flow ended", zap.Error(err))
		}
	}()

	first := true
	s.readLoop(ctx, conn, transport, func(ctx context.Context, msgType int, data []byte) {
		if first && msgType == websocket.TextMessage {
			machine.ObserveFirstMessage(ctx, data)
		}
		first = false
	})
}

// readLoop pumps inbound frames until the peer disconnects. Each frame
// touches the connection's activity clock before being handled.
func (s *Server) readLoop(ctx context.Context, conn *registry.Conn, transport *WSTransport, handle func(ctx context.Context, msgType int, data []byte)) {
	for {
		msgType, data, err := transport.conn.ReadMessage()
		if err != nil {
			transport.MarkClosed()
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read ended",
					zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		conn.Touch()
		handle(ctx, msgType, data)
	}
}

// registryConn lets a matchmaking machine talk to its own socket through
// the registry.
type registryConn struct {
	reg *registry.Registry
	id  string
}

var errSendDropped = errors.New("send dropped")

func (c *registryConn) Send(payload []byte) error {
	if !c.reg.Send(c.id, payload) {
		return errSendDropped
	}
	return nil
}

func (c *registryConn) Close() error {
	c.reg.Close(c.id)
	return nil
}

// bearerFrom extracts the upgrade-time credential: the Authorization
// header, or a token query parameter for clients that cannot set headers.
func bearerFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}
