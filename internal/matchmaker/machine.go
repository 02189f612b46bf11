package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/config"
	"github.com/arclight-studio/gateway/internal/probe"
	"github.com/arclight-studio/gateway/internal/storage/postgres"
)

// ClientConn is the machine's view of its own matchmaking socket.
type ClientConn interface {
	Send(payload []byte) error
	Close() error
}

// BanStore answers active-ban queries. *postgres.BanRepository satisfies it.
type BanStore interface {
	ActiveBan(ctx context.Context, accountID string, types []string) (postgres.Ban, bool, error)
}

// AccountStore resolves a client-supplied matchmaking identifier to an
// account. *postgres.AccountRepository satisfies it.
type AccountStore interface {
	GetByExternalID(ctx context.Context, externalID string) (postgres.Account, error)
}

// PlaylistStore remembers each account's preferred playlist: read to steer
// server resolution, written back when a server is assigned.
// *redis.PlaylistStore satisfies it.
type PlaylistStore interface {
	LastPlaylist(ctx context.Context, accountID string) (string, error)
	SetLastPlaylist(ctx context.Context, accountID, playlist string) error
}

// Push message names on the matchmaking channel.
const (
	messageStatusUpdate = "StatusUpdate"
	messagePlay         = "Play"
)

type pushMessage struct {
	Payload any    `json:"payload"`
	Name    string `json:"name"`
}

type statusPayload struct {
	State     string `json:"state"`
	TicketID  string `json:"ticketId"`
	MatchID   string `json:"matchId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

type playPayload struct {
	MatchID       string `json:"matchId"`
	SessionID     string `json:"sessionId"`
	Playlist      string `json:"playlist"`
	ServerAddress string `json:"serverAddress"`
	ServerPort    int    `json:"serverPort"`
}

// firstMessage is the opportunistic shape of the first client frame.
type firstMessage struct {
	PlayerID string `json:"playerId"`
}

// Machine drives one matchmaking connection through the ticket states.
// One instance per connection; Run is called once.
type Machine struct {
	cfg       config.MatchmakingConfig
	servers   []config.GameServer
	conn      ClientConn
	bans      BanStore
	accounts  AccountStore
	playlists PlaylistStore
	registry  *SessionRegistry
	probe     probe.Func
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	ticket     Ticket
	banFlagged bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMachine creates a machine for one matchmaking connection.
//
// Precondition: servers must come from cfg.ParsedServers; registry is shared
// across all machines.
func NewMachine(
	cfg config.MatchmakingConfig,
	servers []config.GameServer,
	conn ClientConn,
	bans BanStore,
	accounts AccountStore,
	playlists PlaylistStore,
	registry *SessionRegistry,
	probeFn probe.Func,
	logger *zap.Logger,
) *Machine {
	m := &Machine{
		cfg:       cfg,
		servers:   servers,
		conn:      conn,
		bans:      bans,
		accounts:  accounts,
		playlists: playlists,
		registry:  registry,
		probe:     probeFn,
		logger:    logger,
		now:       time.Now,
		closed:    make(chan struct{}),
	}
	m.sleep = m.waitFor
	now := m.now()
	m.ticket = Ticket{
		TicketID:  uuid.New().String(),
		MatchID:   uuid.New().String(),
		SessionID: uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		State:     StateConnecting,
	}
	return m
}

// Ticket returns a snapshot of the machine's ticket.
func (m *Machine) Ticket() Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticket
}

// ObserveFirstMessage parses the first client frame for a matchmaking
// identifier and resolves it to an account in the background. Resolution
// never blocks state progression; an unknown identifier is ignored.
func (m *Machine) ObserveFirstMessage(ctx context.Context, data []byte) {
	var msg firstMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.PlayerID == "" {
		return
	}
	go func() {
		acct, err := m.accounts.GetByExternalID(ctx, msg.PlayerID)
		if err != nil {
			m.logger.Debug("matchmaking identity not resolved",
				zap.String("playerId", msg.PlayerID), zap.Error(err))
			return
		}
		m.mu.Lock()
		m.ticket.AccountID = acct.ID
		m.ticket.UpdatedAt = m.now()
		snapshot := m.ticket
		m.mu.Unlock()
		m.registry.Put(snapshot)
	}()
}

// Run advances the ticket until it reaches Play or a terminal failure.
// It returns when the flow completes, the connection closes, or ctx is
// cancelled.
//
// Postcondition: The session registry reflects the final state; Close
// still must be called by the transport on socket teardown.
func (m *Machine) Run(ctx context.Context) error {
	m.transition(StateConnecting)
	if err := m.announceStatus(); err != nil {
		return err
	}

	m.transition(StateWaiting)
	if err := m.announceStatus(); err != nil {
		return err
	}

	m.transition(StateQueued)
	if err := m.announceStatus(); err != nil {
		return err
	}

	if err := m.runQueuedLoop(ctx); err != nil {
		return err
	}
	if m.isClosed() || ctx.Err() != nil {
		return ctx.Err()
	}

	m.transition(StateSessionAssignment)
	if err := m.announceStatus(); err != nil {
		return err
	}

	if err := m.sleep(ctx, m.cfg.AssignmentDelay); err != nil {
		return err
	}

	m.transition(StatePlay)
	return m.announcePlay()
}

// runQueuedLoop polls until a target server is reachable, fail-open
// applies, or the connection closes. A nil return with the machine still
// open means the player proceeds to session assignment.
func (m *Machine) runQueuedLoop(ctx context.Context) error {
	retries := 0
	for {
		if m.isClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		if banned, err := m.checkBan(ctx); err != nil {
			return err
		} else if banned {
			return fmt.Errorf("account %s banned from matchmaking", m.Ticket().AccountID)
		}

		server, ok := m.resolveServer(ctx)
		if !ok {
			// Nothing configured, nothing to wait for.
			return nil
		}

		timeout := m.cfg.ProbeTimeout
		if m.cfg.PollInterval < timeout {
			timeout = m.cfg.PollInterval
		}
		if m.probe(ctx, server.Addr(), timeout) {
			m.setServer(ctx, server)
			return nil
		}

		retries++
		if retries >= m.cfg.MaxRetries && m.cfg.FailOpen {
			m.logger.Warn("matchmaking target unreachable, proceeding fail-open",
				zap.String("server", server.Addr()),
				zap.Int("retries", retries))
			m.setServer(ctx, server)
			return nil
		}

		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// checkBan queries the ban store once an account is known. A hit notifies
// the client and force-closes the connection.
func (m *Machine) checkBan(ctx context.Context) (bool, error) {
	m.mu.Lock()
	accountID := m.ticket.AccountID
	flagged := m.banFlagged
	m.mu.Unlock()
	if accountID == "" || flagged {
		return false, nil
	}

	ban, found, err := m.bans.ActiveBan(ctx, accountID,
		[]string{postgres.BanTypeMatchmaking, postgres.BanTypePermanent})
	if err != nil {
		// The ban store being down must not strand the player.
		m.logger.Warn("ban check failed, allowing through", zap.Error(err))
		return false, nil
	}
	if !found {
		return false, nil
	}

	m.mu.Lock()
	m.banFlagged = true
	m.mu.Unlock()

	m.transition(StateError)
	payload := statusPayload{
		State:    string(StateError),
		TicketID: m.Ticket().TicketID,
		Reason:   ban.Reason,
	}
	if ban.ExpiresAt != nil {
		payload.ExpiresAt = ban.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if err := m.push(messageStatusUpdate, payload); err != nil {
		m.logger.Debug("ban notification failed", zap.Error(err))
	}
	m.Close()
	_ = m.conn.Close()
	return true, nil
}

// resolveServer picks the target game server: the account's remembered
// playlist when one matches, otherwise the first configured server.
func (m *Machine) resolveServer(ctx context.Context) (config.GameServer, bool) {
	if len(m.servers) == 0 {
		return config.GameServer{}, false
	}

	m.mu.Lock()
	accountID := m.ticket.AccountID
	m.mu.Unlock()

	if accountID != "" && m.playlists != nil {
		playlist, err := m.playlists.LastPlaylist(ctx, accountID)
		if err != nil {
			m.logger.Debug("playlist lookup failed", zap.Error(err))
		} else if playlist != "" {
			for _, s := range m.servers {
				if s.Playlist == playlist {
					return s, true
				}
			}
		}
	}
	return m.servers[0], true
}

// setServer records the assigned server on the ticket and remembers the
// playlist for the account's next visit.
func (m *Machine) setServer(ctx context.Context, server config.GameServer) {
	m.mu.Lock()
	m.ticket.Playlist = server.Playlist
	m.ticket.ServerAddress = server.Address
	m.ticket.ServerPort = server.Port
	m.ticket.UpdatedAt = m.now()
	snapshot := m.ticket
	m.mu.Unlock()
	m.registry.Put(snapshot)

	if snapshot.AccountID != "" && m.playlists != nil {
		if err := m.playlists.SetLastPlaylist(ctx, snapshot.AccountID, server.Playlist); err != nil {
			m.logger.Debug("playlist write-back failed", zap.Error(err))
		}
	}
}

// transition moves the ticket to the new state and updates the registry.
func (m *Machine) transition(state State) {
	m.mu.Lock()
	m.ticket.State = state
	m.ticket.UpdatedAt = m.now()
	snapshot := m.ticket
	m.mu.Unlock()
	m.registry.Put(snapshot)
	m.logger.Debug("ticket transition",
		zap.String("ticketId", snapshot.TicketID),
		zap.String("state", string(state)))
}

func (m *Machine) announceStatus() error {
	t := m.Ticket()
	payload := statusPayload{
		State:    string(t.State),
		TicketID: t.TicketID,
	}
	if t.State == StateSessionAssignment {
		payload.MatchID = t.MatchID
	}
	return m.push(messageStatusUpdate, payload)
}

func (m *Machine) announcePlay() error {
	t := m.Ticket()
	return m.push(messagePlay, playPayload{
		MatchID:       t.MatchID,
		SessionID:     t.SessionID,
		Playlist:      t.Playlist,
		ServerAddress: t.ServerAddress,
		ServerPort:    t.ServerPort,
	})
}

func (m *Machine) push(name string, payload any) error {
	data, err := json.Marshal(pushMessage{Payload: payload, Name: name})
	if err != nil {
		return fmt.Errorf("encoding %s push: %w", name, err)
	}
	if err := m.conn.Send(data); err != nil {
		return fmt.Errorf("sending %s push: %w", name, err)
	}
	return nil
}

// Close marks the machine closed and prunes the session registry. Safe to
// call more than once; the transport calls it on socket teardown.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.registry.Remove(m.Ticket().SessionID)
	})
}

func (m *Machine) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// waitFor sleeps for d, waking early on close or cancellation.
func (m *Machine) waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-m.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
