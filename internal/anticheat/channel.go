package anticheat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/token"
)

// Sender delivers a frame to a tracked connection. The connection registry
// satisfies this.
type Sender interface {
	Send(id string, data []byte) bool
}

// TokenAuthority verifies a bearer credential. The token package satisfies
// this.
type TokenAuthority interface {
	Verify(bearer string) (token.Claims, error)
}

// ViolationReport is a self-reported detection forwarded to the sink.
type ViolationReport struct {
	ConnectionID string
	AccountID    string
	Violation    string
	Details      map[string]any
	ReportedAt   time.Time
}

// ViolationSink accepts violation reports for scoring and logging.
type ViolationSink interface {
	Report(ctx context.Context, report ViolationReport)
}

// guardMessage is the decrypted payload of one inbound frame.
type guardMessage struct {
	Status    string         `json:"status"`
	Token     string         `json:"token"`
	Violation string         `json:"violation"`
	Details   map[string]any `json:"details"`
}

// connState tracks one connection through the handshake. The codec is nil
// until a valid seed frame arrives. Frames for one connection are handled
// serially by its read loop, so codec may be read without the channel lock
// once fetched inside HandleFrame.
type connState struct {
	codec     *Codec
	accountID string
}

// Channel runs the encrypted side channel over tracked connections. Frames
// that fail any check are dropped silently: the peer never learns why.
type Channel struct {
	psk    []byte
	tokens TokenAuthority
	sink   ViolationSink
	sender Sender
	logger *zap.Logger

	mu     sync.RWMutex
	states map[string]*connState
}

// NewChannel creates the side-channel handler.
//
// Precondition: psk must be a valid AES key; all collaborators non-nil.
func NewChannel(psk []byte, tokens TokenAuthority, sink ViolationSink, sender Sender, logger *zap.Logger) *Channel {
	return &Channel{
		psk:    psk,
		tokens: tokens,
		sink:   sink,
		sender: sender,
		logger: logger,
		states: make(map[string]*connState),
	}
}

// Attach begins tracking a connection in the expect-seed state.
func (c *Channel) Attach(connID string) {
	c.mu.Lock()
	c.states[connID] = &connState{}
	c.mu.Unlock()
}

// Detach stops tracking a connection. Detaching twice is a no-op.
func (c *Channel) Detach(connID string) {
	c.mu.Lock()
	delete(c.states, connID)
	c.mu.Unlock()
}

// Handshaken reports whether the connection has completed the seed exchange.
func (c *Channel) Handshaken(connID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[connID]
	return ok && state.codec != nil
}

// AccountID returns the account bound to the connection by a successful
// auth exchange, if any.
func (c *Channel) AccountID(connID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[connID]
	if !ok || state.accountID == "" {
		return "", false
	}
	return state.accountID, true
}

// HandleFrame processes one inbound binary frame for the connection.
//
// Before the handshake, only a frame of exactly SeedLength bytes has any
// effect: it derives the signing key and readies the codec. After the
// handshake, the frame is authenticated, decrypted, and dispatched on its
// status field. Every failure path is a silent drop.
func (c *Channel) HandleFrame(ctx context.Context, connID string, frame []byte) {
	c.mu.RLock()
	state, ok := c.states[connID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	if state.codec == nil {
		c.handleSeed(connID, state, frame)
		return
	}

	plaintext, ok := state.codec.Open(frame)
	if !ok {
		return
	}

	var msg guardMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return
	}

	switch msg.Status {
	case "auth":
		c.handleAuth(connID, state, msg.Token)
	case "challenge":
		c.reply(connID, state, map[string]any{"success": true})
	case "pong":
		// Liveness acknowledgement only.
	case "detected":
		c.handleDetected(ctx, connID, state, msg)
	default:
		// Unknown status: ignore.
	}
}

func (c *Channel) handleSeed(connID string, state *connState, frame []byte) {
	if len(frame) != SeedLength {
		return
	}
	signingKey, err := DeriveSigningKey(frame)
	if err != nil {
		return
	}
	codec, err := NewCodec(c.psk, signingKey)
	if err != nil {
		c.logger.Error("creating frame codec", zap.Error(err))
		return
	}

	c.mu.Lock()
	state.codec = codec
	c.mu.Unlock()

	c.logger.Debug("side channel handshake complete",
		zap.String("connection_id", connID),
	)
}

func (c *Channel) handleAuth(connID string, state *connState, bearer string) {
	claims, err := c.tokens.Verify(bearer)
	if err != nil {
		c.logger.Debug("side channel auth rejected",
			zap.String("connection_id", connID),
			zap.Error(err),
		)
		c.reply(connID, state, map[string]any{"success": false})
		return
	}

	c.mu.Lock()
	state.accountID = claims.Subject
	c.mu.Unlock()

	c.reply(connID, state, map[string]any{"success": true})
}

func (c *Channel) handleDetected(ctx context.Context, connID string, state *connState, msg guardMessage) {
	c.mu.RLock()
	accountID := state.accountID
	c.mu.RUnlock()

	c.sink.Report(ctx, ViolationReport{
		ConnectionID: connID,
		AccountID:    accountID,
		Violation:    msg.Violation,
		Details:      msg.Details,
		ReportedAt:   time.Now(),
	})
}

// PingAll pushes an encrypted ping to every handshaken connection.
//
// Postcondition: Returns the number of pings delivered.
func (c *Channel) PingAll() int {
	c.mu.RLock()
	ready := make(map[string]*connState, len(c.states))
	for id, state := range c.states {
		if state.codec != nil {
			ready[id] = state
		}
	}
	c.mu.RUnlock()

	sent := 0
	for id, state := range ready {
		if c.reply(id, state, map[string]any{"ping": true}) {
			sent++
		}
	}
	return sent
}

// reply seals and sends a JSON payload on the connection. A connection
// without a completed handshake cannot be replied to.
func (c *Channel) reply(connID string, state *connState, payload map[string]any) bool {
	if state.codec == nil {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshalling side channel reply", zap.Error(err))
		return false
	}
	frame, err := state.codec.Seal(data)
	if err != nil {
		c.logger.Error("sealing side channel reply", zap.Error(err))
		return false
	}
	return c.sender.Send(connID, frame)
}
