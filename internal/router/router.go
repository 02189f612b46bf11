// Package router dispatches application-channel requests to typed handlers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/config"
	"github.com/arclight-studio/gateway/internal/leaderboard"
	"github.com/arclight-studio/gateway/internal/session"
	"github.com/arclight-studio/gateway/internal/storage/postgres"
	"github.com/arclight-studio/gateway/internal/token"
)

var errAuthFailed = errors.New("authentication failed")

// Sender delivers a reply to a connection. *registry.Registry satisfies it.
type Sender interface {
	Send(id string, data []byte) bool
}

// AccountStore confirms an account still exists.
// *postgres.AccountRepository satisfies it.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (postgres.Account, error)
}

// LeaderboardSource serves the ranked player list.
type LeaderboardSource interface {
	Top(ctx context.Context) ([]leaderboard.Entry, error)
}

// request is the inbound application-channel envelope.
type request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id"`
}

// response is the outbound envelope for successful replies.
type response struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
	ID        string `json:"id,omitempty"`
}

// errorResponse is the outbound envelope for failures.
type errorResponse struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id,omitempty"`
}

type handlerFunc func(ctx context.Context, sess session.Session, payload json.RawMessage) (any, error)

// Router parses inbound application messages, authenticates the caller
// against the session store, and replies through the connection registry.
type Router struct {
	cfg        config.RouterConfig
	sessions   *session.Store
	sender     Sender
	tokens     *token.Verifier
	accounts   AccountStore
	storefront StorefrontSource
	board      LeaderboardSource
	servers    *ServerList
	logger     *zap.Logger
	now        func() time.Time

	handlers map[string]handlerFunc
}

// New creates a Router with the full dispatch table wired.
func New(
	cfg config.RouterConfig,
	sessions *session.Store,
	sender Sender,
	tokens *token.Verifier,
	accounts AccountStore,
	storefront StorefrontSource,
	board LeaderboardSource,
	servers *ServerList,
	logger *zap.Logger,
) *Router {
	r := &Router{
		cfg:        cfg,
		sessions:   sessions,
		sender:     sender,
		tokens:     tokens,
		accounts:   accounts,
		storefront: storefront,
		board:      board,
		servers:    servers,
		logger:     logger,
		now:        time.Now,
	}
	r.handlers = map[string]handlerFunc{
		"ping":                r.handlePing,
		"request_user":        r.handleRequestUser,
		"request_storefront":  r.handleRequestStorefront,
		"request_leaderboard": r.handleRequestLeaderboard,
		"request_servers":     r.handleRequestServers,
		"subscribe_servers":   r.subscribeHandler(true),
		"unsubscribe_servers": r.subscribeHandler(false),
	}
	return r
}

// HandleFrame processes one inbound frame from the given connection.
// Unlike the encrypted side channel, malformed input here is answered with
// a typed error response: non-text frames, frames over the size ceiling,
// invalid JSON, and envelopes without a type all get an error reply (with
// an empty correlation id when none could be parsed), and the connection
// stays up.
//
// Postcondition: At most one reply is sent for the frame.
func (r *Router) HandleFrame(ctx context.Context, connID string, textFrame bool, data []byte) {
	if !textFrame {
		r.logger.Debug("rejecting non-text frame", zap.String("connId", connID))
		r.sendError(connID, "only text frames are supported", "")
		return
	}
	if int64(len(data)) > r.cfg.MaxFrameBytes {
		r.logger.Warn("rejecting oversized frame",
			zap.String("connId", connID), zap.Int("bytes", len(data)))
		r.sendError(connID, "frame exceeds size limit", "")
		return
	}

	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		r.logger.Debug("rejecting malformed frame", zap.String("connId", connID))
		r.sendError(connID, "invalid message encoding", "")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		r.sendError(connID, "message type is required", req.ID)
		return
	}

	sess, ok := r.sessions.Get(connID)
	if !ok {
		r.sendError(connID, "no session for connection", req.ID)
		return
	}

	msgType := strings.ToLower(req.Type)
	handler, ok := r.handlers[msgType]
	if !ok {
		r.sendError(connID, "unknown message type "+msgType, req.ID)
		return
	}

	r.dispatch(ctx, connID, msgType, req, sess, handler)
}

// dispatch races the handler against the configured deadline. The handler
// keeps running past the deadline; only the reply is abandoned.
func (r *Router) dispatch(ctx context.Context, connID, msgType string, req request, sess session.Session, handler handlerFunc) {
	type outcome struct {
		payload any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := handler(ctx, sess, req.Payload)
		done <- outcome{payload: payload, err: err}
	}()

	timer := time.NewTimer(r.cfg.HandlerTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			r.logger.Debug("handler failed",
				zap.String("type", msgType), zap.Error(out.err))
			r.sendError(connID, out.err.Error(), req.ID)
			return
		}
		r.send(connID, response{
			Type:      msgType,
			Timestamp: r.now().UnixMilli(),
			Payload:   out.payload,
			ID:        req.ID,
		})
	case <-timer.C:
		r.logger.Warn("handler deadline exceeded",
			zap.String("type", msgType), zap.String("connId", connID))
		r.sendError(connID, "request timed out", req.ID)
	case <-ctx.Done():
	}
}

func (r *Router) send(connID string, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("encoding response", zap.Error(err))
		return
	}
	r.sender.Send(connID, data)
}

func (r *Router) sendError(connID, message, id string) {
	data, err := json.Marshal(errorResponse{
		Type:      "error",
		Message:   message,
		Timestamp: r.now().UnixMilli(),
		ID:        id,
	})
	if err != nil {
		return
	}
	r.sender.Send(connID, data)
}

// identify re-verifies the session's stored token and confirms the account
// still exists. A vanished account is an authentication failure.
func (r *Router) identify(ctx context.Context, sess session.Session) (postgres.Account, error) {
	if sess.Token == "" {
		return postgres.Account{}, errAuthFailed
	}
	claims, err := r.tokens.Verify(sess.Token)
	if err != nil {
		return postgres.Account{}, errAuthFailed
	}
	acct, err := r.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, postgres.ErrAccountNotFound) {
			return postgres.Account{}, errAuthFailed
		}
		return postgres.Account{}, err
	}
	return acct, nil
}

func (r *Router) handlePing(_ context.Context, _ session.Session, _ json.RawMessage) (any, error) {
	return map[string]bool{"pong": true}, nil
}

func (r *Router) handleRequestUser(ctx context.Context, sess session.Session, _ json.RawMessage) (any, error) {
	acct, err := r.identify(ctx, sess)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"accountId":   acct.ID,
		"displayName": acct.DisplayName,
		"externalId":  acct.ExternalID,
	}, nil
}

func (r *Router) handleRequestStorefront(_ context.Context, _ session.Session, _ json.RawMessage) (any, error) {
	return r.storefront.Current(), nil
}

func (r *Router) handleRequestLeaderboard(ctx context.Context, _ session.Session, _ json.RawMessage) (any, error) {
	entries, err := r.board.Top(ctx)
	if err != nil {
		return nil, errors.New("leaderboard unavailable")
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	return map[string]any{"entries": entries}, nil
}

func (r *Router) handleRequestServers(ctx context.Context, _ session.Session, _ json.RawMessage) (any, error) {
	return map[string]any{"data": r.servers.List(ctx)}, nil
}

// subscribeHandler toggles the caller's server-broadcast flag through the
// session store so the subscription survives into later broadcasts.
func (r *Router) subscribeHandler(subscribe bool) handlerFunc {
	return func(_ context.Context, sess session.Session, _ json.RawMessage) (any, error) {
		_, err := r.sessions.Update(session.Patch{
			ConnectionID:        sess.ConnectionID,
			SubscribedToServers: session.Ptr(subscribe),
		}, false)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"subscribed": subscribe}, nil
	}
}
