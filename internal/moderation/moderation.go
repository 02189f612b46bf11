// Package moderation provides operator-facing controls: forced
// disconnects, live counts, and the periodic ban sweep.
package moderation

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/session"
	"github.com/arclight-studio/gateway/internal/storage/postgres"
)

// Sender delivers a frame to a tracked connection.
type Sender interface {
	Send(id string, data []byte) bool
}

// Counter reports a live population size. The connection registries and
// the matchmaking session registry satisfy it.
type Counter interface {
	Count() int
}

// BanStore answers active-ban queries and prunes expired rows.
type BanStore interface {
	ActiveBan(ctx context.Context, accountID string, types []string) (postgres.Ban, bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// Counts is a point-in-time snapshot of live populations.
type Counts struct {
	LauncherConnections    int `json:"launcherConnections"`
	GuardConnections       int `json:"guardConnections"`
	MatchmakingConnections int `json:"matchmakingConnections"`
	Sessions               int `json:"sessions"`
	Tickets                int `json:"tickets"`
}

// Service implements moderation operations over the live state.
type Service struct {
	sessions *session.Store
	sender   Sender
	bans     BanStore
	logger   *zap.Logger

	launcher Counter
	guard    Counter
	mm       Counter
	tickets  Counter
}

// NewService creates the moderation service.
func NewService(
	sessions *session.Store,
	sender Sender,
	bans BanStore,
	launcher, guard, mm, tickets Counter,
	logger *zap.Logger,
) *Service {
	return &Service{
		sessions: sessions,
		sender:   sender,
		bans:     bans,
		logger:   logger,
		launcher: launcher,
		guard:    guard,
		mm:       mm,
		tickets:  tickets,
	}
}

// ForceDisconnect closes the account's live session, if any.
//
// Postcondition: Returns whether a session was found and removed.
func (s *Service) ForceDisconnect(accountID string) bool {
	removed := s.sessions.RemoveByAccountID(accountID)
	if removed {
		s.logger.Info("session force-disconnected", zap.String("account_id", accountID))
	}
	return removed
}

// Counts returns the live population snapshot.
func (s *Service) Counts() Counts {
	return Counts{
		LauncherConnections:    s.launcher.Count(),
		GuardConnections:       s.guard.Count(),
		MatchmakingConnections: s.mm.Count(),
		Sessions:               s.sessions.Count(),
		Tickets:                s.tickets.Count(),
	}
}

// banNotice is pushed to a session before its ban disconnect.
type banNotice struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SweepBans walks the live sessions and disconnects any whose account has
// gained an active ban since login, then prunes expired ban rows. Run on a
// period from the lifecycle.
//
// Postcondition: Returns the number of sessions disconnected.
func (s *Service) SweepBans(ctx context.Context) int {
	disconnected := 0
	for _, sess := range s.sessions.ListAll() {
		if sess.AccountID == "" {
			continue
		}
		ban, found, err := s.bans.ActiveBan(ctx, sess.AccountID,
			[]string{postgres.BanTypeMatchmaking, postgres.BanTypePermanent})
		if err != nil {
			s.logger.Warn("ban sweep query failed",
				zap.String("account_id", sess.AccountID), zap.Error(err))
			continue
		}
		if !found {
			continue
		}

		notice := banNotice{
			Type:      "banned",
			Message:   "account banned",
			Reason:    ban.Reason,
			Timestamp: time.Now().UnixMilli(),
		}
		if ban.ExpiresAt != nil {
			notice.ExpiresAt = ban.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if data, err := json.Marshal(notice); err == nil {
			s.sender.Send(sess.ConnectionID, data)
		}

		if s.ForceDisconnect(sess.AccountID) {
			disconnected++
		}
	}

	if deleted, err := s.bans.DeleteExpired(ctx); err != nil {
		s.logger.Warn("expired ban cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		s.logger.Info("expired bans deleted", zap.Int64("count", deleted))
	}
	return disconnected
}
