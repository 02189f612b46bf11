package moderation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/catalog"
	"github.com/arclight-studio/gateway/internal/session"
	"github.com/arclight-studio/gateway/internal/storage/postgres"
)

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte)}
}

func (r *recordingSender) Send(id string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[id] = append(r.frames[id], data)
	return true
}

func (r *recordingSender) sentTo(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames[id])
}

type recordingCloser struct {
	mu     sync.Mutex
	closed []string
}

func (r *recordingCloser) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
}

type sweepBans struct {
	banned map[string]postgres.Ban
	purged int64
}

func (b *sweepBans) ActiveBan(_ context.Context, accountID string, _ []string) (postgres.Ban, bool, error) {
	ban, ok := b.banned[accountID]
	return ban, ok, nil
}

func (b *sweepBans) DeleteExpired(context.Context) (int64, error) {
	return b.purged, nil
}

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func newModerationFixture(t *testing.T, bans *sweepBans) (*Service, *session.Store, *recordingSender, *recordingCloser) {
	t.Helper()
	closer := &recordingCloser{}
	sessions := session.NewStore(closer, zap.NewNop())
	sender := newRecordingSender()
	svc := NewService(sessions, sender, bans,
		fixedCount(3), fixedCount(2), fixedCount(1), fixedCount(4), zap.NewNop())
	return svc, sessions, sender, closer
}

func TestService_ForceDisconnect(t *testing.T) {
	svc, sessions, _, closer := newModerationFixture(t, &sweepBans{})
	require.NoError(t, sessions.Add(session.Session{ConnectionID: "c1", AccountID: "acct-1"}))

	assert.True(t, svc.ForceDisconnect("acct-1"))
	assert.Equal(t, []string{"c1"}, closer.closed)
	assert.Zero(t, sessions.Count())

	assert.False(t, svc.ForceDisconnect("acct-1"), "second disconnect finds nothing")
}

func TestService_Counts(t *testing.T) {
	svc, sessions, _, _ := newModerationFixture(t, &sweepBans{})
	require.NoError(t, sessions.Add(session.Session{ConnectionID: "c1"}))

	counts := svc.Counts()
	assert.Equal(t, 3, counts.LauncherConnections)
	assert.Equal(t, 2, counts.GuardConnections)
	assert.Equal(t, 1, counts.MatchmakingConnections)
	assert.Equal(t, 1, counts.Sessions)
	assert.Equal(t, 4, counts.Tickets)
}

func TestService_SweepBansDisconnectsBanned(t *testing.T) {
	expiry := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	bans := &sweepBans{
		banned: map[string]postgres.Ban{
			"acct-bad": {Reason: "cheating", ExpiresAt: &expiry},
		},
		purged: 2,
	}
	svc, sessions, sender, _ := newModerationFixture(t, bans)
	require.NoError(t, sessions.Add(session.Session{ConnectionID: "c1", AccountID: "acct-bad"}))
	require.NoError(t, sessions.Add(session.Session{ConnectionID: "c2", AccountID: "acct-good"}))
	require.NoError(t, sessions.Add(session.Session{ConnectionID: "c3"}))

	disconnected := svc.SweepBans(context.Background())

	assert.Equal(t, 1, disconnected)
	assert.Equal(t, 2, sessions.Count())
	require.Equal(t, 1, sender.sentTo("c1"))
	assert.Zero(t, sender.sentTo("c2"))

	var notice banNotice
	require.NoError(t, json.Unmarshal(sender.frames["c1"][0], &notice))
	assert.Equal(t, "banned", notice.Type)
	assert.Equal(t, "cheating", notice.Reason)
	assert.Equal(t, "2026-09-15T00:00:00Z", notice.ExpiresAt)
}

type fakeRotator struct {
	sf      catalog.Storefront
	changed bool
}

func (f *fakeRotator) Refresh() (catalog.Storefront, bool) { return f.sf, f.changed }

func TestShopRefresher_PushesOnlyToSubscribed(t *testing.T) {
	closer := &recordingCloser{}
	sessions := session.NewStore(closer, zap.NewNop())
	sender := newRecordingSender()
	rotator := &fakeRotator{sf: catalog.Storefront{Date: "2026-08-31"}, changed: true}
	refresher := NewShopRefresher(rotator, sessions, sender, zap.NewNop())

	require.NoError(t, sessions.Add(session.Session{
		ConnectionID: "c1", AccountID: "a1", IsAuthenticated: true, SubscribedToServers: true,
	}))
	require.NoError(t, sessions.Add(session.Session{
		ConnectionID: "c2", AccountID: "a2", IsAuthenticated: true,
	}))
	require.NoError(t, sessions.Add(session.Session{
		ConnectionID: "c3", SubscribedToServers: true,
	}))

	assert.Equal(t, 1, refresher.Tick())
	assert.Equal(t, 1, sender.sentTo("c1"))
	assert.Zero(t, sender.sentTo("c2"))
	assert.Zero(t, sender.sentTo("c3"))

	rotator.changed = false
	assert.Zero(t, refresher.Tick(), "no push when rotation unchanged")
	assert.Equal(t, 1, sender.sentTo("c1"))
}
