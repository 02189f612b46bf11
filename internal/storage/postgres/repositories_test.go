package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-studio/gateway/internal/storage/postgres"
	"github.com/arclight-studio/gateway/internal/testutil"
)

func TestRepositories(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	ctx := context.Background()

	accounts := postgres.NewAccountRepository(pc.RawPool)
	bans := postgres.NewBanRepository(pc.RawPool)
	stats := postgres.NewStatsRepository(pc.RawPool)

	t.Run("account create and lookup", func(t *testing.T) {
		acct, err := accounts.Create(ctx, "ext-1", "PlayerOne", "hunter2")
		require.NoError(t, err)
		assert.NotEmpty(t, acct.ID)
		assert.True(t, postgres.CheckSecret("hunter2", acct.SecretHash))

		byID, err := accounts.GetByID(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, "PlayerOne", byID.DisplayName)

		byExt, err := accounts.GetByExternalID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, acct.ID, byExt.ID)
	})

	t.Run("account not found", func(t *testing.T) {
		_, err := accounts.GetByExternalID(ctx, "nobody")
		assert.ErrorIs(t, err, postgres.ErrAccountNotFound)
	})

	t.Run("duplicate external id", func(t *testing.T) {
		_, err := accounts.Create(ctx, "ext-1", "Imposter", "x")
		assert.ErrorIs(t, err, postgres.ErrAccountExists)
	})

	t.Run("active ban lookup", func(t *testing.T) {
		acct, err := accounts.Create(ctx, "ext-banned", "Banned", "x")
		require.NoError(t, err)

		_, found, err := bans.ActiveBan(ctx, acct.ID, []string{postgres.BanTypeMatchmaking, postgres.BanTypePermanent})
		require.NoError(t, err)
		assert.False(t, found)

		expiry := time.Now().Add(time.Hour)
		_, err = bans.Create(ctx, acct.ID, postgres.BanTypeMatchmaking, "griefing", &expiry)
		require.NoError(t, err)

		ban, found, err := bans.ActiveBan(ctx, acct.ID, []string{postgres.BanTypeMatchmaking, postgres.BanTypePermanent})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "griefing", ban.Reason)
		require.NotNil(t, ban.ExpiresAt)
	})

	t.Run("expired ban is not active", func(t *testing.T) {
		acct, err := accounts.Create(ctx, "ext-expired", "Reformed", "x")
		require.NoError(t, err)

		past := time.Now().Add(-time.Hour)
		_, err = bans.Create(ctx, acct.ID, postgres.BanTypeMatchmaking, "old news", &past)
		require.NoError(t, err)

		_, found, err := bans.ActiveBan(ctx, acct.ID, []string{postgres.BanTypeMatchmaking})
		require.NoError(t, err)
		assert.False(t, found)

		deleted, err := bans.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deleted, int64(1))
	})

	t.Run("permanent ban never expires", func(t *testing.T) {
		acct, err := accounts.Create(ctx, "ext-perm", "Gone", "x")
		require.NoError(t, err)

		_, err = bans.Create(ctx, acct.ID, postgres.BanTypePermanent, "cheating", nil)
		require.NoError(t, err)

		ban, found, err := bans.ActiveBan(ctx, acct.ID, []string{postgres.BanTypePermanent})
		require.NoError(t, err)
		require.True(t, found)
		assert.Nil(t, ban.ExpiresAt)
	})

	t.Run("stats top ordering", func(t *testing.T) {
		first, err := accounts.Create(ctx, "ext-top1", "Champ", "x")
		require.NoError(t, err)
		second, err := accounts.Create(ctx, "ext-top2", "Runner", "x")
		require.NoError(t, err)

		require.NoError(t, stats.Record(ctx, first.ID, 10, 50, 900))
		require.NoError(t, stats.Record(ctx, second.ID, 8, 70, 700))

		top, err := stats.Top(ctx, 10)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(top), 2)
		assert.Equal(t, "Champ", top[0].DisplayName)
		assert.Equal(t, 900, top[0].Score)
	})
}
