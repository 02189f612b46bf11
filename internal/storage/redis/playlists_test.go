package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*PlaylistStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPlaylistStore(client), mr
}

func TestPlaylistStore_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetLastPlaylist(ctx, "acct-1", "duos"))

	got, err := store.LastPlaylist(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "duos", got)
}

func TestPlaylistStore_MissingIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	got, err := store.LastPlaylist(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPlaylistStore_Overwrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetLastPlaylist(ctx, "acct-1", "duos"))
	require.NoError(t, store.SetLastPlaylist(ctx, "acct-1", "squads"))

	got, err := store.LastPlaylist(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "squads", got)
}

func TestPlaylistStore_Expiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetLastPlaylist(ctx, "acct-1", "duos"))
	mr.FastForward(playlistTTL + 1)

	got, err := store.LastPlaylist(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPlaylistStore_ClientError(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.LastPlaylist(context.Background(), "acct-1")
	assert.Error(t, err)
}
