// Package redis provides key-value persistence for player preferences.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arclight-studio/gateway/internal/config"
)

// playlistTTL bounds how long a remembered playlist preference survives
// without the player queueing again.
const playlistTTL = 30 * 24 * time.Hour

// NewClient creates a Redis client from configuration and verifies
// connectivity.
//
// Postcondition: Returns a client that answered PING, or an error.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// PlaylistStore remembers the last playlist each account queued for, so
// returning players are matched onto the same mode by default.
type PlaylistStore struct {
	client *redis.Client
}

// NewPlaylistStore creates a PlaylistStore backed by the given client.
func NewPlaylistStore(client *redis.Client) *PlaylistStore {
	return &PlaylistStore{client: client}
}

func playlistKey(accountID string) string {
	return "playlist:last:" + accountID
}

// LastPlaylist returns the most recent playlist for the account.
//
// Postcondition: Returns ("", nil) when no preference is stored.
func (s *PlaylistStore) LastPlaylist(ctx context.Context, accountID string) (string, error) {
	val, err := s.client.Get(ctx, playlistKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("getting last playlist for %s: %w", accountID, err)
	}
	return val, nil
}

// SetLastPlaylist records the playlist the account just queued for.
func (s *PlaylistStore) SetLastPlaylist(ctx context.Context, accountID, playlist string) error {
	if err := s.client.Set(ctx, playlistKey(accountID), playlist, playlistTTL).Err(); err != nil {
		return fmt.Errorf("setting last playlist for %s: %w", accountID, err)
	}
	return nil
}
