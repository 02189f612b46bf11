// Package leaderboard caches ranked player statistics.
package leaderboard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arclight-studio/gateway/internal/config"
	"github.com/arclight-studio/gateway/internal/storage/postgres"
)

// Source supplies ranked rows. *postgres.StatsRepository satisfies it.
type Source interface {
	Top(ctx context.Context, n int) ([]postgres.PlayerStat, error)
}

// Entry is one leaderboard row as served to clients.
type Entry struct {
	Rank        int    `json:"rank"`
	DisplayName string `json:"displayName"`
	Wins        int    `json:"wins"`
	Kills       int    `json:"kills"`
	Score       int    `json:"score"`
}

// Cache serves the top-N leaderboard, refreshing from its Source at most
// once per TTL. Stale data within the TTL window is acceptable, so a read
// never blocks on the database unless the cache has expired.
type Cache struct {
	cfg    config.LeaderboardConfig
	source Source
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   []Entry
	fetchedAt time.Time
}

// NewCache creates a leaderboard cache. The first Top call populates it.
func NewCache(cfg config.LeaderboardConfig, source Source, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:    cfg,
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Top returns the cached leaderboard, refreshing it when the TTL has
// elapsed. On refresh failure the previous snapshot is served if one
// exists.
//
// Postcondition: Returns at most cfg.Size entries with 1-based ranks.
func (c *Cache) Top(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries != nil && c.now().Sub(c.fetchedAt) < c.cfg.TTL {
		return c.entries, nil
	}

	stats, err := c.source.Top(ctx, c.cfg.Size)
	if err != nil {
		if c.entries != nil {
			c.logger.Warn("leaderboard refresh failed, serving stale snapshot", zap.Error(err))
			return c.entries, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(stats))
	for i, s := range stats {
		entries = append(entries, Entry{
			Rank:        i + 1,
			DisplayName: s.DisplayName,
			Wins:        s.Wins,
			Kills:       s.Kills,
			Score:       s.Score,
		})
	}
	c.entries = entries
	c.fetchedAt = c.now()
	return c.entries, nil
}
