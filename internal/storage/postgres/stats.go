package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PlayerStat is one leaderboard row.
type PlayerStat struct {
	AccountID   string
	DisplayName string
	Wins        int
	Kills       int
	Score       int
}

// StatsRepository reads ranked player statistics.
type StatsRepository struct {
	db *pgxpool.Pool
}

// NewStatsRepository creates a StatsRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewStatsRepository(db *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{db: db}
}

// Top returns the n highest-scoring players.
//
// Postcondition: Returns at most n rows ordered by descending score.
func (r *StatsRepository) Top(ctx context.Context, n int) ([]PlayerStat, error) {
	rows, err := r.db.Query(ctx,
		`SELECT s.account_id, a.display_name, s.wins, s.kills, s.score
		 FROM stats s
		 JOIN accounts a ON a.id = s.account_id
		 ORDER BY s.score DESC, s.wins DESC
		 LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("querying top stats: %w", err)
	}
	defer rows.Close()

	var out []PlayerStat
	for rows.Next() {
		var s PlayerStat
		if err := rows.Scan(&s.AccountID, &s.DisplayName, &s.Wins, &s.Kills, &s.Score); err != nil {
			return nil, fmt.Errorf("scanning stat row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stat rows: %w", err)
	}
	return out, nil
}

// Record upserts the statistics row for an account.
func (r *StatsRepository) Record(ctx context.Context, accountID string, wins, kills, score int) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO stats (account_id, wins, kills, score)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id)
		 DO UPDATE SET wins = $2, kills = $3, score = $4, updated_at = NOW()`,
		accountID, wins, kills, score)
	if err != nil {
		return fmt.Errorf("recording stats: %w", err)
	}
	return nil
}
