package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ban type constants.
const (
	BanTypeMatchmaking = "matchmaking"
	BanTypePermanent   = "permanent"
)

// Ban represents an active or historical account ban.
type Ban struct {
	ID        int64
	AccountID string
	Type      string
	Reason    string
	// ExpiresAt is nil for bans that never expire.
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// BanRepository provides ban persistence operations.
type BanRepository struct {
	db *pgxpool.Pool
}

// NewBanRepository creates a BanRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewBanRepository(db *pgxpool.Pool) *BanRepository {
	return &BanRepository{db: db}
}

// Create inserts a new ban. A nil expiresAt makes the ban permanent.
//
// Precondition: accountID must reference an existing account; banType must
// be one of the Ban type constants.
func (r *BanRepository) Create(ctx context.Context, accountID, banType, reason string, expiresAt *time.Time) (Ban, error) {
	var ban Ban
	err := r.db.QueryRow(ctx,
		`INSERT INTO bans (account_id, ban_type, reason, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, account_id, ban_type, reason, expires_at, created_at`,
		accountID, banType, reason, expiresAt,
	).Scan(&ban.ID, &ban.AccountID, &ban.Type, &ban.Reason, &ban.ExpiresAt, &ban.CreatedAt)
	if err != nil {
		return Ban{}, fmt.Errorf("inserting ban: %w", err)
	}
	return ban, nil
}

// ActiveBan returns the most severe unexpired ban for the account within
// the given type set.
//
// Postcondition: Returns (ban, true, nil) on a hit, (zero, false, nil) when
// no active ban matches, or an error on infrastructure failure.
func (r *BanRepository) ActiveBan(ctx context.Context, accountID string, types []string) (Ban, bool, error) {
	var ban Ban
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, ban_type, reason, expires_at, created_at
		 FROM bans
		 WHERE account_id = $1
		   AND ban_type = ANY($2)
		   AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY expires_at IS NULL DESC, expires_at DESC
		 LIMIT 1`,
		accountID, types,
	).Scan(&ban.ID, &ban.AccountID, &ban.Type, &ban.Reason, &ban.ExpiresAt, &ban.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ban{}, false, nil
		}
		return Ban{}, false, fmt.Errorf("querying active ban: %w", err)
	}
	return ban, true, nil
}

// DeleteExpired removes bans whose expiry has passed.
//
// Postcondition: Returns the number of rows deleted.
func (r *BanRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired bans: %w", err)
	}
	return tag.RowsAffected(), nil
}
