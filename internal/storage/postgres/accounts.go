package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrAccountNotFound is returned when an account lookup yields no results.
var ErrAccountNotFound = errors.New("account not found")

// ErrAccountExists is returned when attempting to create a duplicate account.
var ErrAccountExists = errors.New("account already exists")

// Account represents a player account.
type Account struct {
	// ID is the internal account identifier.
	ID string
	// ExternalID is the matchmaking identifier the client presents.
	ExternalID string
	// DisplayName is shown to other players.
	DisplayName string
	// SecretHash is the bcrypt hash of the account secret.
	SecretHash string
	CreatedAt  time.Time
}

// HashSecret hashes an account secret for storage.
//
// Precondition: secret must be non-empty and at most 72 bytes.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret reports whether the secret matches the stored hash.
func CheckSecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// AccountRepository provides account persistence operations.
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts a new account with a bcrypt-hashed secret.
//
// Precondition: externalID and displayName must be non-empty.
// Postcondition: Returns the created Account with ID and CreatedAt set,
// or ErrAccountExists if the external id is taken.
func (r *AccountRepository) Create(ctx context.Context, externalID, displayName, secret string) (Account, error) {
	hash, err := HashSecret(secret)
	if err != nil {
		return Account{}, err
	}

	var acct Account
	err = r.db.QueryRow(ctx,
		`INSERT INTO accounts (external_id, display_name, secret_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, external_id, display_name, secret_hash, created_at`,
		externalID, displayName, hash,
	).Scan(&acct.ID, &acct.ExternalID, &acct.DisplayName, &acct.SecretHash, &acct.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Account{}, ErrAccountExists
		}
		return Account{}, fmt.Errorf("inserting account: %w", err)
	}

	return acct, nil
}

// GetByID fetches an account by its internal identifier.
//
// Postcondition: Returns the Account, or ErrAccountNotFound.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (Account, error) {
	return r.get(ctx,
		`SELECT id, external_id, display_name, secret_hash, created_at
		 FROM accounts WHERE id = $1`, id)
}

// GetByExternalID fetches an account by the matchmaking identifier the
// client presents.
//
// Postcondition: Returns the Account, or ErrAccountNotFound.
func (r *AccountRepository) GetByExternalID(ctx context.Context, externalID string) (Account, error) {
	return r.get(ctx,
		`SELECT id, external_id, display_name, secret_hash, created_at
		 FROM accounts WHERE external_id = $1`, externalID)
}

func (r *AccountRepository) get(ctx context.Context, query string, arg any) (Account, error) {
	var acct Account
	err := r.db.QueryRow(ctx, query, arg).
		Scan(&acct.ID, &acct.ExternalID, &acct.DisplayName, &acct.SecretHash, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
