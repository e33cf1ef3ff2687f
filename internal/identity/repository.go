package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/storage"
)

const selectColumns = `id, username, email, password_hash, mfa_secret_encrypted, created_at, last_login_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed account repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new account. Returns apperr.KindConflict if the username is already taken.
func (r *PGRepository) Create(ctx context.Context, username, email, passwordHash string) (*User, error) {
	var emailVal any
	if email != "" {
		emailVal = email
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3)
		 RETURNING `+selectColumns,
		username, emailVal, passwordHash,
	)
	u, err := scanUser(row)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "username already taken")
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByUsername returns an account by username.
func (r *PGRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM users WHERE username = $1", username)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "account not found")
		}
		return nil, fmt.Errorf("query user by username: %w", err)
	}
	return u, nil
}

// GetByID returns an account by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM users WHERE id = $1", id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "account not found")
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// UpdateLastLogin stamps the account's last_login_at timestamp.
func (r *PGRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET last_login_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "account not found")
	}
	return nil
}

// UpdatePasswordHash replaces the stored password hash, used for the Argon2 rehash-on-login path.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET password_hash = $1 WHERE id = $2", hash, id)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "account not found")
	}
	return nil
}

// SetMFASecret stores or clears the account's encrypted TOTP secret.
func (r *PGRepository) SetMFASecret(ctx context.Context, id uuid.UUID, encryptedSecret *string) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET mfa_secret_encrypted = $1 WHERE id = $2", encryptedSecret, id)
	if err != nil {
		return fmt.Errorf("set mfa secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "account not found")
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var email *string
	err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &u.MFASecretEncrypted, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		return nil, err
	}
	if email != nil {
		u.Email = *email
	}
	return &u, nil
}
