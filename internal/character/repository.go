package character

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

const selectColumns = `id, user_id, account, nickname, avatar, bio, is_online, last_seen_at, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed character repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new character for a user. A user may own any number of characters, but account is globally
// unique (case-insensitively); a second Create call reusing an account fails with KindConflict.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Character, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO characters (user_id, account, nickname, avatar, bio)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		params.UserID, params.Account, params.Nickname, params.Avatar, params.Bio,
	)
	c, err := scanCharacter(row)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "that account is already taken")
		}
		return nil, fmt.Errorf("insert character: %w", err)
	}
	return c, nil
}

// GetByID returns a character by its own ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Character, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM characters WHERE id = $1", id)
	c, err := scanCharacter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "character not found")
		}
		return nil, fmt.Errorf("query character by id: %w", err)
	}
	return c, nil
}

// GetByAccount returns the character whose account matches, case-insensitively.
func (r *PGRepository) GetByAccount(ctx context.Context, account string) (*Character, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM characters WHERE lower(account) = lower($1)", account)
	c, err := scanCharacter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "character not found")
		}
		return nil, fmt.Errorf("query character by account: %w", err)
	}
	return c, nil
}

// ListByUserID returns every character owned by userID, in creation order.
func (r *PGRepository) ListByUserID(ctx context.Context, userID uuid.UUID) ([]Character, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM characters WHERE user_id = $1 ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("list characters by user: %w", err)
	}
	defer rows.Close()

	var results []Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		results = append(results, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate characters: %w", err)
	}
	return results, nil
}

// Update applies partial profile changes to the character identified by id.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Character, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	nickname := current.Nickname
	if params.Nickname != nil {
		nickname = *params.Nickname
	}
	avatar := current.Avatar
	if params.Avatar != nil {
		avatar = *params.Avatar
	}
	bio := current.Bio
	if params.Bio != nil {
		bio = *params.Bio
	}

	row := r.db.QueryRow(ctx,
		`UPDATE characters SET nickname = $1, avatar = $2, bio = $3, updated_at = now()
		 WHERE id = $4
		 RETURNING `+selectColumns,
		nickname, avatar, bio, id,
	)
	c, err := scanCharacter(row)
	if err != nil {
		return nil, fmt.Errorf("update character: %w", err)
	}
	return c, nil
}

// SetOnline flips the presence flag persisted alongside the character row. The Presence Registry is the
// authoritative in-memory source of truth; this persisted flag only serves reads that happen outside an active
// gateway session (e.g. another account's friend list, or Restore on reconnect).
func (r *PGRepository) SetOnline(ctx context.Context, id uuid.UUID, online bool, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE characters SET is_online = $1, last_seen_at = $2 WHERE id = $3`,
		online, at, id,
	)
	if err != nil {
		return fmt.Errorf("set character online state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "character not found")
	}
	return nil
}

func scanCharacter(row pgx.Row) (*Character, error) {
	var c Character
	err := row.Scan(
		&c.ID, &c.UserID, &c.Account, &c.Nickname, &c.Avatar, &c.Bio, &c.IsOnline, &c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
