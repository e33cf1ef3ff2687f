package friend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/storage"
)

const requestColumns = `id, from_account, to_account, message, status, created_at, updated_at`

const offlineMessageColumns = `id, from_account, to_account, content, created_at, delivered, delivered_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed friend repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// CreateRequest inserts a new pending friend request. The partial unique index on (from_account, to_account)
// where status = 'pending' surfaces a duplicate pending request as apperr.KindConflict.
func (r *PGRepository) CreateRequest(ctx context.Context, fromAccount, toAccount, message string) (*FriendRequest, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO friend_requests (from_account, to_account, message, status)
		 VALUES ($1, $2, $3, 'pending')
		 RETURNING `+requestColumns,
		fromAccount, toAccount, message,
	)
	req, err := scanRequest(row)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.KindConflict, "a pending friend request already exists")
		}
		return nil, fmt.Errorf("insert friend request: %w", err)
	}
	return req, nil
}

// GetRequest returns a friend request by ID.
func (r *PGRepository) GetRequest(ctx context.Context, id uuid.UUID) (*FriendRequest, error) {
	row := r.db.QueryRow(ctx, "SELECT "+requestColumns+" FROM friend_requests WHERE id = $1", id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrRequestNotFound.Error(), ErrRequestNotFound)
		}
		return nil, fmt.Errorf("query friend request: %w", err)
	}
	return req, nil
}

// ResolveRequest transitions a pending request to accepted or rejected. Returns ErrRequestNotFound if the request
// does not exist or is not currently pending, guarding against double-resolution.
func (r *PGRepository) ResolveRequest(ctx context.Context, id uuid.UUID, status RequestStatus) (*FriendRequest, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE friend_requests SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = 'pending'
		 RETURNING `+requestColumns,
		string(status), id,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrRequestNotFound.Error(), ErrRequestNotFound)
		}
		return nil, fmt.Errorf("resolve friend request: %w", err)
	}
	return req, nil
}

// PendingRequestsFor returns every pending friend request addressed to account, oldest first.
func (r *PGRepository) PendingRequestsFor(ctx context.Context, account string) ([]FriendRequest, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+requestColumns+" FROM friend_requests WHERE lower(to_account) = lower($1) AND status = 'pending' ORDER BY created_at ASC",
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending friend requests: %w", err)
	}
	defer rows.Close()

	var requests []FriendRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan friend request: %w", err)
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// AreFriends reports whether a Friendship row exists in either direction between the two accounts.
func (r *PGRepository) AreFriends(ctx context.Context, account, otherAccount string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM friendships
			WHERE (lower(account) = lower($1) AND lower(friend_account) = lower($2))
			   OR (lower(account) = lower($2) AND lower(friend_account) = lower($1))
		 )`,
		account, otherAccount,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return exists, nil
}

// CreateFriendship inserts the symmetric pair of Friendship rows idempotently, tolerating a row that already
// exists from a prior, partially-completed accept.
func (r *PGRepository) CreateFriendship(ctx context.Context, account, friendAccount string) error {
	return storage.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, pair := range [][2]string{{account, friendAccount}, {friendAccount, account}} {
			_, err := tx.Exec(ctx,
				`INSERT INTO friendships (account, friend_account) VALUES ($1, $2)
				 ON CONFLICT (account, friend_account) DO NOTHING`,
				pair[0], pair[1],
			)
			if err != nil {
				return fmt.Errorf("insert friendship: %w", err)
			}
		}
		return nil
	})
}

// QueueOfflineMessage persists a direct message for later delivery.
func (r *PGRepository) QueueOfflineMessage(ctx context.Context, fromAccount, toAccount, content string) (*OfflineMessage, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO offline_messages (from_account, to_account, content)
		 VALUES ($1, $2, $3)
		 RETURNING `+offlineMessageColumns,
		fromAccount, toAccount, content,
	)
	msg, err := scanOfflineMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert offline message: %w", err)
	}
	return msg, nil
}

// PendingOfflineMessages returns every undelivered message queued for toAccount, oldest first.
func (r *PGRepository) PendingOfflineMessages(ctx context.Context, toAccount string) ([]OfflineMessage, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+offlineMessageColumns+" FROM offline_messages WHERE lower(to_account) = lower($1) AND delivered = false ORDER BY created_at ASC",
		toAccount,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending offline messages: %w", err)
	}
	defer rows.Close()

	var messages []OfflineMessage
	for rows.Next() {
		msg, err := scanOfflineMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offline message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// MarkDelivered flags the given offline messages as delivered in one statement. Callers deliver-then-mark, so a
// crash between the two leaves messages pending for redelivery on the next bring-online rather than lost.
func (r *PGRepository) MarkDelivered(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		"UPDATE offline_messages SET delivered = true, delivered_at = now() WHERE id = ANY($1)",
		ids,
	)
	if err != nil {
		return fmt.Errorf("mark offline messages delivered: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (*FriendRequest, error) {
	var req FriendRequest
	var status string
	if err := row.Scan(&req.ID, &req.FromAccount, &req.ToAccount, &req.Message, &status, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	req.Status = RequestStatus(status)
	return &req, nil
}

func scanOfflineMessage(row pgx.Row) (*OfflineMessage, error) {
	var msg OfflineMessage
	err := row.Scan(&msg.ID, &msg.FromAccount, &msg.ToAccount, &msg.Content, &msg.CreatedAt, &msg.Delivered, &msg.DeliveredAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
