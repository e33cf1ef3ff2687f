package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/storage"
)

const groupColumns = `id, name, avatar, creator_account, created_at`

const memberColumns = `group_id, account, persona_name, persona_avatar, persona_desc, joined_at`

const messageColumns = `id, group_id, sender_type, sender_account, sender_name, character_name, content, msg_type, redpacket_state, version, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed group repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a Group and the creator's own membership row in a single transaction, so a failure partway through
// never leaves a group with no members.
func (r *PGRepository) Create(ctx context.Context, name string, creatorAccount, personaName string, personaAvatar *string, personaDesc string) (*Group, error) {
	var g *Group
	err := storage.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO groups (name, creator_account) VALUES ($1, $2) RETURNING `+groupColumns,
			name, creatorAccount,
		)
		created, err := scanGroup(row)
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO group_members (group_id, account, persona_name, persona_avatar, persona_desc)
			 VALUES ($1, $2, $3, $4, $5)`,
			created.ID, creatorAccount, personaName, personaAvatar, personaDesc,
		)
		if err != nil {
			return fmt.Errorf("insert creator membership: %w", err)
		}

		g = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetByID returns a group by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Group, error) {
	row := r.db.QueryRow(ctx, "SELECT "+groupColumns+" FROM groups WHERE id = $1", id)
	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindNotFound, ErrNotFound.Error(), ErrNotFound)
		}
		return nil, fmt.Errorf("query group by id: %w", err)
	}
	return g, nil
}

// ListForAccount returns every group the given account is a member of.
func (r *PGRepository) ListForAccount(ctx context.Context, account string) ([]Group, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.id, g.name, g.avatar, g.creator_account, g.created_at
		 FROM groups g JOIN group_members gm ON gm.group_id = g.id
		 WHERE lower(gm.account) = lower($1)
		 ORDER BY g.created_at ASC`,
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("query groups for account: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// Join inserts a new membership, or updates the persona if the account is already a member.
func (r *PGRepository) Join(ctx context.Context, groupID uuid.UUID, account, personaName string, personaAvatar *string, personaDesc string) (*Member, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO group_members (group_id, account, persona_name, persona_avatar, persona_desc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (group_id, account)
		 DO UPDATE SET persona_name = EXCLUDED.persona_name, persona_avatar = EXCLUDED.persona_avatar, persona_desc = EXCLUDED.persona_desc
		 RETURNING `+memberColumns,
		groupID, account, personaName, personaAvatar, personaDesc,
	)
	m, err := scanMember(row)
	if err != nil {
		return nil, fmt.Errorf("join group: %w", err)
	}
	return m, nil
}

// GetMember returns a single membership row.
func (r *PGRepository) GetMember(ctx context.Context, groupID uuid.UUID, account string) (*Member, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+memberColumns+" FROM group_members WHERE group_id = $1 AND lower(account) = lower($2)",
		groupID, account,
	)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Wrap(apperr.KindForbidden, ErrNotMember.Error(), ErrNotMember)
		}
		return nil, fmt.Errorf("query group member: %w", err)
	}
	return m, nil
}

// ListMembers returns every member of a group.
func (r *PGRepository) ListMembers(ctx context.Context, groupID uuid.UUID) ([]Member, error) {
	rows, err := r.db.Query(ctx, "SELECT "+memberColumns+" FROM group_members WHERE group_id = $1 ORDER BY joined_at ASC", groupID)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// IsMember reports whether account currently belongs to groupID.
func (r *PGRepository) IsMember(ctx context.Context, groupID uuid.UUID, account string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND lower(account) = lower($2))",
		groupID, account,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check group membership: %w", err)
	}
	return exists, nil
}

// CreateMessage persists a group message. SenderAccount is nil for system messages. RedpacketState is stored as
// given (nil unless params.MsgType is MsgTypeRedpacket); Version is always inserted as 1.
func (r *PGRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO group_messages (group_id, sender_type, sender_account, sender_name, character_name, content, msg_type, redpacket_state, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		 RETURNING `+messageColumns,
		params.GroupID, string(params.SenderType), params.SenderAccount, params.SenderName, params.CharacterName,
		params.Content, params.MsgType, params.RedpacketState,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert group message: %w", err)
	}
	return msg, nil
}

// GetMessage returns a single group message by ID.
func (r *PGRepository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx, "SELECT "+messageColumns+" FROM group_messages WHERE id = $1", id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "message not found")
		}
		return nil, fmt.Errorf("query group message: %w", err)
	}
	return msg, nil
}

// UpdateRedpacketState persists a redpacket message's claim state with an optimistic compare-and-swap on version,
// guarding the claim protocol against a lost update if two claims somehow bypass the in-process lock (e.g. across
// separate hub instances sharing one database). apperr.KindConflict signals the caller should reload and retry.
func (r *PGRepository) UpdateRedpacketState(ctx context.Context, messageID uuid.UUID, state json.RawMessage, expectedVersion int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE group_messages SET redpacket_state = $1, version = version + 1
		 WHERE id = $2 AND version = $3 AND msg_type = 'redpacket'`,
		state, messageID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update redpacket state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindConflict, "redpacket state changed concurrently, retry")
	}
	return nil
}

// History retrieves messages per the three modes the Group Chat spec describes: since a timestamp (ascending,
// exclusive), the most recent N (queried descending then reversed to ascending order), or full history ascending.
func (r *PGRepository) History(ctx context.Context, groupID uuid.UUID, query HistoryQuery) ([]Message, error) {
	if query.Since != nil {
		rows, err := r.db.Query(ctx,
			"SELECT "+messageColumns+" FROM group_messages WHERE group_id = $1 AND created_at > $2 ORDER BY created_at ASC",
			groupID, *query.Since,
		)
		if err != nil {
			return nil, fmt.Errorf("query group message history since: %w", err)
		}
		defer rows.Close()
		return scanMessages(rows)
	}

	if query.Limit > 0 {
		rows, err := r.db.Query(ctx,
			"SELECT "+messageColumns+" FROM group_messages WHERE group_id = $1 ORDER BY created_at DESC LIMIT $2",
			groupID, query.Limit,
		)
		if err != nil {
			return nil, fmt.Errorf("query group message history recent: %w", err)
		}
		defer rows.Close()
		messages, err := scanMessages(rows)
		if err != nil {
			return nil, err
		}
		reverse(messages)
		return messages, nil
	}

	rows, err := r.db.Query(ctx,
		"SELECT "+messageColumns+" FROM group_messages WHERE group_id = $1 ORDER BY created_at ASC",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query group message history full: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group message: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func reverse(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.Avatar, &g.CreatorAccount, &g.CreatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	if err := row.Scan(&m.GroupID, &m.Account, &m.PersonaName, &m.PersonaAvatar, &m.PersonaDesc, &m.JoinedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var senderType string
	if err := row.Scan(
		&msg.ID, &msg.GroupID, &senderType, &msg.SenderAccount, &msg.SenderName, &msg.CharacterName,
		&msg.Content, &msg.MsgType, &msg.RedpacketState, &msg.Version, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.SenderType = SenderType(senderType)
	return &msg, nil
}
