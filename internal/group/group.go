// Package group implements Group Chat: group lifecycle, per-group personas, message history, typing
// indicators, and the impersonation guard on sender identity.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the group package.
var (
	ErrNotFound          = errors.New("group not found")
	ErrNotMember         = errors.New("you are not a member of this group")
	ErrNicknameLength    = errors.New("persona name must be between 1 and 32 characters")
	ErrEmptyContent      = errors.New("message content must not be empty")
	ErrContentTooLong    = errors.New("message content exceeds the maximum length")
	ErrImpersonation     = errors.New("character name does not match your current group persona")
	ErrInvalidSenderType = errors.New("invalid sender type")
)

// SenderType identifies who authored a GroupMessage.
type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderCharacter SenderType = "character"
	SenderSystem    SenderType = "system"
)

// MsgType classifies the shape of a GroupMessage's content.
const (
	MsgTypeText      = "text"
	MsgTypeImage     = "image"
	MsgTypeRedpacket = "redpacket"
	MsgTypeSystem    = "system"
)

// Page-size bounds for most-recent-N history retrieval.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Group is a persistent chat room created by an account.
type Group struct {
	ID             uuid.UUID
	Name           string
	Avatar         *string
	CreatorAccount string
	CreatedAt      time.Time
}

// Member is a group membership row: an account's chosen persona within one group. PersonaName/PersonaAvatar/
// PersonaDesc are distinct from the account's global Character profile — a persona is per-group.
type Member struct {
	GroupID       uuid.UUID
	Account       string
	PersonaName   string
	PersonaAvatar *string
	PersonaDesc   string
	JoinedAt      time.Time
}

// Message is a single group chat message, including system-authored ones (SenderAccount nil). RedpacketState is
// populated only when MsgType is MsgTypeRedpacket: a redpacket is not a separate entity, it is a GroupMessage whose
// content is the claim state. Version starts at 1 for every message and is bumped only by redpacket state updates,
// for optimistic concurrency control on Claim.
type Message struct {
	ID             uuid.UUID
	GroupID        uuid.UUID
	SenderType     SenderType
	SenderAccount  *string
	SenderName     string
	CharacterName  *string
	Content        string
	MsgType        string
	RedpacketState json.RawMessage
	Version        int
	CreatedAt      time.Time
}

// ValidatePersonaName trims and bounds-checks a persona display name.
func ValidatePersonaName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	n := utf8.RuneCountInString(trimmed)
	if n < 1 || n > 32 {
		return "", ErrNicknameLength
	}
	return trimmed, nil
}

// ValidatePersonaAvatar bounds-checks a persona avatar payload against maxBytes. Over-limit avatars are rejected
// outright, matching the hub's reject-above-cap admission policy.
func ValidatePersonaAvatar(avatar string, maxBytes int) error {
	if len(avatar) > maxBytes {
		return errors.New("persona avatar exceeds the maximum allowed size")
	}
	return nil
}

// ValidateContent trims content and rejects it if empty or over the configured rune limit.
func ValidateContent(content string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxHistoryLimit], defaulting to DefaultHistoryLimit when the
// input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// HistoryQuery selects one of the three retrieval modes described by the Group Chat spec: since a timestamp
// (ascending, exclusive), the most recent N messages (returned in ascending order), or full history.
type HistoryQuery struct {
	Since *time.Time
	Limit int // used only when Since is nil; 0 means "full history"
}

// CreateMessageParams groups the inputs for persisting one group message.
type CreateMessageParams struct {
	GroupID        uuid.UUID
	SenderType     SenderType
	SenderAccount  *string
	SenderName     string
	CharacterName  *string
	Content        string
	MsgType        string
	RedpacketState json.RawMessage
}

// Repository defines the data-access contract for group operations.
type Repository interface {
	Create(ctx context.Context, name string, creatorAccount, personaName string, personaAvatar *string, personaDesc string) (*Group, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Group, error)
	ListForAccount(ctx context.Context, account string) ([]Group, error)

	Join(ctx context.Context, groupID uuid.UUID, account, personaName string, personaAvatar *string, personaDesc string) (*Member, error)
	GetMember(ctx context.Context, groupID uuid.UUID, account string) (*Member, error)
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]Member, error)
	IsMember(ctx context.Context, groupID uuid.UUID, account string) (bool, error)

	CreateMessage(ctx context.Context, params CreateMessageParams) (*Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	UpdateRedpacketState(ctx context.Context, messageID uuid.UUID, state json.RawMessage, expectedVersion int) error
	History(ctx context.Context, groupID uuid.UUID, query HistoryQuery) ([]Message, error)
}
