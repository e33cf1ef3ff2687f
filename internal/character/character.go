// Package character implements the Character entity: a role-play persona a user creates, carrying the globally
// unique account identifier used for friend routing, direct messages, and group membership. A user owns zero or
// more characters; each character is owned by exactly one user.
package character

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roleplay-hub/hub/internal/apperr"
)

// Character holds the fields read from the characters table.
type Character struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Account    string // globally unique, case-insensitive lookup key, stored exactly as given
	Nickname   string
	Avatar     string // opaque, e.g. a data URI or CDN reference; validated, never decoded here
	Bio        string
	IsOnline   bool
	LastSeenAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateParams groups the inputs for creating a character.
type CreateParams struct {
	UserID   uuid.UUID
	Account  string
	Nickname string
	Avatar   string
	Bio      string
}

// UpdateParams groups the mutable profile fields of a character update. Nil fields are left unchanged.
type UpdateParams struct {
	Nickname *string
	Avatar   *string
	Bio      *string
}

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// ValidateAccount bounds-checks and pattern-matches a character account string. The account is stored exactly as
// given; case-insensitivity is applied only at lookup time.
func ValidateAccount(account string) (string, error) {
	if !accountPattern.MatchString(account) {
		return "", apperr.New(apperr.KindInvalid, "account must be 3-20 characters of letters, digits, or underscore")
	}
	return account, nil
}

// ValidateNickname trims and bounds-checks a character nickname.
func ValidateNickname(nickname string) (string, error) {
	trimmed := strings.TrimSpace(nickname)
	n := utf8.RuneCountInString(trimmed)
	if n < 1 || n > 32 {
		return "", apperr.New(apperr.KindInvalid, "nickname must be between 1 and 32 characters")
	}
	return trimmed, nil
}

// ValidateBio bounds-checks a character bio. It does not sanitize the content, and callers store the bio as given.
func ValidateBio(bio string) (string, error) {
	if utf8.RuneCountInString(bio) > 2000 {
		return "", apperr.New(apperr.KindInvalid, "bio must not exceed 2000 characters")
	}
	return bio, nil
}

// ValidateAvatar bounds-checks an avatar payload against maxChars. Per the hub's admission policy an over-limit
// avatar is rejected outright rather than silently truncated or cleared, so a caller always knows whether their
// avatar was actually stored. The check runs only when an avatar is submitted; an avatar already stored on an
// existing character is not re-checked, cleared or truncated when that character is brought online again.
func ValidateAvatar(avatar string, maxChars int) error {
	if utf8.RuneCountInString(avatar) > maxChars {
		return apperr.New(apperr.KindInvalid, "avatar exceeds the maximum allowed size")
	}
	return nil
}

// Repository defines the data-access contract for character operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Character, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Character, error)
	GetByAccount(ctx context.Context, account string) (*Character, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]Character, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Character, error)
	SetOnline(ctx context.Context, id uuid.UUID, online bool, at time.Time) error
}
