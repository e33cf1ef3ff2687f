package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User holds the fields read from the users table. It is the account identity that owns a Character, friendships,
// and group memberships — distinct from the persona those things present.
type User struct {
	ID                 uuid.UUID
	Username           string
	Email              string
	PasswordHash       string
	MFASecretEncrypted *string
	CreatedAt          time.Time
	LastLoginAt        *time.Time
}

// Repository defines the data-access contract for account operations.
type Repository interface {
	Create(ctx context.Context, username, email, passwordHash string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	SetMFASecret(ctx context.Context, id uuid.UUID, encryptedSecret *string) error
}
