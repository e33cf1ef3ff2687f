// Package friend implements the friend graph, friend-request lifecycle, and 1:1 direct messaging with an
// offline queue for recipients who are not currently connected.
package friend

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the friend package.
var (
	ErrEmptyContent      = errors.New("message content must not be empty")
	ErrContentTooLong    = errors.New("message content exceeds the maximum length")
	ErrRequestNotFound   = errors.New("friend request not found")
	ErrAlreadyFriends    = errors.New("already friends")
	ErrRequestNotPending = errors.New("friend request is not pending")
	ErrSelfRequest       = errors.New("cannot send a friend request to yourself")
)

// RequestStatus is the lifecycle state of a FriendRequest.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// FriendRequest is a pending (or resolved) friend request between two character accounts.
type FriendRequest struct {
	ID          uuid.UUID
	FromAccount string
	ToAccount   string
	Message     string
	Status      RequestStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Friendship is a symmetric, idempotent link between two accounts. A single accepted friend request produces one
// row per direction so either account can look up its friend list by its own account.
type Friendship struct {
	ID            uuid.UUID
	Account       string
	FriendAccount string
	CreatedAt     time.Time
}

// OfflineMessage is a direct message persisted because its recipient was not reachable at send time.
type OfflineMessage struct {
	ID            uuid.UUID
	FromAccount   string
	ToAccount     string
	Content       string
	CreatedAt     time.Time
	Delivered     bool
	DeliveredAt   *time.Time
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

// Repository defines the data-access contract for friendships, friend requests, and offline direct messages.
type Repository interface {
	CreateRequest(ctx context.Context, fromAccount, toAccount, message string) (*FriendRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*FriendRequest, error)
	ResolveRequest(ctx context.Context, id uuid.UUID, status RequestStatus) (*FriendRequest, error)
	PendingRequestsFor(ctx context.Context, account string) ([]FriendRequest, error)
	AreFriends(ctx context.Context, account, otherAccount string) (bool, error)
	CreateFriendship(ctx context.Context, account, friendAccount string) error

	QueueOfflineMessage(ctx context.Context, fromAccount, toAccount, content string) (*OfflineMessage, error)
	PendingOfflineMessages(ctx context.Context, toAccount string) ([]OfflineMessage, error)
	MarkDelivered(ctx context.Context, ids []uuid.UUID) error
}
