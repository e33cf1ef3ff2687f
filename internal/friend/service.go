package friend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/character"
	"github.com/roleplay-hub/hub/internal/presence"
	"github.com/roleplay-hub/hub/internal/wire"
)

// Publisher pushes an already-encoded outbound frame to a connected account's live session. It reports whether the
// account was online and the push was attempted, letting the caller decide between pushing now and queuing for
// later.
type Publisher interface {
	PushToAccount(account string, frame []byte) bool
}

// Service implements friend search, the friend-request lifecycle, and direct messaging with an offline queue.
type Service struct {
	friends    Repository
	characters character.Repository
	presence   *presence.Registry
	publisher  Publisher
	sanitizer  *bluemonday.Policy
	maxContent int
	log        zerolog.Logger
}

// NewService creates a new direct-messaging service.
func NewService(friends Repository, characters character.Repository, reg *presence.Registry, publisher Publisher, maxContentLength int, logger zerolog.Logger) *Service {
	return &Service{
		friends:    friends,
		characters: characters,
		presence:   reg,
		publisher:  publisher,
		sanitizer:  bluemonday.StrictPolicy(),
		maxContent: maxContentLength,
		log:        logger,
	}
}

// SearchResult is what friend search returns: enough to befriend or recognize a character, deliberately without
// its bio.
type SearchResult struct {
	Account  string
	Nickname string
	Avatar   string
	IsOnline bool
}

// Search looks up a character by case-insensitive exact account match. Returns apperr.KindNotFound if no character
// holds that account.
func (s *Service) Search(ctx context.Context, account string) (*SearchResult, error) {
	ch, err := s.characters.GetByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	return &SearchResult{
		Account:  ch.Account,
		Nickname: ch.Nickname,
		Avatar:   ch.Avatar,
		IsOnline: s.presence.IsOnline(ch.Account),
	}, nil
}

// SendRequest creates a pending friend request from fromAccount to toAccount, rejecting it if the two accounts are
// already friends. fromAccount must currently be owned by the caller's session — callers are expected to enforce
// that against the Presence Registry before calling this.
func (s *Service) SendRequest(ctx context.Context, fromAccount, toAccount, message string) (*FriendRequest, error) {
	if strings.EqualFold(fromAccount, toAccount) {
		return nil, apperr.Wrap(apperr.KindInvalid, ErrSelfRequest.Error(), ErrSelfRequest)
	}
	if _, err := s.characters.GetByAccount(ctx, toAccount); err != nil {
		return nil, err
	}

	alreadyFriends, err := s.friends.AreFriends(ctx, fromAccount, toAccount)
	if err != nil {
		return nil, err
	}
	if alreadyFriends {
		return nil, apperr.Wrap(apperr.KindConflict, ErrAlreadyFriends.Error(), ErrAlreadyFriends)
	}

	req, err := s.friends.CreateRequest(ctx, fromAccount, toAccount, message)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		frame, err := wire.Encode(wire.TypeFriendRequest, friendRequestPayload(req))
		if err == nil {
			s.publisher.PushToAccount(toAccount, frame)
		}
	}
	return req, nil
}

// Accept resolves a pending request as accepted, creates the symmetric Friendship, and notifies both accounts.
// callerAccount must be the request's ToAccount.
func (s *Service) Accept(ctx context.Context, callerAccount string, requestID uuid.UUID) (*FriendRequest, error) {
	req, err := s.friends.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(req.ToAccount, callerAccount) {
		return nil, apperr.New(apperr.KindForbidden, "you may only accept requests addressed to you")
	}

	resolved, err := s.friends.ResolveRequest(ctx, requestID, RequestAccepted)
	if err != nil {
		return nil, err
	}
	if err := s.friends.CreateFriendship(ctx, resolved.FromAccount, resolved.ToAccount); err != nil {
		return nil, err
	}

	if s.publisher != nil {
		frame, err := wire.Encode(wire.TypeFriendRequestAccepted, friendRequestPayload(resolved))
		if err == nil {
			s.publisher.PushToAccount(resolved.FromAccount, frame)
			s.publisher.PushToAccount(resolved.ToAccount, frame)
		}
	}
	return resolved, nil
}

// Reject resolves a pending request as rejected. No notification is sent, per the direct-messaging design.
func (s *Service) Reject(ctx context.Context, callerAccount string, requestID uuid.UUID) (*FriendRequest, error) {
	req, err := s.friends.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(req.ToAccount, callerAccount) {
		return nil, apperr.New(apperr.KindForbidden, "you may only reject requests addressed to you")
	}
	return s.friends.ResolveRequest(ctx, requestID, RequestRejected)
}

// PendingRequests returns every request awaiting this account's response.
func (s *Service) PendingRequests(ctx context.Context, account string) ([]FriendRequest, error) {
	return s.friends.PendingRequestsFor(ctx, account)
}

// SendResult reports whether a direct message was pushed immediately or queued for offline delivery.
type SendResult struct {
	MessageID uuid.UUID
	Delivered bool
}

// Send delivers a direct message from fromAccount to toAccount if the two are friends, pushing it immediately if
// the recipient is online and otherwise persisting it as an OfflineMessage.
func (s *Service) Send(ctx context.Context, fromAccount, toAccount, content string) (*SendResult, error) {
	clean, err := ValidateContent(content, s.maxContent)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}
	clean = s.sanitizer.Sanitize(clean)

	areFriends, err := s.friends.AreFriends(ctx, fromAccount, toAccount)
	if err != nil {
		return nil, err
	}
	if !areFriends {
		return nil, apperr.New(apperr.KindForbidden, "you can only message friends")
	}

	delivered := false
	var msg *OfflineMessage
	if s.publisher != nil && s.presence.IsOnline(toAccount) {
		live := &OfflineMessage{ID: uuid.New(), FromAccount: fromAccount, ToAccount: toAccount, Content: clean, CreatedAt: time.Now()}
		frame, err := wire.Encode(wire.TypeMessage, directMessagePayload(live))
		if err == nil && s.publisher.PushToAccount(toAccount, frame) {
			msg, delivered = live, true
		}
	}
	if !delivered {
		msg, err = s.friends.QueueOfflineMessage(ctx, fromAccount, toAccount, clean)
		if err != nil {
			return nil, err
		}
	}

	return &SendResult{MessageID: msg.ID, Delivered: delivered}, nil
}

// DeliverOffline pushes every pending OfflineMessage queued for account, oldest first, then marks the ones that
// were pushed as delivered in a single update. If a push fails partway through, the messages that were not reached
// remain pending for the next bring-online; already-pushed messages may be re-delivered if marking fails, which
// receivers are expected to tolerate.
func (s *Service) DeliverOffline(ctx context.Context, account string) error {
	if s.publisher == nil {
		return nil
	}
	pending, err := s.friends.PendingOfflineMessages(ctx, account)
	if err != nil {
		return fmt.Errorf("load pending offline messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var deliveredIDs []uuid.UUID
	for i := range pending {
		msg := pending[i]
		frame, err := wire.Encode(wire.TypeMessage, directMessagePayload(&msg))
		if err != nil {
			continue
		}
		if s.publisher.PushToAccount(account, frame) {
			deliveredIDs = append(deliveredIDs, msg.ID)
		}
	}
	return s.friends.MarkDelivered(ctx, deliveredIDs)
}

func friendRequestPayload(req *FriendRequest) any {
	return struct {
		RequestID   uuid.UUID `json:"request_id"`
		FromAccount string    `json:"from_account"`
		ToAccount   string    `json:"to_account"`
		Message     string    `json:"message,omitempty"`
		Status      string    `json:"status"`
		CreatedAt   wire.Time `json:"created_at"`
	}{
		RequestID:   req.ID,
		FromAccount: req.FromAccount,
		ToAccount:   req.ToAccount,
		Message:     req.Message,
		Status:      string(req.Status),
		CreatedAt:   wire.FromStd(req.CreatedAt),
	}
}

func directMessagePayload(msg *OfflineMessage) any {
	return struct {
		MessageID   uuid.UUID `json:"message_id"`
		FromAccount string    `json:"from_account"`
		Content     string    `json:"content"`
		CreatedAt   wire.Time `json:"created_at"`
	}{
		MessageID:   msg.ID,
		FromAccount: msg.FromAccount,
		Content:     msg.Content,
		CreatedAt:   wire.FromStd(msg.CreatedAt),
	}
}
