package group

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/character"
	"github.com/roleplay-hub/hub/internal/presence"
	"github.com/roleplay-hub/hub/internal/wire"
)

// Publisher pushes an already-encoded outbound frame to a connected account's live session.
type Publisher interface {
	PushToAccount(account string, frame []byte) bool
}

// Service implements the Group Chat operations: create, join, invite, list, history, send, and typing indicators.
type Service struct {
	groups         Repository
	characters     character.Repository
	presence       *presence.Registry
	typing         *presence.TypingStore
	publisher      Publisher
	sanitizer      *bluemonday.Policy
	maxContent     int
	maxAvatarBytes int
	log            zerolog.Logger
}

// NewService creates a new group chat service.
func NewService(groups Repository, characters character.Repository, reg *presence.Registry, typing *presence.TypingStore, publisher Publisher, maxContentLength, maxAvatarBytes int, logger zerolog.Logger) *Service {
	return &Service{
		groups:         groups,
		characters:     characters,
		presence:       reg,
		typing:         typing,
		publisher:      publisher,
		sanitizer:      bluemonday.StrictPolicy(),
		maxContent:     maxContentLength,
		maxAvatarBytes: maxAvatarBytes,
		log:            logger,
	}
}

// Create creates a new group owned by creatorAccount, seeding the creator's own membership with their chosen
// persona, then notifies every currently-online invitee with a group_invite push. Non-online invitees receive
// nothing, since invites are not persisted.
func (s *Service) Create(ctx context.Context, creatorAccount, name, personaName string, personaAvatar *string, personaDesc string, inviteAccounts []string) (*Group, error) {
	cleanPersona, err := ValidatePersonaName(personaName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}
	if personaAvatar != nil {
		if err := ValidatePersonaAvatar(*personaAvatar, s.maxAvatarBytes); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
		}
	}

	g, err := s.groups.Create(ctx, name, creatorAccount, cleanPersona, personaAvatar, personaDesc)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		frame, err := wire.Encode(wire.TypeGroupInvite, groupInvitePayload(g))
		if err == nil {
			for _, invitee := range inviteAccounts {
				s.publisher.PushToAccount(invitee, frame)
			}
		}
	}
	return g, nil
}

// Join inserts the caller as a group member (or updates their persona if already one), then notifies every
// current member, pushing to the ones who are online.
func (s *Service) Join(ctx context.Context, groupID uuid.UUID, account, personaName string, personaAvatar *string, personaDesc string) (*Member, error) {
	cleanPersona, err := ValidatePersonaName(personaName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}
	if personaAvatar != nil {
		if err := ValidatePersonaAvatar(*personaAvatar, s.maxAvatarBytes); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
		}
	}
	if _, err := s.groups.GetByID(ctx, groupID); err != nil {
		return nil, err
	}

	m, err := s.groups.Join(ctx, groupID, account, cleanPersona, personaAvatar, personaDesc)
	if err != nil {
		return nil, err
	}

	s.broadcastExcept(ctx, groupID, "", wire.TypeGroupMemberJoined, groupMemberPayload(m))
	return m, nil
}

// UpdatePersona changes an existing member's per-group persona without broadcasting it to the rest of the group;
// the caller receives their updated membership row as the sole acknowledgment.
func (s *Service) UpdatePersona(ctx context.Context, groupID uuid.UUID, account, personaName string, personaAvatar *string, personaDesc string) (*Member, error) {
	cleanPersona, err := ValidatePersonaName(personaName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}
	if personaAvatar != nil {
		if err := ValidatePersonaAvatar(*personaAvatar, s.maxAvatarBytes); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
		}
	}
	if _, err := s.groups.GetMember(ctx, groupID, account); err != nil {
		return nil, err
	}
	return s.groups.Join(ctx, groupID, account, cleanPersona, personaAvatar, personaDesc)
}

// Invite pushes a group_invite frame to inviteeAccount if they are online. The inviter must already be a member.
func (s *Service) Invite(ctx context.Context, groupID uuid.UUID, inviterAccount, inviteeAccount string) error {
	isMember, err := s.groups.IsMember(ctx, groupID, inviterAccount)
	if err != nil {
		return err
	}
	if !isMember {
		return apperr.Wrap(apperr.KindForbidden, ErrNotMember.Error(), ErrNotMember)
	}

	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return err
	}

	if s.publisher != nil {
		frame, err := wire.Encode(wire.TypeGroupInvite, groupInvitePayload(g))
		if err == nil {
			s.publisher.PushToAccount(inviteeAccount, frame)
		}
	}
	return nil
}

// List returns every group the given account belongs to.
func (s *Service) List(ctx context.Context, account string) ([]Group, error) {
	return s.groups.ListForAccount(ctx, account)
}

// GetMembers returns every member of a group, provided the caller is currently one of them.
func (s *Service) GetMembers(ctx context.Context, groupID uuid.UUID, callerAccount string) ([]Member, error) {
	isMember, err := s.groups.IsMember(ctx, groupID, callerAccount)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apperr.Wrap(apperr.KindForbidden, ErrNotMember.Error(), ErrNotMember)
	}
	return s.groups.ListMembers(ctx, groupID)
}

// History retrieves a group's message log for a member, in one of the three modes HistoryQuery describes.
func (s *Service) History(ctx context.Context, groupID uuid.UUID, account string, query HistoryQuery) ([]Message, error) {
	isMember, err := s.groups.IsMember(ctx, groupID, account)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apperr.Wrap(apperr.KindForbidden, ErrNotMember.Error(), ErrNotMember)
	}
	if query.Limit > 0 {
		query.Limit = ClampLimit(query.Limit)
	}
	return s.groups.History(ctx, groupID, query)
}

// Send posts a message to a group on behalf of a member and broadcasts it to every currently connected member.
// Group message delivery is best-effort: there is no offline queue. When senderType is character, characterName
// must equal the sender's currently registered persona on this group, guarding against impersonation after a
// persona-change race.
func (s *Service) Send(ctx context.Context, groupID uuid.UUID, senderAccount string, senderType SenderType, characterName, content string) (*Message, error) {
	if senderType != SenderUser && senderType != SenderCharacter {
		return nil, apperr.New(apperr.KindInvalid, ErrInvalidSenderType.Error())
	}

	member, err := s.groups.GetMember(ctx, groupID, senderAccount)
	if err != nil {
		return nil, err
	}
	if senderType == SenderCharacter && member.PersonaName != characterName {
		return nil, apperr.Wrap(apperr.KindForbidden, ErrImpersonation.Error(), ErrImpersonation)
	}

	clean, err := ValidateContent(content, s.maxContent)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}
	clean = s.sanitizer.Sanitize(clean)

	sender := senderAccount
	var charName *string
	if senderType == SenderCharacter {
		charName = &characterName
	}
	msg, err := s.groups.CreateMessage(ctx, CreateMessageParams{
		GroupID:       groupID,
		SenderType:    senderType,
		SenderAccount: &sender,
		SenderName:    member.PersonaName,
		CharacterName: charName,
		Content:       clean,
		MsgType:       MsgTypeText,
	})
	if err != nil {
		return nil, err
	}

	s.broadcastExcept(ctx, groupID, "", wire.TypeGroupMessage, groupMessagePayload(msg))
	return msg, nil
}

// SendSystem posts a system-authored message (e.g. a redpacket announcement) and broadcasts it to every member.
func (s *Service) SendSystem(ctx context.Context, groupID uuid.UUID, senderName, content, msgType string, redpacketState []byte) (*Message, error) {
	msg, err := s.groups.CreateMessage(ctx, CreateMessageParams{
		GroupID:        groupID,
		SenderType:     SenderSystem,
		SenderName:     senderName,
		Content:        content,
		MsgType:        msgType,
		RedpacketState: redpacketState,
	})
	if err != nil {
		return nil, err
	}
	s.broadcastExcept(ctx, groupID, "", wire.TypeGroupMessage, groupMessagePayload(msg))
	return msg, nil
}

// CreateRedpacketMessage posts a redpacket's initial claim state as a group message and broadcasts it like any
// other group message. The redpacket package owns the shape of state; this method only persists and broadcasts
// whatever it is given.
func (s *Service) CreateRedpacketMessage(ctx context.Context, groupID uuid.UUID, creatorAccount, senderName string, state json.RawMessage) (*Message, error) {
	sender := creatorAccount
	msg, err := s.groups.CreateMessage(ctx, CreateMessageParams{
		GroupID:        groupID,
		SenderType:     SenderUser,
		SenderAccount:  &sender,
		SenderName:     senderName,
		Content:        "sent a group redpacket",
		MsgType:        MsgTypeRedpacket,
		RedpacketState: state,
	})
	if err != nil {
		return nil, err
	}
	s.broadcastExcept(ctx, groupID, "", wire.TypeGroupMessage, groupMessagePayload(msg))
	return msg, nil
}

// GetMessage returns a single group message, provided the caller currently belongs to its group.
func (s *Service) GetMessage(ctx context.Context, groupID, messageID uuid.UUID, callerAccount string) (*Message, error) {
	isMember, err := s.groups.IsMember(ctx, groupID, callerAccount)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, apperr.Wrap(apperr.KindForbidden, ErrNotMember.Error(), ErrNotMember)
	}
	msg, err := s.groups.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.GroupID != groupID {
		return nil, apperr.Wrap(apperr.KindNotFound, ErrNotFound.Error(), ErrNotFound)
	}
	return msg, nil
}

// UpdateRedpacketMessageState persists new claim state onto an existing redpacket message via optimistic
// compare-and-swap on expectedVersion, then broadcasts the updated message to the group. Callers serialize
// concurrent claims against the same message with their own lock; this is the second line of defense.
func (s *Service) UpdateRedpacketMessageState(ctx context.Context, messageID uuid.UUID, state json.RawMessage, expectedVersion int) (*Message, error) {
	if err := s.groups.UpdateRedpacketState(ctx, messageID, state, expectedVersion); err != nil {
		return nil, err
	}
	msg, err := s.groups.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.broadcastExcept(ctx, msg.GroupID, "", wire.TypeGroupMessage, groupMessagePayload(msg))
	return msg, nil
}

// StartTyping records that account started typing in groupID and broadcasts it to every other member. Loss of
// this signal is acceptable; it is never persisted.
func (s *Service) StartTyping(ctx context.Context, groupID uuid.UUID, account string) error {
	isMember, err := s.groups.IsMember(ctx, groupID, account)
	if err != nil {
		return err
	}
	if !isMember {
		return apperr.Wrap(apperr.KindForbidden, ErrNotMember.Error(), ErrNotMember)
	}
	started, err := s.typing.Start(ctx, groupID, account)
	if err != nil || !started {
		return err
	}
	s.broadcastExcept(ctx, groupID, account, wire.TypeGroupTypingStart, typingPayload(groupID, account))
	return nil
}

// StopTyping clears the typing indicator and broadcasts the stop to every other member.
func (s *Service) StopTyping(ctx context.Context, groupID uuid.UUID, account string) error {
	stopped, err := s.typing.Stop(ctx, groupID, account)
	if err != nil || !stopped {
		return err
	}
	s.broadcastExcept(ctx, groupID, account, wire.TypeGroupTypingStop, typingPayload(groupID, account))
	return nil
}

// broadcastExcept pushes a frame to every online member of a group except excludeAccount (pass "" to include
// everyone).
func (s *Service) broadcastExcept(ctx context.Context, groupID uuid.UUID, excludeAccount string, frameType string, payload any) {
	if s.publisher == nil {
		return
	}
	members, err := s.groups.ListMembers(ctx, groupID)
	if err != nil {
		s.log.Warn().Err(err).Str("group_id", groupID.String()).Msg("list group members for broadcast failed")
		return
	}
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		s.log.Warn().Err(err).Str("frame_type", frameType).Msg("encode group broadcast frame failed")
		return
	}
	for _, m := range members {
		if excludeAccount != "" && m.Account == excludeAccount {
			continue
		}
		s.publisher.PushToAccount(m.Account, frame)
	}
}

func groupInvitePayload(g *Group) any {
	return struct {
		GroupID   uuid.UUID `json:"group_id"`
		Name      string    `json:"name"`
		CreatedAt wire.Time `json:"created_at"`
	}{GroupID: g.ID, Name: g.Name, CreatedAt: wire.FromStd(g.CreatedAt)}
}

func groupMemberPayload(m *Member) any {
	return struct {
		GroupID       uuid.UUID `json:"group_id"`
		Account       string    `json:"account"`
		PersonaName   string    `json:"persona_name"`
		PersonaAvatar *string   `json:"persona_avatar,omitempty"`
		PersonaDesc   string    `json:"persona_desc,omitempty"`
		JoinedAt      wire.Time `json:"joined_at"`
	}{
		GroupID:       m.GroupID,
		Account:       m.Account,
		PersonaName:   m.PersonaName,
		PersonaAvatar: m.PersonaAvatar,
		PersonaDesc:   m.PersonaDesc,
		JoinedAt:      wire.FromStd(m.JoinedAt),
	}
}

func groupMessagePayload(msg *Message) any {
	return struct {
		MessageID      uuid.UUID       `json:"message_id"`
		GroupID        uuid.UUID       `json:"group_id"`
		SenderAccount  *string         `json:"sender_account,omitempty"`
		SenderType     string          `json:"sender_type"`
		SenderName     string          `json:"sender_name"`
		CharacterName  *string         `json:"character_name,omitempty"`
		Content        string          `json:"content"`
		MsgType        string          `json:"msg_type"`
		RedpacketState json.RawMessage `json:"redpacket_state,omitempty"`
		Version        int             `json:"version,omitempty"`
		CreatedAt      wire.Time       `json:"created_at"`
	}{
		MessageID:      msg.ID,
		GroupID:        msg.GroupID,
		SenderAccount:  msg.SenderAccount,
		SenderType:     string(msg.SenderType),
		SenderName:     msg.SenderName,
		CharacterName:  msg.CharacterName,
		Content:        msg.Content,
		MsgType:        msg.MsgType,
		RedpacketState: msg.RedpacketState,
		Version:        msg.Version,
		CreatedAt:      wire.FromStd(msg.CreatedAt),
	}
}

func typingPayload(groupID uuid.UUID, account string) any {
	return struct {
		GroupID uuid.UUID `json:"group_id"`
		Account string    `json:"account"`
		At      wire.Time `json:"at"`
	}{GroupID: groupID, Account: account, At: wire.NowMillis()}
}
