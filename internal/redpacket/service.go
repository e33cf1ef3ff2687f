package redpacket

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/group"
	"github.com/roleplay-hub/hub/internal/wire"
)

// Publisher pushes an already-encoded outbound frame to a connected account's live session.
type Publisher interface {
	PushToAccount(account string, frame []byte) bool
}

// Service implements the redpacket claim protocol on top of group messages: creation posts a MsgTypeRedpacket
// group.Message, and claiming reloads that message, mutates its claim state, and writes it back under a
// per-message lock plus the message repository's own optimistic-CAS on version.
type Service struct {
	chat      *group.Service
	publisher Publisher
	locker    Locker
	log       zerolog.Logger
}

// NewService creates a redpacket service. locker may be an *InProcessLocker (default, single-node) or a
// *ValkeyLocker (distributed); both satisfy Locker identically from the service's point of view.
func NewService(chat *group.Service, publisher Publisher, locker Locker, logger zerolog.Logger) *Service {
	return &Service{chat: chat, publisher: publisher, locker: locker, log: logger}
}

// Create posts a new redpacket message in a group on behalf of a member; the post itself broadcasts as an ordinary
// group_message with msg_type "redpacket", carrying the initial claim state.
func (s *Service) Create(ctx context.Context, groupID uuid.UUID, creatorAccount, creatorName string, totalAmount Cents, shareCount int, dist Distribution) (*group.Message, error) {
	if err := ValidateCreate(totalAmount, shareCount, dist); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, err.Error(), err)
	}

	state := State{
		CreatorAccount: creatorAccount,
		TotalAmount:    totalAmount,
		Count:          shareCount,
		RedpacketType:  dist,
		Claimed:        []Claim{},
	}
	encoded, err := state.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode redpacket state: %w", err)
	}

	return s.chat.CreateRedpacketMessage(ctx, groupID, creatorAccount, creatorName, encoded)
}

// Claim runs the full claim protocol for claimantAccount against a redpacket message: membership check, reload,
// already-claimed / exhausted checks, share computation, and the compare-and-swap write-back. Concurrent claims
// against the same message are serialized first by the Service's Locker and then by the message repository's own
// version check, so the read-modify-write over the claim list never races even across process restarts.
func (s *Service) Claim(ctx context.Context, groupID, messageID uuid.UUID, claimantAccount string) (*group.Message, error) {
	unlock, err := s.locker.Lock(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}
	defer unlock()

	msg, err := s.chat.GetMessage(ctx, groupID, messageID, claimantAccount)
	if err != nil {
		return nil, err
	}
	if msg.MsgType != group.MsgTypeRedpacket {
		return nil, apperr.Wrap(apperr.KindNotFound, ErrNotFound.Error(), ErrNotFound)
	}

	state, err := DecodeState(msg.RedpacketState)
	if err != nil {
		return nil, fmt.Errorf("decode redpacket state: %w", err)
	}
	if state.HasClaimed(claimantAccount) {
		return nil, apperr.Wrap(apperr.KindAlreadyClaimed, ErrAlreadyClaimed.Error(), ErrAlreadyClaimed)
	}

	remainingCount := state.Count - len(state.Claimed)
	if remainingCount <= 0 {
		return nil, apperr.Wrap(apperr.KindExhausted, ErrExhausted.Error(), ErrExhausted)
	}
	remainingAmount := state.TotalAmount - state.ClaimedAmount()

	var claimAmount Cents
	switch state.RedpacketType {
	case DistributionAverage:
		claimAmount = remainingAmount / Cents(remainingCount)
	case DistributionLucky:
		claimAmount = computeLuckyShare(remainingAmount, remainingCount)
	default:
		return nil, apperr.New(apperr.KindInconsistent, ErrInvalidDistribution.Error())
	}
	if claimAmount <= 0 || claimAmount > remainingAmount {
		return nil, apperr.Wrap(apperr.KindInconsistent, ErrInconsistent.Error(), ErrInconsistent)
	}

	state.Claimed = append(state.Claimed, Claim{Account: claimantAccount, Amount: claimAmount, ClaimedAt: time.Now()})
	encoded, err := state.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode redpacket state: %w", err)
	}

	updated, err := s.chat.UpdateRedpacketMessageState(ctx, messageID, encoded, msg.Version)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		frame, err := wire.Encode(wire.TypeRedpacketClaimed, claimAckPayload(messageID, claimantAccount, claimAmount))
		if err == nil {
			s.publisher.PushToAccount(claimantAccount, frame)
		}
	}
	return updated, nil
}

// computeLuckyShare draws a randomized share for a "lucky" redpacket per the claim protocol: the last remaining
// claimant takes whatever is left; everyone before that draws uniformly between one cent and a ceiling that always
// leaves at least one cent for each claimant still to come, then the draw is scaled down and capped at that
// ceiling.
func computeLuckyShare(remainingAmount Cents, remainingCount int) Cents {
	if remainingCount == 1 {
		return remainingAmount
	}
	maxDraw := remainingAmount - Cents(remainingCount-1)
	if maxDraw < 1 {
		maxDraw = 1
	}
	draw := Cents(1 + rand.Int64N(int64(maxDraw)))
	scaled := CentsFromFloat64(draw.Float64() * 0.8)
	if scaled > maxDraw {
		scaled = maxDraw
	}
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func claimAckPayload(messageID uuid.UUID, account string, amount Cents) any {
	return struct {
		MessageID uuid.UUID `json:"message_id"`
		Account   string    `json:"account"`
		Amount    float64   `json:"amount"`
	}{MessageID: messageID, Account: account, Amount: amount.Float64()}
}
