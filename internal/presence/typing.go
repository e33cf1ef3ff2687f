package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// typingTTL is the lifetime of a typing indicator key. Clients may re-trigger the typing signal, but SET NX
// suppresses duplicate dispatches until the key expires.
const typingTTL = 10 * time.Second

// TypingStore records ephemeral group-chat typing indicators in Valkey. Unlike session presence, typing state is
// genuinely fine to lose on a Valkey restart — missing a few seconds of "is typing" is harmless — so it is the one
// piece of presence-adjacent state the hub keeps outside the in-process Registry.
type TypingStore struct {
	rdb *redis.Client
}

// NewTypingStore creates a typing indicator store backed by the given Valkey client.
func NewTypingStore(rdb *redis.Client) *TypingStore {
	return &TypingStore{rdb: rdb}
}

// Start records that account started typing in groupID. It uses SET NX so repeated calls within the TTL window
// are no-ops. Returns true when the key was newly created, meaning a typing-notice broadcast should fire; false
// when the key already existed, meaning the caller should suppress a duplicate notice.
func (s *TypingStore) Start(ctx context.Context, groupID uuid.UUID, account string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(groupID, account), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s in %s: %w", account, groupID, err)
	}
	return ok, nil
}

// Stop clears the typing indicator for account in groupID. Returns true when the key existed and was deleted,
// meaning a typing-stopped notice should fire.
func (s *TypingStore) Stop(ctx context.Context, groupID uuid.UUID, account string) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(groupID, account)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s in %s: %w", account, groupID, err)
	}
	return n > 0, nil
}

func typingKey(groupID uuid.UUID, account string) string {
	return "typing:" + groupID.String() + ":" + strings.ToLower(account)
}
