package redpacket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes claims against a single redpacket message so a read-modify-write against its claim set never
// races. The claim algorithm reads the current claim list, computes a share, and writes it back; without
// serialization two concurrent claims could both read the same remaining amount and together overspend the total.
type Locker interface {
	// Lock blocks until the caller holds the lock for messageID, or ctx is done. The returned func releases it.
	Lock(ctx context.Context, messageID uuid.UUID) (unlock func(), err error)
}

// InProcessLocker serializes claims with one mutex per redpacket message, kept in a sync.Map. It is correct as
// long as the hub runs as a single process owning its claim state, per the single-node ownership assumption the
// protocol allows.
type InProcessLocker struct {
	mus sync.Map // uuid.UUID -> *sync.Mutex
}

// NewInProcessLocker creates a Locker backed by in-process mutexes.
func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{}
}

// Lock acquires the mutex for messageID, creating one on first use. ctx cancellation has no effect once the
// underlying mutex is already contended; an in-process mutex cannot be waited on with a deadline.
func (l *InProcessLocker) Lock(ctx context.Context, messageID uuid.UUID) (func(), error) {
	v, _ := l.mus.LoadOrStore(messageID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

// valkeyLockTTL bounds how long a distributed lock is held before it expires, guarding against a crashed holder
// never releasing it.
const valkeyLockTTL = 5 * time.Second

// valkeyRetryInterval is how often a contended ValkeyLocker retries its SET NX.
const valkeyRetryInterval = 20 * time.Millisecond

// ValkeyLocker serializes claims via a Valkey SET NX PX key, the same SETNX-based ephemeral lock pattern the
// Presence Registry's typing indicators use. Unlike InProcessLocker, a claim lock held this way survives a process
// restart mid-claim, at the cost of a round trip per claim.
type ValkeyLocker struct {
	rdb *redis.Client
}

// NewValkeyLocker creates a Locker backed by the given Valkey client.
func NewValkeyLocker(rdb *redis.Client) *ValkeyLocker {
	return &ValkeyLocker{rdb: rdb}
}

// Lock spins on SET NX PX until it acquires the key or ctx is done.
func (l *ValkeyLocker) Lock(ctx context.Context, messageID uuid.UUID) (func(), error) {
	key := lockKey(messageID)
	token := uuid.New().String()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, valkeyLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire redpacket lock: %w", err)
		}
		if ok {
			return func() { l.rdb.Del(context.Background(), key) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(valkeyRetryInterval):
		}
	}
}

func lockKey(messageID uuid.UUID) string {
	return "redpacket_lock:" + messageID.String()
}
