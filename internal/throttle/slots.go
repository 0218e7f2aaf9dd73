package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Slots caps how many requests per key may be held open at once, e.g. long
// polls of one device.
type Slots interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type LocalSlots struct {
	limit int
	mu    sync.Mutex
	held  map[string]int
}

func NewLocalSlots(limit int) *LocalSlots {
	if limit <= 0 {
		limit = 1
	}
	return &LocalSlots{limit: limit, held: map[string]int{}}
}

func (s *LocalSlots) Acquire(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] >= s.limit {
		return false, nil
	}
	s.held[key]++
	return true, nil
}

func (s *LocalSlots) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[key] <= 1 {
		delete(s.held, key)
		return nil
	}
	s.held[key]--
	return nil
}

// holdAcquireScript takes one held-pull slot.
//
// KEYS[1] = counter key
// ARGV[1] = limit (int)
// ARGV[2] = ttl_ms (int)
//
// Returns 1 when taken, 0 when the device already holds limit pulls. Every
// acquire refreshes the TTL, so the key outlives its newest holder.
var holdAcquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// holdReleaseScript gives a slot back and deletes the key once empty.
var holdReleaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// RedisSlots shares the cap across instances. The TTL frees slots leaked by
// a crashed instance; it must exceed the longest hold.
type RedisSlots struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisSlots(rdb *redis.Client, limit int, ttl time.Duration) *RedisSlots {
	if limit <= 0 {
		limit = 1
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisSlots{rdb: rdb, limit: limit, ttl: ttl}
}

func slotKey(key string) string { return "slots:" + key }

func (s *RedisSlots) Acquire(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("throttle: empty slot key")
	}
	n, err := holdAcquireScript.Run(ctx, s.rdb, []string{slotKey(key)}, s.limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release runs on a detached context; a cancelled request must still give
// its slot back.
func (s *RedisSlots) Release(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("throttle: empty slot key")
	}
	return holdReleaseScript.Run(context.WithoutCancel(ctx), s.rdb, []string{slotKey(key)}).Err()
}
