// Package coord holds the shared coordination store: a single Redis key
// naming the current leader's node id.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrCorruptLeader is returned when the leader key holds a non-numeric value
var ErrCorruptLeader = errors.New("leader key holds an invalid node id")

// compareAndSet replaces the leader only if it still holds the expected value
// (or already holds the new one). An empty new value deletes the key.
var compareAndSet = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then cur = '' end
if cur == ARGV[1] or cur == ARGV[2] then
  if ARGV[2] == '' then
    redis.call('DEL', KEYS[1])
  else
    redis.call('SET', KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

// RedisStore implements the leader store on one Redis instance
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a store using key for the leader id
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = "leader"
	}
	return &RedisStore{client: client, key: key}
}

// Leader returns the recorded leader id; ok is false when none is recorded
func (s *RedisStore) Leader(ctx context.Context) (id int, ok bool, err error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read leader: %w", err)
	}
	id, err = strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrCorruptLeader, val)
	}
	return id, true, nil
}

// SetLeader unconditionally records id as leader
func (s *RedisStore) SetLeader(ctx context.Context, id int) error {
	if err := s.client.Set(ctx, s.key, strconv.Itoa(id), 0).Err(); err != nil {
		return fmt.Errorf("failed to write leader: %w", err)
	}
	return nil
}

// CompareAndSet records next as leader only if the key still holds expected
// (0 meaning "no leader"). It reports whether the write happened.
func (s *RedisStore) CompareAndSet(ctx context.Context, expected, next int) (bool, error) {
	n, err := compareAndSet.Run(ctx, s.client, []string{s.key}, encodeID(expected), encodeID(next)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to publish leader: %w", err)
	}
	return n == 1, nil
}

// Clear removes the leader key if it still names id
func (s *RedisStore) Clear(ctx context.Context, id int) (bool, error) {
	return s.CompareAndSet(ctx, id, 0)
}

func encodeID(id int) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}
