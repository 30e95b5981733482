package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/util/clock"
)

// Lease values are "<expiry unix millis>:<owner>". Every mutation is a Lua script so
// the read-compare-write happens atomically on the server.

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local expiry = tonumber(string.match(current, '^(%d+):'))
	if expiry and expiry > tonumber(ARGV[1]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

var renewScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local sep = string.find(current, ':', 1, true)
if not sep or string.sub(current, sep + 1) ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local sep = string.find(current, ':', 1, true)
if not sep or string.sub(current, sep + 1) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

var scavengeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local expiry = tonumber(string.match(current, '^(%d+):'))
if expiry and expiry <= tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisLeaseStore implements LeaseStore for Redis
type RedisLeaseStore struct {
	client *redis.Client
	clock  clock.Clock
	logger *zap.Logger
}

// NewRedisLeaseStore creates a lease store on client
func NewRedisLeaseStore(client *redis.Client, clk clock.Clock, logger *zap.Logger) *RedisLeaseStore {
	return &RedisLeaseStore{client: client, clock: clk, logger: logger}
}

var _ LeaseStore = (*RedisLeaseStore)(nil)

func encodeLease(owner string, expiresAt time.Time) string {
	return fmt.Sprintf("%d:%s", expiresAt.UnixMilli(), owner)
}

func decodeLease(value string) (string, time.Time, error) {
	expiry, owner, ok := strings.Cut(value, ":")
	if !ok {
		return "", time.Time{}, fmt.Errorf("malformed lease value %q", value)
	}
	millis, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed lease expiry %q: %w", value, err)
	}
	return owner, time.UnixMilli(millis).UTC(), nil
}

// TryAcquire claims key unless an unexpired lease exists
func (s *RedisLeaseStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	ok, err := acquireScript.Run(ctx, s.client, []string{key}, now.UnixMilli(), encodeLease(owner, now.Add(ttl))).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok == 1, nil
}

// Renew extends a lease still held by owner
func (s *RedisLeaseStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := renewScript.Run(ctx, s.client, []string{key}, owner, encodeLease(owner, s.clock.Now().Add(ttl))).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	return ok == 1, nil
}

// Release drops a lease held by owner
func (s *RedisLeaseStore) Release(ctx context.Context, key, owner string) (bool, error) {
	ok, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return ok == 1, nil
}

// Holder returns the current owner and expiry of key
func (s *RedisLeaseStore) Holder(ctx context.Context, key string) (string, time.Time, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return decodeLease(value)
}

// ScavengeExpired removes expired leases whose key starts with prefix
func (s *RedisLeaseStore) ScavengeExpired(ctx context.Context, prefix string) (int, error) {
	now := s.clock.Now().UnixMilli()
	removed := 0

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ok, err := scavengeScript.Run(ctx, s.client, []string{iter.Val()}, now).Int()
		if err != nil {
			return removed, fmt.Errorf("failed to scavenge lease %s: %w", iter.Val(), err)
		}
		removed += ok
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan leases: %w", err)
	}
	return removed, nil
}

// Ping checks the Redis connection
func (s *RedisLeaseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}
