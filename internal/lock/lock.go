package redlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a single-key TTL lock over Redis. The value identifies the
// holder so only the instance that acquired a lock can release or extend
// it. A lock that outlives its TTL silently expires; callers must size the
// TTL above the expected critical-section duration.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

// NewLocker creates a locker for key. An empty value gets a random owner id.
func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	if value == "" {
		value = uuid.New().String()
	}
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

// TryAcquire attempts to take the lock without waiting. It returns false
// when another holder has a live lock on the key.
func (l *Locker) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, ttl).Result()
}

// Release frees the lock if this locker still holds it. Releasing an
// expired or foreign lock returns an error rather than deleting it.
func (l *Locker) Release(ctx context.Context) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("release failed, lock on %s expired or held by another owner", l.key)
	}
	return nil
}

// Extend pushes the expiry of a held lock forward. Long-running leader
// loops renew their lock this way instead of holding it forever.
func (l *Locker) Extend(ctx context.Context, extension time.Duration) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("extend failed, lock on %s expired or held by another owner", l.key)
	}
	return nil
}
