/*
Copyright 2025 Courier Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package courier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/cache"
	redlock "github.com/courierhq/courier/internal/lock"
)

const (
	processedKeyPrefix = "courier:idempotency:processed:"
	lockKeyPrefix      = "courier:idempotency:lock:"
)

// IdempotencyGuard prevents duplicate side effects from redelivered
// messages. The dedup marker alone cannot stop two instances that both see
// "not processed" at the same moment, so a short TTL lock bridges that
// race. The lock TTL must exceed the expected business-handler duration;
// if the handler outlives it, the lock expires and one extra invocation
// becomes possible. That window is the accepted trade-off of TTL locks.
type IdempotencyGuard struct {
	client    redis.UniversalClient
	markers   cache.Cache
	lockTTL   time.Duration
	retention time.Duration

	// locks tracks in-flight acquisitions so Unlock releases with the
	// owner value minted at TryLock time.
	locks sync.Map
}

// NewIdempotencyGuard builds a guard over the shared Redis client. lockTTL
// bounds how long a crashed consumer can block redelivery; retention is the
// window during which a processed message id is recognized as a duplicate.
func NewIdempotencyGuard(client redis.UniversalClient, markers cache.Cache, lockTTL, retention time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{
		client:    client,
		markers:   markers,
		lockTTL:   lockTTL,
		retention: retention,
	}
}

// IsDuplicate reports whether the message id was already processed within
// the retention window. When the marker store is unreachable it reports
// false and leaves duplicate suppression to the lock, which will also fail
// and push the message to redelivery instead of proceeding unprotected.
func (g *IdempotencyGuard) IsDuplicate(ctx context.Context, messageID string) bool {
	exists, err := g.markers.Exists(ctx, processedKeyPrefix+messageID)
	if err != nil {
		logrus.Warnf("idempotency marker lookup failed for %s: %v", messageID, err)
		return false
	}
	return exists
}

// TryLock attempts to take the short-lived processing lock for the message
// id. It returns false when another instance holds the lock or when the
// lock store is unreachable; both cases mean "redeliver later".
func (g *IdempotencyGuard) TryLock(ctx context.Context, messageID string) bool {
	locker := redlock.NewLocker(g.client, lockKeyPrefix+messageID, "")
	acquired, err := locker.TryAcquire(ctx, g.lockTTL)
	if err != nil {
		logrus.Warnf("idempotency lock store unreachable for %s, treating as contention: %v", messageID, err)
		return false
	}
	if acquired {
		g.locks.Store(messageID, locker)
	}
	return acquired
}

// MarkAsProcessed records that the message's side effect has happened.
// Subsequent IsDuplicate calls return true until retention elapses.
func (g *IdempotencyGuard) MarkAsProcessed(ctx context.Context, messageID string) error {
	err := g.markers.Set(ctx, processedKeyPrefix+messageID, time.Now().UTC().Format(time.RFC3339Nano), g.retention)
	if err != nil {
		return fmt.Errorf("marking message %s as processed: %w", messageID, err)
	}
	return nil
}

// Unlock releases the processing lock. It must run on every code path;
// callers defer it immediately after a successful TryLock. A release
// failure is logged, not returned: it means the lock already expired and
// the TTL has done the cleanup.
func (g *IdempotencyGuard) Unlock(ctx context.Context, messageID string) {
	value, ok := g.locks.LoadAndDelete(messageID)
	if !ok {
		return
	}
	locker := value.(*redlock.Locker)
	if err := locker.Release(ctx); err != nil {
		logrus.Debugf("idempotency unlock for %s: %v", messageID, err)
	}
}
