package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/models"
)

// releaseScript deletes the key only if we still own it.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisClient is the part of go-redis the locker needs. *redis.Client and
// *redis.ClusterClient satisfy it.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker is a Locker shared by every API replica. A holder that dies
// loses the lock after ttl.
type RedisLocker struct {
	client RedisClient
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(client RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 25 * time.Millisecond}
}

func lockKey(rideID string) string { return "ride:lock:" + rideID }

func (r *RedisLocker) Lock(ctx context.Context, rideID string) (func(), error) {
	key := lockKey(rideID)
	token := uuid.NewString()
	// without a caller deadline, give up after one ttl
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.ttl)
		defer cancel()
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("lock ride %s: %w", rideID, err)
		}
		if ok {
			return func() {
				// fresh context: the caller's may already be done
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = r.client.Eval(rctx, releaseScript, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: lock ride %s: %v", models.ErrConflict, rideID, ctx.Err())
		case <-ticker.C:
		}
	}
}
