package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/wilson1442/vpn-platform-sub001/internal/syncx"
)

var ErrLockTimeout = errors.New("timed out waiting for reseller lock")

// Locker is the per-reseller single-writer point. Lock returns the release
// func; callers must invoke it exactly once.
type Locker interface {
	Lock(ctx context.Context, resellerID uint) (func(), error)
}

// LocalLocker serializes writers inside one process.
type LocalLocker struct {
	keys *syncx.KeyedMutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: syncx.NewKeyedMutex()}
}

func (l *LocalLocker) Lock(_ context.Context, resellerID uint) (func(), error) {
	return l.keys.Lock(strconv.FormatUint(uint64(resellerID), 10)), nil
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	redisLockTTL   = 15 * time.Second
	redisLockWait  = 10 * time.Second
	redisLockRetry = 25 * time.Millisecond
)

// RedisLocker serializes writers across API replicas with SET NX plus a
// token-checked release. A local keyed mutex in front keeps goroutines of the
// same process from spinning on Redis.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	local  *LocalLocker
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		local:  NewLocalLocker(),
	}
}

func redisLockKey(resellerID uint) string {
	return fmt.Sprintf("vpnpanel:lock:reseller:%d", resellerID)
}

func (l *RedisLocker) Lock(ctx context.Context, resellerID uint) (func(), error) {
	unlockLocal, _ := l.local.Lock(ctx, resellerID)

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, redisLockWait)
		defer cancel()
	}

	key := redisLockKey(resellerID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(waitCtx, key, token, redisLockTTL).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire reseller lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			unlockLocal()
			return nil, ErrLockTimeout
		case <-time.After(redisLockRetry):
		}
	}

	return func() {
		// Release with a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.script.Run(releaseCtx, l.client, []string{key}, token).Err()
		unlockLocal()
	}, nil
}
