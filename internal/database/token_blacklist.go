package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
)

const blacklistPrefix = "vpnpanel:jwt:blacklist:"

// TokenBlacklist remembers logged-out JWTs until they expire. Redis is used
// when available so every API replica sees the logout; otherwise entries
// live in process memory.
type TokenBlacklist struct {
	client *redis.Client
	clock  clock.Clock
	logger *zap.Logger

	mu  sync.Mutex
	mem map[string]time.Time
}

func NewTokenBlacklist(client *redis.Client, clk clock.Clock, logger *zap.Logger) *TokenBlacklist {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenBlacklist{client: client, clock: clk, logger: logger, mem: make(map[string]time.Time)}
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// BlacklistToken revokes token until expiresAt.
func (b *TokenBlacklist) BlacklistToken(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.clock.Now())
	if ttl <= 0 {
		return nil
	}
	key := tokenKey(token)

	if b.client != nil {
		err := b.client.Set(ctx, blacklistPrefix+key, 1, ttl).Err()
		if err == nil {
			return nil
		}
		b.logger.Warn("redis blacklist write failed, using memory", zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	for k, exp := range b.mem {
		if !now.Before(exp) {
			delete(b.mem, k)
		}
	}
	b.mem[key] = expiresAt
	return nil
}

// IsTokenBlacklisted checks whether token was logged out.
func (b *TokenBlacklist) IsTokenBlacklisted(ctx context.Context, token string) bool {
	key := tokenKey(token)

	b.mu.Lock()
	exp, ok := b.mem[key]
	b.mu.Unlock()
	if ok && b.clock.Now().Before(exp) {
		return true
	}

	if b.client == nil {
		return false
	}
	n, err := b.client.Exists(ctx, blacklistPrefix+key).Result()
	if err != nil {
		b.logger.Warn("redis blacklist read failed", zap.Error(err))
		return false
	}
	return n > 0
}
