package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

const keyPrefix = "articlerelay:lock:"

// releaseScript deletes the lease only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker leases items across processes sharing one Redis.
type RedisLocker struct {
	rdb    *redis.Client
	mu     sync.Mutex
	tokens map[domain.ItemKey]string
}

var _ ports.ItemLocker = (*RedisLocker)(nil)

// NewRedisLocker connects and verifies the server with a PING.
func NewRedisLocker(ctx context.Context, cfg config.RedisConfig) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisLocker{rdb: rdb, tokens: make(map[domain.ItemKey]string)}, nil
}

// TryLock sets the lease key with NX and a TTL.
func (r *RedisLocker) TryLock(ctx context.Context, key domain.ItemKey, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, redisKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()
	return true, nil
}

// Unlock releases a lease taken by this locker. Unknown keys are a no-op.
func (r *RedisLocker) Unlock(ctx context.Context, key domain.ItemKey) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{redisKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}

func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}

func redisKey(key domain.ItemKey) string {
	return keyPrefix + key.SourceID + ":" + key.ItemID
}
