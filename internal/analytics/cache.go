package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache は集計結果のキャッシュ。値はJSONエンコード済みのバイト列で保持する。
type Cache interface {
	// Get はキーの値を返す。存在しないか期限切れの場合はfalseを返す。
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set はTTL付きで値を書き込む。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache はプロセス内のTTL付きキャッシュ。
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewMemoryCache はMemoryCacheを生成する。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		Now:     time.Now,
	}
}

// Get はキーの値を返す。期限切れのエントリは取得時に削除する。
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set はTTL付きで値を書き込む。
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{value: value, expiresAt: c.Now().Add(ttl)}
	return nil
}

// RedisCache はRedisを使うキャッシュ。複数インスタンスで集計結果を共有する。
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache はRedisCacheを生成する。
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, prefix: "trendboard:analytics:"}
}

// Get はキーの値を返す。
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("キャッシュの読み込みに失敗しました: %w", err)
	}
	return b, true, nil
}

// Set はTTL付きで値を書き込む。
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの書き込みに失敗しました: %w", err)
	}
	return nil
}
