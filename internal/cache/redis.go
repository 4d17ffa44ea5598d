package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache はRedisを使用した関心トピックキャッシュ。複数プロセスで共有できる。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache はRedisに接続してRedisCacheを生成する。接続確認に失敗した場合はエラーを返す。
func NewRedisCache(ctx context.Context, addr, password string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient は既存のクライアントからRedisCacheを生成する。
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get はキャッシュされた関心トピックを返す。値が壊れている場合はキャッシュミスとして扱う。
func (c *RedisCache) Get(ctx context.Context, userID string) ([]string, bool, error) {
	data, err := c.client.Get(ctx, InterestKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("関心トピックキャッシュの取得に失敗: %w", err)
	}

	var interests []string
	if err := json.Unmarshal(data, &interests); err != nil {
		c.client.Del(ctx, InterestKey(userID))
		return nil, false, nil
	}
	return interests, true, nil
}

// Put は関心トピックをTTL付きで保存する。
func (c *RedisCache) Put(ctx context.Context, userID string, interests []string) error {
	if interests == nil {
		interests = []string{}
	}
	data, err := json.Marshal(interests)
	if err != nil {
		return fmt.Errorf("関心トピックのエンコードに失敗: %w", err)
	}
	if err := c.client.Set(ctx, InterestKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("関心トピックキャッシュの保存に失敗: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close は接続を閉じる。
func (c *RedisCache) Close() error {
	return c.client.Close()
}
