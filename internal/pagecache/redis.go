package pagecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cataclysm:page:"

// RedisCache はRedisのハッシュにページデータを保持するCache実装。
// 1つのパスを1つのハッシュキーとし、バリアントをフィールドとして格納する。
// 無効化はハッシュキーの削除1回で全バリアントを消す。
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache はRedisCacheを生成する。
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisClient はREDIS_URL形式の接続文字列からクライアントを生成し、
// 疎通確認を行う。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func redisKey(path string) string {
	return redisKeyPrefix + path
}

// Get はキャッシュされたページデータを返す。
func (r *RedisCache) Get(ctx context.Context, path, variant string) ([]byte, bool, error) {
	data, err := r.client.HGet(ctx, redisKey(path), variant).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached page %s: %w", path, err)
	}
	return data, true, nil
}

// Set はページデータを保存し、パス全体のTTLを更新する。
func (r *RedisCache) Set(ctx context.Context, path, variant string, data []byte) error {
	key := redisKey(path)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, variant, data)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache page %s: %w", path, err)
	}
	return nil
}

// Invalidate はパスに属する全バリアントを削除する。
func (r *RedisCache) Invalidate(ctx context.Context, path string) error {
	if err := r.client.Del(ctx, redisKey(path)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate page %s: %w", path, err)
	}
	return nil
}
