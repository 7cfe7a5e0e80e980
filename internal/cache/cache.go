// Package cache はTTL付きキーバリューストアを提供する。
// 本番ではRedis、テストとRedis未設定時はプロセス内メモリを使用する。
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store はTTL付きのキーバリューストアのインターフェース。
type Store interface {
	// Get はキーの値を返す。存在しない場合はfound=falseを返す。
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set はキーに値を保存する。
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX はキーが存在しない場合のみ値を保存し、保存できた場合にtrueを返す。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete はキーを削除する。
	Delete(ctx context.Context, key string) error
}

// NewRedisClient はREDIS_URL形式の接続文字列からRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisStore はgo-redisを使用したStoreの実装。
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore はRedisStoreを生成する。keyPrefixは全キーの先頭に付与される。
func NewRedisStore(client redis.Cmdable, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Get はキーの値を返す。
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("キャッシュの取得に失敗しました: %w", err)
	}
	return val, true, nil
}

// Set はキーに値を保存する。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの保存に失敗しました: %w", err)
	}
	return nil
}

// SetNX はキーが存在しない場合のみ値を保存する。
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("キャッシュの排他保存に失敗しました: %w", err)
	}
	return ok, nil
}

// Delete はキーを削除する。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("キャッシュの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
