package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testRedisStore はTEST_REDIS_URLのRedisに接続したStoreを返す。接続できない場合はスキップする。
func testRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	client, err := NewRedisClient(context.Background(), url)
	if err != nil {
		t.Skipf("テスト用Redisに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:"+uuid.NewString()+":")
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "://not-a-url"); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = (%v, %v), want (false, nil)", ok, err)
	}

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get = (%q, %v, %v)", v, ok, err)
	}

	ok, err = s.SetNX(ctx, "k", "other", time.Minute)
	if err != nil || ok {
		t.Errorf("SetNX on existing key = (%v, %v), want (false, nil)", ok, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	ok, err = s.SetNX(ctx, "k", "again", time.Minute)
	if err != nil || !ok {
		t.Errorf("SetNX after Delete = (%v, %v), want (true, nil)", ok, err)
	}
}
