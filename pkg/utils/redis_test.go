package utils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisConfig_Defaults(t *testing.T) {
	got := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if got.PoolSize != 20 || got.DialTimeout != 3*time.Second || got.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", got)
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestAcquireLease_ValidatesArgs(t *testing.T) {
	ctx := context.Background()
	if _, _, err := AcquireLease(ctx, nil, "k", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}

	// No command is sent for invalid arguments, so an unreachable client is fine.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	if _, _, err := AcquireLease(ctx, rdb, "", time.Second); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, _, err := AcquireLease(ctx, rdb, "k", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	if err := ReleaseLease(ctx, rdb, "k", ""); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestAcquireLease_UnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	token, ok, err := AcquireLease(context.Background(), rdb, "k", time.Second)
	if err == nil || ok || token != "" {
		t.Fatalf("expected error, got token=%q ok=%v err=%v", token, ok, err)
	}
	if err := RedisHealthCheck(context.Background(), rdb, 200*time.Millisecond); err == nil {
		t.Fatalf("expected health check to fail")
	}
}
