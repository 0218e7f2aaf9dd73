package utils

import (
	"context"
	"testing"
	"time"
)

func TestOpenRedis_Validates(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error without addr")
	}
	if _, err := OpenRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", DB: -1}); err == nil {
		t.Fatalf("expected error for negative db")
	}
}

func TestOpenRedis_UnreachableFailsPing(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, PingTimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestRedisConfig_Options(t *testing.T) {
	o := RedisConfig{Addr: "r:6379", Password: "pw", DB: 2}.withDefaults().options()
	if o.Addr != "r:6379" || o.Password != "pw" || o.DB != 2 {
		t.Fatalf("unexpected options: %+v", o)
	}
	if o.ClientName != "dialer-bridge" || o.PoolSize != 20 {
		t.Fatalf("expected defaults applied: %+v", o)
	}
}
