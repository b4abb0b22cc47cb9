package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	pkgredis "github.com/JoeShih716/go-transfer-ledger/pkg/redis"
)

func TestRequestCache_Key(t *testing.T) {
	id := uuid.MustParse("aaee2b13-8a5e-4aed-a30b-5d8535c8ab20")

	c := NewRequestCache(nil, "", 0)
	if got, want := c.key(id), "ledger:request:aaee2b13-8a5e-4aed-a30b-5d8535c8ab20"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
	if c.ttl != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}

	c = NewRequestCache(nil, "custom", time.Minute)
	if got, want := c.key(id), "custom:aaee2b13-8a5e-4aed-a30b-5d8535c8ab20"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

// 需要真正的 Redis，例如 LEDGER_TEST_REDIS_ADDR=localhost:6379
func TestRequestCache_SeenAfterRemember(t *testing.T) {
	addr := os.Getenv("LEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := pkgredis.NewClient(ctx, pkgredis.Config{Addr: addr})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	c := NewRequestCache(client, "ledger-test:"+uuid.NewString(), time.Minute)
	id := uuid.New()

	seen, err := c.Seen(ctx, id)
	if err != nil || seen {
		t.Fatalf("Seen before Remember = %v, %v", seen, err)
	}
	if err := c.Remember(ctx, id); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	seen, err = c.Seen(ctx, id)
	if err != nil || !seen {
		t.Fatalf("Seen after Remember = %v, %v", seen, err)
	}

	ttl, err := client.TTL(ctx, c.key(id)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v, want (0, 1m]", ttl)
	}
}
