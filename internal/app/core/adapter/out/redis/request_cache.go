package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

const (
	DefaultPrefix = "ledger:request"
	DefaultTTL    = 24 * time.Hour
)

// RequestCache 已提交 requestID 的快取
// 只記錄「存在」，過期後仍由資料庫的唯一鍵擋住重複請求
type RequestCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRequestCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RequestCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RequestCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RequestCache) key(requestID uuid.UUID) string {
	return c.prefix + ":" + requestID.String()
}

func (c *RequestCache) Seen(ctx context.Context, requestID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check request id: %w", err)
	}
	return n > 0, nil
}

func (c *RequestCache) Remember(ctx context.Context, requestID uuid.UUID) error {
	return c.client.Set(ctx, c.key(requestID), 1, c.ttl).Err()
}

var _ usecase.RequestCache = (*RequestCache)(nil)
